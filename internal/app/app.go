package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hitoshi/crispcolon/internal/analysis"
	"github.com/hitoshi/crispcolon/internal/auth"
	"github.com/hitoshi/crispcolon/internal/config"
	"github.com/hitoshi/crispcolon/internal/database"
	"github.com/hitoshi/crispcolon/internal/handler"
	"github.com/hitoshi/crispcolon/internal/inference"
	"github.com/hitoshi/crispcolon/internal/logger"
	"github.com/hitoshi/crispcolon/internal/metrics"
	"github.com/hitoshi/crispcolon/internal/middleware"
	"github.com/hitoshi/crispcolon/internal/objectstore"
	"github.com/hitoshi/crispcolon/internal/repository"
	"github.com/hitoshi/crispcolon/internal/upload"
	"github.com/hitoshi/crispcolon/internal/worker/sweep"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
)

// shutdownTimeout はグレースフルシャットダウンの待機時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if !cmd.NeedsConfig() {
		if cmd == CommandHelp {
			WriteUsage(w)
			return nil
		}
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(fmt.Sprintf("http://localhost:%s/health", port))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, args[1:])
	case CommandSweep:
		return runSweep(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーとステージング掃除を起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリ・資格情報検証の初期化
	userRepo := repository.NewPostgresUserRepo(db)

	verifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret), auth.WithLeeway(30*time.Second))
	if err != nil {
		return fmt.Errorf("failed to create credential verifier: %w", err)
	}

	// 3. パイプライン構成要素の初期化
	receiver, err := upload.NewReceiver(upload.Config{
		Dir:          cfg.UploadDir,
		FieldName:    cfg.UploadFieldName,
		MaxBytes:     cfg.UploadMaxBytes,
		AllowedTypes: cfg.UploadAllowedTypes,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create upload receiver: %w", err)
	}

	predictor, err := inference.NewClient(inference.Config{
		URL:            cfg.InferenceURL,
		Timeout:        cfg.InferenceTimeout,
		RetryAttempts:  cfg.InferenceRetryAttempts,
		RetryBaseDelay: cfg.InferenceRetryBaseDelay,
		RetryMaxDelay:  cfg.InferenceRetryMaxDelay,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create inference client: %w", err)
	}

	store, err := objectstore.NewS3Store(ctx, objectstore.Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		UsePathStyle:    cfg.S3UsePathStyle,
		PublicBaseURL:   cfg.S3PublicBaseURL,
		KeyPrefix:       cfg.S3KeyPrefix,
		MaxAttempts:     cfg.S3MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 5. 解析サービス
	analysisService := analysis.NewService(predictor, store, userRepo, analysis.Config{
		ObjectStoreTimeout: cfg.ObjectStoreTimeout,
		RecordTimeout:      cfg.RecordTimeout,
		RecordAttempts:     cfg.RecordAttempts,
	}, collector, slog.Default())

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             slog.Default(),
		Verifier:           verifier,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,

		Receiver:          receiver,
		AnalysisService:   analysisService,
		UploadReadTimeout: cfg.UploadReadTimeout,

		ProfileService: analysisService,

		HealthChecks: map[string]handler.Pinger{
			"database":     db,
			"object_store": handler.PingerFunc(store.Ping),
		},
		Metrics:        collector,
		MetricsHandler: metrics.Handler(registry),
	})

	// 7. ステージング掃除をバックグラウンドで起動
	sweeper := sweep.NewSweepJob(receiver.Dir(), cfg.StagingMaxAge, collector, slog.Default())
	go sweeper.Start(ctx, cfg.StagingSweepInterval)

	// 8. HTTPサーバーの起動
	// 読み取り期限はアップロードルートでリクエストごとに延長する
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.UploadReadTimeout,
		WriteTimeout:      cfg.WriteTimeout(),
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Duration("write_timeout", server.WriteTimeout),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// rateLimiterConfig は設定のreq/min単位の値をreq/secに変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitUpload > 0 {
		rl.UploadRate = rate.Limit(float64(cfg.RateLimitUpload) / 60.0)
		rl.UploadBurst = cfg.RateLimitUpload
	}
	return rl
}

// runMigrate はデータベースマイグレーションを実行する。
// argsが空または"up"なら未適用分をすべて適用し、"down [n]"ならn件（既定1）戻し、
// "version"なら適用済みバージョンを表示する。
func runMigrate(cfg *config.Config, args []string) error {
	action := "up"
	if len(args) > 0 {
		action = args[0]
	}

	slog.Info("running database migrations",
		slog.String("action", action),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case "up":
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid rollback steps %q: %w", args[1], err)
			}
			steps = n
		}
		if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	case "version":
		status, err := database.CurrentMigration(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migration version: %w", err)
		}
		slog.Info("current migration version",
			slog.Uint64("version", uint64(status.Version)),
			slog.Bool("dirty", status.Dirty),
		)
		return nil
	default:
		return fmt.Errorf("unknown migrate action %q (want up, down or version)", action)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runSweep はステージングディレクトリの掃除を1回実行する。
// cron等から呼び出す用途。
func runSweep(cfg *config.Config) error {
	job := sweep.NewSweepJob(cfg.UploadDir, cfg.StagingMaxAge, nil, slog.Default())
	if _, err := job.Run(context.Background()); err != nil {
		return fmt.Errorf("staging sweep failed: %w", err)
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 解釈できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
