package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Credential
	JWTSecret string

	// Upload
	UploadDir          string
	UploadFieldName    string
	UploadMaxBytes     int64
	UploadAllowedTypes []string
	UploadReadTimeout  time.Duration

	// Inference
	InferenceURL            string
	InferenceTimeout        time.Duration
	InferenceRetryAttempts  int
	InferenceRetryBaseDelay time.Duration
	InferenceRetryMaxDelay  time.Duration

	// Object store
	S3Bucket           string
	S3Region           string
	S3Endpoint         string
	S3AccessKeyID      string
	S3SecretAccessKey  string
	S3UsePathStyle     bool
	S3PublicBaseURL    string
	S3KeyPrefix        string
	S3MaxAttempts      int
	ObjectStoreTimeout time.Duration

	// Record
	RecordTimeout  time.Duration
	RecordAttempts int

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitUpload  int

	// Staging sweep
	StagingSweepInterval time.Duration
	StagingMaxAge        time.Duration

	// Server
	ServerPort string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigins []string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.InferenceURL = os.Getenv("INFERENCE_URL")
	if cfg.InferenceURL == "" {
		missing = append(missing, "INFERENCE_URL")
	}

	cfg.S3Bucket = os.Getenv("S3_BUCKET")
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)

	cfg.UploadDir = getEnvString("UPLOAD_DIR", "uploads")
	cfg.UploadFieldName = getEnvString("UPLOAD_FIELD_NAME", "file")
	cfg.UploadMaxBytes = getEnvInt64("UPLOAD_MAX_BYTES", 10485760)
	cfg.UploadAllowedTypes = getEnvList("UPLOAD_ALLOWED_TYPES", nil)
	cfg.UploadReadTimeout = getEnvDuration("UPLOAD_READ_TIMEOUT", 30*time.Second)

	cfg.InferenceTimeout = getEnvDuration("INFERENCE_TIMEOUT", 30*time.Second)
	cfg.InferenceRetryAttempts = getEnvInt("INFERENCE_RETRY_ATTEMPTS", 2)
	cfg.InferenceRetryBaseDelay = getEnvDuration("INFERENCE_RETRY_BASE_DELAY", 500*time.Millisecond)
	cfg.InferenceRetryMaxDelay = getEnvDuration("INFERENCE_RETRY_MAX_DELAY", 5*time.Second)

	cfg.S3Region = getEnvString("S3_REGION", "us-east-1")
	cfg.S3Endpoint = getEnvString("S3_ENDPOINT", "")
	cfg.S3AccessKeyID = getEnvString("S3_ACCESS_KEY_ID", "")
	cfg.S3SecretAccessKey = getEnvString("S3_SECRET_ACCESS_KEY", "")
	cfg.S3UsePathStyle = getEnvBool("S3_USE_PATH_STYLE", cfg.S3Endpoint != "")
	cfg.S3PublicBaseURL = getEnvString("S3_PUBLIC_BASE_URL", "")
	cfg.S3KeyPrefix = getEnvString("S3_KEY_PREFIX", "")
	cfg.S3MaxAttempts = getEnvInt("S3_MAX_ATTEMPTS", 3)
	cfg.ObjectStoreTimeout = getEnvDuration("OBJECT_STORE_TIMEOUT", 30*time.Second)

	cfg.RecordTimeout = getEnvDuration("RECORD_TIMEOUT", 10*time.Second)
	cfg.RecordAttempts = getEnvInt("RECORD_ATTEMPTS", 3)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitUpload = getEnvInt("RATE_LIMIT_UPLOAD", 20)

	cfg.StagingSweepInterval = getEnvDuration("STAGING_SWEEP_INTERVAL", 10*time.Minute)
	cfg.StagingMaxAge = getEnvDuration("STAGING_MAX_AGE", time.Hour)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", false)
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	// 処理中のステージングファイルを掃除しないよう、1リクエストの最大所要時間より長くする
	if cfg.StagingMaxAge <= cfg.WriteTimeout() {
		return nil, fmt.Errorf("STAGING_MAX_AGE (%s) must exceed the request write timeout (%s)",
			cfg.StagingMaxAge, cfg.WriteTimeout())
	}

	return cfg, nil
}

// WriteTimeout はHTTPサーバーの書き込みタイムアウトを返す。
// 受信から記録までの各段階のタイムアウトの合計に余裕を持たせる。
func (c *Config) WriteTimeout() time.Duration {
	attempts := max(c.InferenceRetryAttempts, 1)
	inference := time.Duration(attempts)*c.InferenceTimeout + time.Duration(attempts-1)*c.InferenceRetryMaxDelay
	record := time.Duration(max(c.RecordAttempts, 1)) * c.RecordTimeout
	return c.UploadReadTimeout + inference + c.ObjectStoreTimeout + record + 10*time.Second
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
