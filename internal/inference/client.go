// Package inference はステージング済み画像を推論サービスに送信し、
// 結果を正規化するクライアントを提供する。
package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/crispcolon/internal/model"
	"github.com/hitoshi/crispcolon/internal/upload"
)

const (
	// DefaultTimeout は1回の試行あたりのタイムアウト。
	DefaultTimeout = 30 * time.Second
	// DefaultRetryAttempts は一時的な失敗に対する最大試行回数。
	DefaultRetryAttempts = 2
	// DefaultRetryBaseDelay は指数バックオフの初回遅延。
	DefaultRetryBaseDelay = 500 * time.Millisecond
	// DefaultRetryMaxDelay は指数バックオフの最大遅延。
	DefaultRetryMaxDelay = 5 * time.Second

	// fileFieldName は推論サービスが画像を受け取るフィールド名。
	fileFieldName = "file"
	// maxResponseBytes は推論サービスの応答として読み取る最大バイト数。
	maxResponseBytes = 1 << 20
	// errorSnippetBytes はエラー応答をログに残す際の最大バイト数。
	errorSnippetBytes = 512
)

// Config は推論クライアントの設定。
type Config struct {
	URL            string        // 推論エンドポイント（例: http://inference:8000/predict）
	Timeout        time.Duration // 1回の試行あたりのタイムアウト
	RetryAttempts  int           // 最大試行回数（1なら再試行しない）
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Client は推論サービスのHTTPクライアント。
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	sleeper    func(time.Duration)
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithHTTPClient はHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithSleeper は再試行間の待機処理を差し替える。テスト用。
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) { c.sleeper = sleeper }
}

// NewClient はClientを生成する。
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("inference url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// httpStatusError は推論サービスが2xx以外を返したことを示す。
type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("inference request: http %d: %s", e.StatusCode, e.Body)
}

// responseError は応答が契約に違反していることを示す。再試行しない。
type responseError struct {
	err error
}

func (e *responseError) Error() string { return "inference response: " + e.err.Error() }
func (e *responseError) Unwrap() error { return e.err }

// Predict は画像を推論サービスに送信し、正規化した結果を返す。
// 接続失敗・タイムアウト・408/429/5xxは指数バックオフで再試行し、
// 使い切った場合はmodel.ErrInferenceUnavailableを返す。
// それ以外の4xxや不正な応答はmodel.ErrInferenceServiceを返す。
func (c *Client) Predict(ctx context.Context, img *upload.StagedImage) (model.InferenceResult, error) {
	attempts := c.cfg.RetryAttempts
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.predictOnce(ctx, img)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return model.InferenceResult{}, fmt.Errorf("%w: %w", model.ErrInferenceUnavailable, ctx.Err())
		}
		delay, retry := c.retryDelay(err, attempt)
		if !retry {
			break
		}

		c.logger.Warn("推論リクエストに失敗したため再試行します",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return model.InferenceResult{}, fmt.Errorf("%w: %w", model.ErrInferenceUnavailable, err)
		}
	}

	return model.InferenceResult{}, classify(lastErr)
}

// classify は最終的なエラーを分類する。
func classify(err error) error {
	var respErr *responseError
	if errors.As(err, &respErr) {
		return fmt.Errorf("%w: %w", model.ErrInferenceService, err)
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) && !retryableStatus(statusErr.StatusCode) {
		return fmt.Errorf("%w: %w", model.ErrInferenceService, err)
	}
	return fmt.Errorf("%w: %w", model.ErrInferenceUnavailable, err)
}

// predictOnce は1回分のリクエストを送信する。試行ごとにファイルを開き直す。
func (c *Client) predictOnce(ctx context.Context, img *upload.StagedImage) (model.InferenceResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	f, err := img.Open()
	if err != nil {
		return model.InferenceResult{}, &responseError{err: fmt.Errorf("open staged image: %w", err)}
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		pw.CloseWithError(writeImagePart(mw, f, img))
	}()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.URL, pr)
	if err != nil {
		pr.CloseWithError(err)
		return model.InferenceResult{}, &responseError{err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return model.InferenceResult{}, fmt.Errorf("inference request (timeout=%s): %w", c.cfg.Timeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return model.InferenceResult{}, fmt.Errorf("inference request: read body: %w", err)
	}
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.InferenceResult{}, &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       snippet(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	result, err := decodePrediction(body, elapsed)
	if err != nil {
		return model.InferenceResult{}, &responseError{err: err}
	}
	return result, nil
}

// writeImagePart は画像をmultipartの1パートとして書き込む。
func writeImagePart(mw *multipart.Writer, src io.Reader, img *upload.StagedImage) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileFieldName, img.Name))
	h.Set("Content-Type", img.ContentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

// retryDelay は再試行すべきかと待機時間を返す。
func (c *Client) retryDelay(err error, attempt int) (time.Duration, bool) {
	if attempt >= c.cfg.RetryAttempts {
		return 0, false
	}

	var respErr *responseError
	if errors.As(err, &respErr) {
		return 0, false
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if !retryableStatus(statusErr.StatusCode) {
			return 0, false
		}
		if statusErr.RetryAfter > 0 {
			return min(statusErr.RetryAfter, c.cfg.RetryMaxDelay), true
		}
	}

	// 接続失敗・試行ごとのタイムアウトは一時的な障害として再試行する
	return backoffDelay(attempt, c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay), true
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if c.sleeper != nil {
		c.sleeper(d)
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter は秒数形式のRetry-Afterヘッダーを解釈する。
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > errorSnippetBytes {
		s = s[:errorSnippetBytes] + "..."
	}
	return s
}
