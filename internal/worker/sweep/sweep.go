// Package sweep はステージングディレクトリに残った古いファイルを削除するジョブを提供する。
// 通常はパイプラインが必ず削除するため、プロセスのクラッシュ等で取り残されたものだけが対象になる。
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hitoshi/crispcolon/internal/metrics"
)

// DefaultMaxAge はステージングファイルの既定の保持期間。
const DefaultMaxAge = time.Hour

// SweepJob は保持期間を超過したステージングファイルの削除ジョブ。
// 冪等で、削除対象が無い場合もエラーにならない。
type SweepJob struct {
	dir     string
	logger  *slog.Logger
	metrics metrics.PipelineMetrics
	now     func() time.Time

	MaxAge time.Duration // ステージングファイルの保持期間（デフォルト: 1時間）
}

// NewSweepJob は新しいSweepJobを生成する。
func NewSweepJob(dir string, maxAge time.Duration, m metrics.PipelineMetrics, logger *slog.Logger) *SweepJob {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepJob{
		dir:     dir,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		MaxAge:  maxAge,
	}
}

// Run は更新時刻がMaxAgeより古い通常ファイルを削除し、削除件数を返す。
// 個々のファイルの削除失敗はログに残して続行する。
func (j *SweepJob) Run(ctx context.Context) (int, error) {
	start := j.now()
	cutoff := start.Add(-j.MaxAge)

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		j.logger.Error("ステージングディレクトリの読み取りに失敗しました",
			slog.String("dir", j.dir),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("ステージングディレクトリの読み取りに失敗: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			j.record(removed)
			return removed, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// 列挙後にパイプラインが削除した場合
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(j.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				j.logger.Warn("ステージングファイルの削除に失敗しました",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		removed++
	}

	j.record(removed)
	j.logger.Info("ステージング掃除ジョブが完了しました",
		slog.Int("removed_count", removed),
		slog.Duration("max_age", j.MaxAge),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return removed, nil
}

func (j *SweepJob) record(removed int) {
	if removed > 0 {
		j.metrics.RecordStagingSwept(removed)
	}
}

// Start はinterval間隔でRunを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (j *SweepJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("ステージング掃除を開始しました",
		slog.String("dir", j.dir),
		slog.Duration("interval", interval),
		slog.Duration("max_age", j.MaxAge),
	)

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("ステージング掃除を停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *SweepJob) runLogged(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("ステージング掃除の実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
