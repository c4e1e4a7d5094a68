// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// パイプラインの終端状態。outcomeラベルの値として使う。
const (
	OutcomeDone            = "done"
	OutcomeRejected        = "rejected"
	OutcomeInferenceFailed = "inference_failed"
	OutcomeStoreFailed     = "store_failed"
	OutcomeRecordFailed    = "record_failed"
	OutcomeUserMissing     = "user_missing"
)

// パイプラインの段階。stageラベルの値として使う。
const (
	StageInference = "inference"
	StageStore     = "store"
	StageRecord    = "record"
)

// PipelineMetrics はメトリクス収集のインターフェース。
// 解析サービスやステージング掃除ワーカーから利用する。
type PipelineMetrics interface {
	RecordOutcome(outcome string)
	RecordStageLatency(stage string, duration time.Duration)
	RecordCleanupFailure()
	RecordVersionConflict()
	RecordStagingSwept(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	outcomes         *prometheus.CounterVec
	stageLatency     *prometheus.HistogramVec
	cleanupFailures  prometheus.Counter
	versionConflicts prometheus.Counter
	stagingSwept     prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crispcolon_pipeline_outcomes_total",
			Help: "解析パイプラインの終端状態別の件数",
		}, []string{"outcome"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crispcolon_stage_duration_seconds",
			Help:    "パイプライン各段階の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crispcolon_staged_cleanup_failures_total",
			Help: "ステージングファイルの削除失敗の合計数",
		}),
		versionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crispcolon_record_version_conflicts_total",
			Help: "ユーザーレコード保存時のバージョン競合の合計数",
		}),
		stagingSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crispcolon_staging_swept_total",
			Help: "掃除ジョブが削除した孤立ステージングファイルの合計数",
		}),
	}

	reg.MustRegister(
		c.outcomes,
		c.stageLatency,
		c.cleanupFailures,
		c.versionConflicts,
		c.stagingSwept,
	)

	return c
}

// RecordOutcome はパイプラインの終端状態を記録する。
func (c *Collector) RecordOutcome(outcome string) {
	c.outcomes.WithLabelValues(outcome).Inc()
}

// RecordStageLatency は段階ごとの所要時間を記録する。
func (c *Collector) RecordStageLatency(stage string, duration time.Duration) {
	c.stageLatency.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordCleanupFailure はステージングファイルの削除失敗を記録する。
func (c *Collector) RecordCleanupFailure() {
	c.cleanupFailures.Inc()
}

// RecordVersionConflict はバージョン競合を記録する。
func (c *Collector) RecordVersionConflict() {
	c.versionConflicts.Inc()
}

// RecordStagingSwept は掃除ジョブが削除したファイル数を記録する。
func (c *Collector) RecordStagingSwept(count int) {
	c.stagingSwept.Add(float64(count))
}

// Nop は何も記録しないPipelineMetrics。
type Nop struct{}

func (Nop) RecordOutcome(string)                     {}
func (Nop) RecordStageLatency(string, time.Duration) {}
func (Nop) RecordCleanupFailure()                    {}
func (Nop) RecordVersionConflict()                   {}
func (Nop) RecordStagingSwept(int)                   {}

var (
	_ PipelineMetrics = (*Collector)(nil)
	_ PipelineMetrics = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
