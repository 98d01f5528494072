// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// coordinator.Metrics、conduit.CallRecorder、broker.DropRecorderを満たす。
type Collector struct {
	requests       *prometheus.CounterVec
	episodes       *prometheus.CounterVec
	episodeLatency prometheus.Histogram
	conduitCalls   *prometheus.CounterVec
	conduitLatency *prometheus.HistogramVec
	repliesDropped prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phabr_requests_total",
			Help: "コーディネーターへの要求数（cache: キャッシュ応答, queued: 実行中に待機, started: 新規実行）",
		}, []string{"source"}),
		episodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phabr_episodes_total",
			Help: "結果ステータス別のパイプライン実行回数",
		}, []string{"status"}),
		episodeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "phabr_episode_duration_seconds",
			Help:    "パイプライン1回の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		conduitCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phabr_conduit_calls_total",
			Help: "メソッドと結果別のConduit呼び出し数",
		}, []string{"method", "result"}),
		conduitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phabr_conduit_latency_seconds",
			Help:    "Conduit呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		repliesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phabr_replies_dropped_total",
			Help: "届け先が存在しなかった応答の数",
		}),
	}

	reg.MustRegister(
		c.requests,
		c.episodes,
		c.episodeLatency,
		c.conduitCalls,
		c.conduitLatency,
		c.repliesDropped,
	)

	return c
}

// RecordRequest は要求の処理経路を記録する。
func (c *Collector) RecordRequest(source string) {
	c.requests.WithLabelValues(source).Inc()
}

// RecordEpisode はパイプライン1回分の結果と所要時間を記録する。
func (c *Collector) RecordEpisode(status string, duration time.Duration) {
	c.episodes.WithLabelValues(status).Inc()
	c.episodeLatency.Observe(duration.Seconds())
}

// RecordConduitCall はConduit呼び出し1回分を記録する。
func (c *Collector) RecordConduitCall(method, result string, duration time.Duration) {
	c.conduitCalls.WithLabelValues(method, result).Inc()
	c.conduitLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordReplyDropped は届け先の無い応答を記録する。
func (c *Collector) RecordReplyDropped() {
	c.repliesDropped.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
