// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期コントローラから利用する。
type MetricsCollector interface {
	RecordSyncSuccess(merged int)
	RecordSyncFailure()
	RecordSyncLatency(duration time.Duration)
	RecordSendSuccess(duration time.Duration)
	RecordSendFailure()
	RecordVoteCast(direction string)
	RecordVoteFailure()
	RecordPageLoaded(messages int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncSuccess    prometheus.Counter
	syncFail       prometheus.Counter
	syncLatency    prometheus.Histogram
	messagesMerged prometheus.Counter
	sendSuccess    prometheus.Counter
	sendFail       prometheus.Counter
	sendLatency    prometheus.Histogram
	votesCast      *prometheus.CounterVec
	voteFail       prometheus.Counter
	pagesLoaded    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicchat_sync_success_total",
			Help: "メッセージ同期成功の合計数",
		}),
		syncFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicchat_sync_fail_total",
			Help: "メッセージ同期失敗の合計数",
		}),
		syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "civicchat_sync_latency_seconds",
			Help:    "メッセージ同期のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		messagesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicchat_messages_merged_total",
			Help: "マージで取り込まれた新規メッセージの合計数",
		}),
		sendSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicchat_send_success_total",
			Help: "メッセージ送信成功の合計数",
		}),
		sendFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicchat_send_fail_total",
			Help: "メッセージ送信失敗の合計数",
		}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "civicchat_send_latency_seconds",
			Help:    "メッセージ送信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		votesCast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civicchat_votes_cast_total",
			Help: "確定した投票の合計数（方向別）",
		}, []string{"direction"}),
		voteFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicchat_vote_fail_total",
			Help: "投票失敗の合計数",
		}),
		pagesLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicchat_pages_loaded_total",
			Help: "読み込んだ過去メッセージページの合計数",
		}),
	}

	reg.MustRegister(
		c.syncSuccess,
		c.syncFail,
		c.syncLatency,
		c.messagesMerged,
		c.sendSuccess,
		c.sendFail,
		c.sendLatency,
		c.votesCast,
		c.voteFail,
		c.pagesLoaded,
	)

	return c
}

// RecordSyncSuccess は同期成功とマージされた新規メッセージ数を記録する。
func (c *Collector) RecordSyncSuccess(merged int) {
	c.syncSuccess.Inc()
	c.messagesMerged.Add(float64(merged))
}

// RecordSyncFailure は同期失敗を記録する。
func (c *Collector) RecordSyncFailure() {
	c.syncFail.Inc()
}

// RecordSyncLatency は同期のレイテンシを記録する。
func (c *Collector) RecordSyncLatency(duration time.Duration) {
	c.syncLatency.Observe(duration.Seconds())
}

// RecordSendSuccess は送信成功とそのレイテンシを記録する。
func (c *Collector) RecordSendSuccess(duration time.Duration) {
	c.sendSuccess.Inc()
	c.sendLatency.Observe(duration.Seconds())
}

// RecordSendFailure は送信失敗を記録する。
func (c *Collector) RecordSendFailure() {
	c.sendFail.Inc()
}

// RecordVoteCast は確定した投票を方向別に記録する。
func (c *Collector) RecordVoteCast(direction string) {
	c.votesCast.WithLabelValues(direction).Inc()
}

// RecordVoteFailure は投票失敗を記録する。
func (c *Collector) RecordVoteFailure() {
	c.voteFail.Inc()
}

// RecordPageLoaded は過去ページの読み込みを記録する。
func (c *Collector) RecordPageLoaded(messages int) {
	c.pagesLoaded.Inc()
}

// Noop は何も記録しないMetricsCollector実装。テスト用。
type Noop struct{}

func (Noop) RecordSyncSuccess(merged int)              {}
func (Noop) RecordSyncFailure()                        {}
func (Noop) RecordSyncLatency(duration time.Duration)  {}
func (Noop) RecordSendSuccess(duration time.Duration)  {}
func (Noop) RecordSendFailure()                        {}
func (Noop) RecordVoteCast(direction string)           {}
func (Noop) RecordVoteFailure()                        {}
func (Noop) RecordPageLoaded(messages int)             {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
