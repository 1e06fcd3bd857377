// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ルーム種別のラベル値。
const (
	RoomQueue = "queue"
	RoomList  = "list"
)

// MetricsCollector はメトリクス収集のインターフェース。
// リアルタイムのルーム、HTTPミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	SessionOpened(room string)
	SessionClosed(room string)
	RecordAction(action, result string)
	RecordBroadcast(message string)
	RecordUnfrozen(count int)
	RecordEvent(kind string)
	RecordHTTPStatus(statusCode int)
	RecordHTTPLatency(duration time.Duration)
	RecordCleanup(target string, count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessions    *prometheus.GaugeVec
	actions     *prometheus.CounterVec
	broadcasts  *prometheus.CounterVec
	unfrozen    prometheus.Counter
	events      *prometheus.CounterVec
	httpStatus  *prometheus.CounterVec
	httpLatency prometheus.Histogram
	cleanup     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ohq_ws_sessions",
			Help: "接続中のWebSocketセッション数",
		}, []string{"room"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohq_ws_actions_total",
			Help: "WebSocketで受信したアクション数",
		}, []string{"action", "result"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohq_broadcasts_total",
			Help: "ルームから配信したメッセージ数",
		}, []string{"message"}),
		unfrozen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohq_sweeper_unfrozen_total",
			Help: "凍結タイムアウトで待機中に戻したエントリの合計数",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohq_events_total",
			Help: "ルームへ配送した変更通知の数",
		}, []string{"kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohq_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ohq_http_latency_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cleanup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohq_cleanup_deleted_total",
			Help: "クリーンアップジョブで削除した行数",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.sessions,
		c.actions,
		c.broadcasts,
		c.unfrozen,
		c.events,
		c.httpStatus,
		c.httpLatency,
		c.cleanup,
	)

	return c
}

// SessionOpened は接続中セッション数を増やす。
func (c *Collector) SessionOpened(room string) {
	c.sessions.WithLabelValues(room).Inc()
}

// SessionClosed は接続中セッション数を減らす。
func (c *Collector) SessionClosed(room string) {
	c.sessions.WithLabelValues(room).Dec()
}

// RecordAction はアクションの処理結果（ok, error, rejected）を記録する。
func (c *Collector) RecordAction(action, result string) {
	c.actions.WithLabelValues(action, result).Inc()
}

// RecordBroadcast は配信したメッセージ種別を記録する。
func (c *Collector) RecordBroadcast(message string) {
	c.broadcasts.WithLabelValues(message).Inc()
}

// RecordUnfrozen は自動解除したエントリ数を記録する。
func (c *Collector) RecordUnfrozen(count int) {
	c.unfrozen.Add(float64(count))
}

// RecordEvent は配送した変更通知の種別を記録する。
func (c *Collector) RecordEvent(kind string) {
	c.events.WithLabelValues(kind).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordHTTPLatency はHTTPリクエストのレイテンシを記録する。
func (c *Collector) RecordHTTPLatency(duration time.Duration) {
	c.httpLatency.Observe(duration.Seconds())
}

// RecordCleanup はクリーンアップで削除した行数を記録する。
func (c *Collector) RecordCleanup(target string, count int64) {
	c.cleanup.WithLabelValues(target).Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
