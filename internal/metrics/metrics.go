// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 端末登録の結果ラベル
const (
	OutcomeGranted  = "granted"
	OutcomeReused   = "reused"
	OutcomeEvicted  = "evicted"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// 追い出し理由ラベル
const (
	EvictionSteal     = "steal"
	EvictionReconcile = "reconcile"
	EvictionManual    = "manual"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層やワーカーから利用する。
type MetricsCollector interface {
	RecordEntitlementSource(source string)
	RecordRegistration(outcome string)
	RecordRegisterLatency(duration time.Duration)
	RecordEviction(reason string, count int)
	RecordHeartbeat(updated bool)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	entitlementSource *prometheus.CounterVec
	registrations     *prometheus.CounterVec
	registerLatency   prometheus.Histogram
	evictions         *prometheus.CounterVec
	heartbeats        *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		entitlementSource: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicegate_entitlement_resolutions_total",
			Help: "端末数上限の解決元別の解決回数",
		}, []string{"source"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicegate_registrations_total",
			Help: "端末登録の結果別の回数",
		}, []string{"outcome"}),
		registerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "devicegate_register_latency_seconds",
			Help:    "端末登録のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicegate_evictions_total",
			Help: "理由別の追い出されたセッション数",
		}, []string{"reason"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicegate_heartbeats_total",
			Help: "ハートビートの結果別の回数（updated / skipped）",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicegate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.entitlementSource,
		c.registrations,
		c.registerLatency,
		c.evictions,
		c.heartbeats,
		c.httpStatus,
	)

	return c
}

// RecordEntitlementSource は上限の解決元を記録する。
func (c *Collector) RecordEntitlementSource(source string) {
	c.entitlementSource.WithLabelValues(source).Inc()
}

// RecordRegistration は端末登録の結果を記録する。
func (c *Collector) RecordRegistration(outcome string) {
	c.registrations.WithLabelValues(outcome).Inc()
}

// RecordRegisterLatency は端末登録のレイテンシを記録する。
func (c *Collector) RecordRegisterLatency(duration time.Duration) {
	c.registerLatency.Observe(duration.Seconds())
}

// RecordEviction は追い出されたセッション数を記録する。
func (c *Collector) RecordEviction(reason string, count int) {
	if count <= 0 {
		return
	}
	c.evictions.WithLabelValues(reason).Add(float64(count))
}

// RecordHeartbeat はハートビートの結果を記録する。
func (c *Collector) RecordHeartbeat(updated bool) {
	result := "skipped"
	if updated {
		result = "updated"
	}
	c.heartbeats.WithLabelValues(result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// NopCollector は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type NopCollector struct{}

func (NopCollector) RecordEntitlementSource(string)      {}
func (NopCollector) RecordRegistration(string)           {}
func (NopCollector) RecordRegisterLatency(time.Duration) {}
func (NopCollector) RecordEviction(string, int)          {}
func (NopCollector) RecordHeartbeat(bool)                {}
func (NopCollector) RecordHTTPStatus(int)                {}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = NopCollector{}
