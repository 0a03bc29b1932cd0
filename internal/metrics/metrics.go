// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、上流クライアント、ミドルウェアから利用する。
type MetricsCollector interface {
	RecordLogin(outcome string)
	RecordRoleFallback()
	RecordUpstreamCall(operation string, statusCode int, duration time.Duration)
	RecordUpload(outcome string)
	RecordDelete(outcome string)
	RecordOrphan(kind string)
	RecordHTTPStatus(statusCode int)
}

// 結果ラベル
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// 不整合の種類ラベル
const (
	// OrphanObject はメタデータ行を持たないストレージオブジェクト。
	OrphanObject = "object"
	// OrphanRow はストレージオブジェクトを持たない可能性のあるメタデータ行。
	OrphanRow = "row"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	roleFallbacks   prometheus.Counter
	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	uploads         *prometheus.CounterVec
	deletes         *prometheus.CounterVec
	orphans         *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photogate_logins_total",
			Help: "ログイン試行の結果別合計数",
		}, []string{"outcome"}),
		roleFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photogate_role_fallback_total",
			Help: "ロールを解決できずguestにフォールバックした回数",
		}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photogate_upstream_requests_total",
			Help: "上流API呼び出しの操作・ステータス別合計数",
		}, []string{"operation", "status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "photogate_upstream_latency_seconds",
			Help:    "上流API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photogate_uploads_total",
			Help: "写真アップロードの結果別合計数",
		}, []string{"outcome"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photogate_deletes_total",
			Help: "写真削除の結果別合計数",
		}, []string{"outcome"}),
		orphans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photogate_orphans_total",
			Help: "二段階書き込みの途中失敗で残った不整合の種類別合計数",
		}, []string{"kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photogate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.logins,
		c.roleFallbacks,
		c.upstreamCalls,
		c.upstreamLatency,
		c.uploads,
		c.deletes,
		c.orphans,
		c.httpStatus,
	)

	return c
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

// RecordRoleFallback はguestロールへのフォールバックを記録する。
func (c *Collector) RecordRoleFallback() {
	c.roleFallbacks.Inc()
}

// RecordUpstreamCall は上流API呼び出しを記録する。
// トランスポートエラーでステータスが得られない場合はstatusCodeに0を渡す。
func (c *Collector) RecordUpstreamCall(operation string, statusCode int, duration time.Duration) {
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	c.upstreamCalls.WithLabelValues(operation, status).Inc()
	c.upstreamLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordUpload はアップロード結果を記録する。
func (c *Collector) RecordUpload(outcome string) {
	c.uploads.WithLabelValues(outcome).Inc()
}

// RecordDelete は削除結果を記録する。
func (c *Collector) RecordDelete(outcome string) {
	c.deletes.WithLabelValues(outcome).Inc()
}

// RecordOrphan は不整合の発生を記録する。
func (c *Collector) RecordOrphan(kind string) {
	c.orphans.WithLabelValues(kind).Inc()
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

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordLogin(string)                            {}
func (Nop) RecordRoleFallback()                           {}
func (Nop) RecordUpstreamCall(string, int, time.Duration) {}
func (Nop) RecordUpload(string)                           {}
func (Nop) RecordDelete(string)                           {}
func (Nop) RecordOrphan(string)                           {}
func (Nop) RecordHTTPStatus(int)                          {}
