// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 画像プロキシの結果ラベル。
const (
	ProxyResultOK       = "ok"
	ProxyResultBadReq   = "bad_request"
	ProxyResultNotFound = "not_found"
	ProxyResultTooLarge = "too_large"
)

// Collector はPrometheusメトリクスを収集する実装。
// api.Recorder、notify.Recorder、session.Gaugeを満たす。
type Collector struct {
	apiRequests   *prometheus.CounterVec
	apiLatency    *prometheus.HistogramVec
	proxyRequests *prometheus.CounterVec
	toasts        *prometheus.CounterVec
	activeProfile prometheus.Gauge
	tokensCleaned prometheus.Counter
	blogsImported prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blogfront_api_requests_total",
			Help: "リモートAPI呼び出し数（操作・ステータスコード別、0は通信失敗）",
		}, []string{"operation", "status_code"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blogfront_api_request_duration_seconds",
			Help:    "リモートAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blogfront_proxy_requests_total",
			Help: "画像プロキシのリクエスト数（結果別）",
		}, []string{"result"}),
		toasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blogfront_toasts_total",
			Help: "表示したトーストの数（種類別）",
		}, []string{"kind"}),
		activeProfile: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blogfront_active_profiles",
			Help: "メモリ上に保持しているプロファイル数",
		}),
		tokensCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blogfront_tokens_cleaned_total",
			Help: "クリーンアップで削除した期限切れトークンの合計数",
		}),
		blogsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blogfront_blogs_imported_total",
			Help: "フィードから取り込んだ記事の合計数",
		}),
	}

	reg.MustRegister(
		c.apiRequests,
		c.apiLatency,
		c.proxyRequests,
		c.toasts,
		c.activeProfile,
		c.tokensCleaned,
		c.blogsImported,
	)

	return c
}

// RecordAPIRequest はリモートAPI呼び出しを記録する。
func (c *Collector) RecordAPIRequest(operation string, statusCode int, duration time.Duration) {
	c.apiRequests.WithLabelValues(operation, strconv.Itoa(statusCode)).Inc()
	c.apiLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordProxy は画像プロキシの結果を記録する。
func (c *Collector) RecordProxy(result string) {
	c.proxyRequests.WithLabelValues(result).Inc()
}

// RecordToast はトーストの追加を記録する。
func (c *Collector) RecordToast(kind string) {
	c.toasts.WithLabelValues(kind).Inc()
}

// SetActiveProfiles はプロファイル数を設定する。
func (c *Collector) SetActiveProfiles(n int) {
	c.activeProfile.Set(float64(n))
}

// RecordTokensCleaned は削除したトークン数を記録する。
func (c *Collector) RecordTokensCleaned(count int64) {
	c.tokensCleaned.Add(float64(count))
}

// RecordBlogsImported は取り込んだ記事数を記録する。
func (c *Collector) RecordBlogsImported(count int) {
	c.blogsImported.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
