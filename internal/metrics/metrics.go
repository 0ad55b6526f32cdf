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
// GitHub APIクライアント、ディレクトリ、リゾルバから利用する。
type MetricsCollector interface {
	RecordTokenMint(outcome string)
	RecordGitHubAPIStatus(statusCode int)
	RecordJWTSignLatency(duration time.Duration)
	RecordResolverOutcome(outcome string)
	RecordDirectoryRead(result string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	tokenMint       *prometheus.CounterVec
	githubAPIStatus *prometheus.CounterVec
	jwtSignLatency  prometheus.Histogram
	resolverOutcome *prometheus.CounterVec
	directoryReads  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tokenMint: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitpress_token_mint_total",
			Help: "インストールトークン発行の結果別合計数",
		}, []string{"outcome"}),
		githubAPIStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitpress_github_api_status_total",
			Help: "GitHub APIのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		jwtSignLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gitpress_jwt_sign_latency_seconds",
			Help:    "App JWT署名のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		resolverOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitpress_resolver_outcome_total",
			Help: "リポジトリトークン解決の結果別合計数",
		}, []string{"outcome"}),
		directoryReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitpress_directory_reads_total",
			Help: "ディレクトリ読み取りの結果別合計数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.tokenMint,
		c.githubAPIStatus,
		c.jwtSignLatency,
		c.resolverOutcome,
		c.directoryReads,
	)

	return c
}

// RecordTokenMint はインストールトークン発行の結果を記録する。
// outcomeは"success"または"error"。
func (c *Collector) RecordTokenMint(outcome string) {
	c.tokenMint.WithLabelValues(outcome).Inc()
}

// RecordGitHubAPIStatus はGitHub APIのHTTPステータスコードを記録する。
func (c *Collector) RecordGitHubAPIStatus(statusCode int) {
	c.githubAPIStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordJWTSignLatency はApp JWT署名のレイテンシを記録する。
func (c *Collector) RecordJWTSignLatency(duration time.Duration) {
	c.jwtSignLatency.Observe(duration.Seconds())
}

// RecordResolverOutcome はトークン解決の結果を記録する。
// outcomeは"match"、"no_match"、"skip"のいずれか。
func (c *Collector) RecordResolverOutcome(outcome string) {
	c.resolverOutcome.WithLabelValues(outcome).Inc()
}

// RecordDirectoryRead はディレクトリ読み取りの結果を記録する。
// resultは"hit"、"miss"、"expired"、"corrupt"のいずれか。
func (c *Collector) RecordDirectoryRead(result string) {
	c.directoryReads.WithLabelValues(result).Inc()
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
