package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 爬虫请求相关指标
var (
	// CrawlerRequestsTotal 按请求类型（plain / render）与结果统计请求数。
	CrawlerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promohunter_crawler_requests_total",
		Help: "Total number of fetch attempts by kind and status.",
	}, []string{"kind", "status"})

	CrawlerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "promohunter_crawler_request_duration_seconds",
		Help:    "Duration of fetch attempts by kind.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
	}, []string{"kind"})

	CrawlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promohunter_crawler_errors_total",
		Help: "Fetch errors by kind and error type.",
	}, []string{"kind", "error_type"})

	CrawlerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promohunter_crawler_retries_total",
		Help: "Identity-rotated retries by outcome (scheduled / exhausted).",
	}, []string{"outcome"})

	CrawlerInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "promohunter_crawler_in_flight",
		Help: "Requests currently being fetched.",
	})

	CrawlerPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "promohunter_crawler_pending",
		Help: "Requests waiting for a concurrency slot.",
	})

	CrawlerDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promohunter_crawler_duplicates_total",
		Help: "Requests dropped by the URL dedup filter.",
	})

	CrawlerBrowserActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "promohunter_crawler_browser_active_pages",
		Help: "Browser pages currently open.",
	})
)

// 限流指标
var (
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "promohunter_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a per-origin rate limit token.",
		Buckets: prometheus.DefBuckets,
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promohunter_ratelimit_timeout_total",
		Help: "Rate limit waits aborted by context.",
	})
)

// Pipeline 指标
var (
	// PipelineRecordsTotal 按阶段与结果统计记录数（written / dropped / published / ...）。
	PipelineRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promohunter_pipeline_records_total",
		Help: "Records processed by pipeline stage and outcome.",
	}, []string{"stage", "outcome"})

	GeocodeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promohunter_geocode_requests_total",
		Help: "Geocoding lookups by result (match / no_match / error / cache_hit / skipped).",
	}, []string{"result"})

	GeocodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "promohunter_geocode_duration_seconds",
		Help:    "Duration of geocoding lookups against the remote service.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
	})
)
