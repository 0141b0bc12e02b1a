// Package metrics exposes Prometheus collectors for the ad crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	crawlQueueDepth            prometheus.Gauge
	crawlQueueActive           prometheus.Gauge
	notificationsDroppedTotal  *prometheus.CounterVec
	dimensionCacheTotal        *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "adcrawler_queue_depth",
				Help: "Number of crawl jobs waiting behind the active one.",
			},
		)

		crawlQueueActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "adcrawler_queue_active",
				Help: "1 while a crawl job holds the browser session.",
			},
		)

		notificationsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adcrawler_notifications_dropped_total",
				Help: "Best-effort notifications that failed to deliver, labeled by kind.",
			},
			[]string{"kind"},
		)

		dimensionCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adcrawler_dimension_cache_total",
				Help: "Advertiser list lookups, labeled by hit or miss.",
			},
			[]string{"result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adcrawler_rate_limit_delays_seconds",
				Help:    "Histogram of navigation pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetQueueState publishes the queue depth and whether a job is active.
func SetQueueState(pending int, active bool) {
	Init()
	crawlQueueDepth.Set(float64(pending))
	if active {
		crawlQueueActive.Set(1)
	} else {
		crawlQueueActive.Set(0)
	}
}

// ObserveDroppedNotification counts a notification that could not be delivered.
func ObserveDroppedNotification(kind string) {
	Init()
	notificationsDroppedTotal.WithLabelValues(kind).Inc()
}

// ObserveDimensionCache records a cache lookup result.
func ObserveDimensionCache(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	dimensionCacheTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
