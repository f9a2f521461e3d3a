// Package metrics exposes Prometheus collectors for postreader.
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
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	unitsEmittedTotal          *prometheus.CounterVec
	unitsRenderedTotal         *prometheus.CounterVec
	renderFailuresTotal        prometheus.Counter
	speechQueueDepth           prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// more than once, and every Observe helper calls it.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postreader_fetches_total",
				Help: "Fetch attempts, labeled by site and status code class.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postreader_fetch_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "postreader_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the politeness limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)

		unitsEmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postreader_units_emitted_total",
				Help: "Text units produced by the crawler, labeled by kind.",
			},
			[]string{"kind"},
		)

		unitsRenderedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postreader_units_rendered_total",
				Help: "Units delivered, labeled by mode (speech or text).",
			},
			[]string{"mode"},
		)

		renderFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "postreader_render_failures_total",
				Help: "Units whose rendering failed and were skipped.",
			},
		)

		speechQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "postreader_speech_queue_depth",
				Help: "Units waiting in the delivery queue.",
			},
		)

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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL or bare host. It
// returns "unknown" if nothing usable is found.
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

// StatusLabel groups a status code; zero means no response was received.
func StatusLabel(code int) string {
	if code <= 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(site string, statusCode int, bytesFetched int) {
	Init()
	fetchesTotal.WithLabelValues(site, StatusLabel(statusCode)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(site string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveUnitEmitted counts a unit handed from the crawler to delivery.
func ObserveUnitEmitted(kind string) {
	Init()
	unitsEmittedTotal.WithLabelValues(kind).Inc()
}

// ObserveUnitRendered counts a delivered unit.
func ObserveUnitRendered(mode string) {
	Init()
	unitsRenderedTotal.WithLabelValues(mode).Inc()
}

// ObserveRenderFailure counts a unit that could not be delivered.
func ObserveRenderFailure() {
	Init()
	renderFailuresTotal.Inc()
}

// SetQueueDepth reports the current delivery backlog.
func SetQueueDepth(n int) {
	Init()
	speechQueueDepth.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
