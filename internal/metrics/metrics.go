// Package metrics exposes Prometheus collectors for the HTTP surface and the
// document fetch path. Run and transition metrics come from the progress
// Prometheus sink.
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
	documentBytesTotal         *prometheus.CounterVec
	documentFetchesTotal       *prometheus.CounterVec
	sessionRefreshesTotal      *prometheus.CounterVec
	paceDelaySeconds           prometheus.Histogram

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casecrawler_http_requests_total",
				Help: "API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "casecrawler_http_request_duration_seconds",
				Help:    "API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		documentBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casecrawler_document_bytes_total",
				Help: "Bytes of documents stored, labeled by site.",
			},
			[]string{"site"},
		)

		documentFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casecrawler_document_fetches_total",
				Help: "Resolver results, labeled by site and outcome or error code.",
			},
			[]string{"site", "result"},
		)

		sessionRefreshesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casecrawler_session_refreshes_total",
				Help: "Security token refreshes, labeled by result.",
			},
			[]string{"result"},
		)

		paceDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "casecrawler_pace_delay_seconds",
				Help:    "Time fetches waited on the download rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from rawURL, or "unknown".
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
	return promhttp.Handler()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveDocument records a resolver result for the document at rawURL.
// Stored bytes are counted when size is positive.
func ObserveDocument(rawURL, result string, size int64) {
	Init()
	site := SanitizeSite(rawURL)
	documentFetchesTotal.WithLabelValues(site, result).Inc()
	if size > 0 {
		documentBytesTotal.WithLabelValues(site).Add(float64(size))
	}
}

// ObserveSessionRefresh records a security token refresh.
func ObserveSessionRefresh(result string) {
	Init()
	sessionRefreshesTotal.WithLabelValues(result).Inc()
}

// ObservePaceDelay records a wait on the download rate limiter.
func ObservePaceDelay(d time.Duration) {
	Init()
	paceDelaySeconds.Observe(d.Seconds())
}
