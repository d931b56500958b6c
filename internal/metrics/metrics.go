// Package metrics exposes Prometheus collectors for the scraper service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_runs_total",
			Help: "Runs reaching a status, labeled by kind and status.",
		},
		[]string{"kind", "status"},
	)

	pagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_pages_total",
			Help: "Listing pages orchestrated, labeled by status.",
		},
		[]string{"status"},
	)

	mediaTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_media_total",
			Help: "Media orchestrations settled, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	sourceChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_source_checks_total",
			Help: "Source liveness checks, labeled by verdict (alive, dead, indeterminate).",
		},
		[]string{"verdict"},
	)

	cleanupDeletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_cleanup_deletions_total",
			Help: "Rows removed by cleanup, labeled by entity (source, media).",
		},
		[]string{"entity"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_fetch_bytes_total",
			Help: "Bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_active_workers",
			Help: "Number of workers currently executing a run step.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"site"},
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
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite extracts the hostname from a URL.
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

// ExternalSite labels fetches to hosts outside the tracked set.
const ExternalSite = "external"

var (
	trackedMu    sync.RWMutex
	trackedSites = map[string]struct{}{}
)

// SetTrackedSites replaces the hosts that get their own site label. Anything
// else is counted under ExternalSite.
func SetTrackedSites(rawURLs ...string) {
	sites := make(map[string]struct{}, len(rawURLs))
	for _, raw := range rawURLs {
		if raw == "" {
			continue
		}
		sites[SanitizeSite(raw)] = struct{}{}
	}
	trackedMu.Lock()
	trackedSites = sites
	trackedMu.Unlock()
}

// SiteLabel maps a URL or host to its bounded label.
func SiteLabel(rawURL string) string {
	site := SanitizeSite(rawURL)
	trackedMu.RLock()
	_, ok := trackedSites[site]
	trackedMu.RUnlock()
	if ok {
		return site
	}
	return ExternalSite
}

// ObserveRun records a run reaching a status.
func ObserveRun(kind, status string) {
	runsTotal.WithLabelValues(kind, status).Inc()
}

// ObservePage records a settled page orchestration.
func ObservePage(status string) {
	pagesTotal.WithLabelValues(status).Inc()
}

// ObserveMedia records a settled media orchestration.
func ObserveMedia(outcome string) {
	mediaTotal.WithLabelValues(outcome).Inc()
}

// ObserveSourceCheck records a liveness verdict.
func ObserveSourceCheck(verdict string) {
	sourceChecksTotal.WithLabelValues(verdict).Inc()
}

// ObserveCleanupDeletion records a row removed by cleanup.
func ObserveCleanupDeletion(entity string) {
	cleanupDeletionsTotal.WithLabelValues(entity).Inc()
}

// ObserveFetch records bytes fetched from a site.
func ObserveFetch(rawURL string, bytesFetched int) {
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SiteLabel(rawURL)).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(SiteLabel(site)).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
