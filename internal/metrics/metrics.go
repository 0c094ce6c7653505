package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	campaignSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_campaign_sends_total",
			Help: "Campaign send attempts by final status",
		},
		[]string{"status", "channel"},
	)

	quotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_quota_rejections_total",
			Help: "Sends rejected because the monthly quota could not cover the audience",
		},
		[]string{"tenant_id", "channel"},
	)

	dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatches_total",
			Help: "Provider dispatch attempts by outcome",
		},
		[]string{"channel", "outcome"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_dispatch_duration_seconds",
			Help:    "Provider dispatch call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 15},
		},
		[]string{"channel"},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_webhook_events_total",
			Help: "Webhook status reports by provider and outcome (applied, duplicate, stale, unknown_id)",
		},
		[]string{"provider", "outcome"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"tenant_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCampaignSend records a completed send attempt.
func RecordCampaignSend(status, channel string) {
	campaignSends.WithLabelValues(status, channel).Inc()
}

// RecordQuotaRejection records an all-or-nothing quota rejection.
func RecordQuotaRejection(tenantID, channel string) {
	quotaRejections.WithLabelValues(tenantID, channel).Inc()
}

// RecordDispatch records one provider dispatch outcome.
func RecordDispatch(channel, outcome string) {
	dispatches.WithLabelValues(channel, outcome).Inc()
}

// ObserveDispatchDuration records the latency of one provider call.
func ObserveDispatchDuration(channel string, d time.Duration) {
	dispatchDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// RecordWebhookEvent records the outcome of one normalized status report.
func RecordWebhookEvent(provider, outcome string) {
	webhookEvents.WithLabelValues(provider, outcome).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
