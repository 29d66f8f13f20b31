package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientsync_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clientsync_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	webhookBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientsync_webhook_batches_total",
		Help: "Webhook batches by result (accepted, rejected, retry)",
	}, []string{"result"})

	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientsync_webhook_events_total",
		Help: "Webhook events by subscription type and outcome",
	}, []string{"subscription_type", "outcome"})

	mergeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clientsync_merge_duration_seconds",
		Help:    "Duration of contact merge reconciliations",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	associationsRepointed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientsync_associations_repointed_total",
		Help: "Association rows moved to a surviving contact",
	}, []string{"kind"})

	enrichmentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientsync_enrichment_failures_total",
		Help: "Contact enrichment lookups that failed and were skipped",
	}, []string{"stage"})

	tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientsync_token_refreshes_total",
		Help: "OAuth token refresh attempts by result",
	}, []string{"result"})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func ObserveWebhookBatch(result string) {
	webhookBatches.WithLabelValues(result).Inc()
}

// ObserveWebhookEvent counts one dispatched event. Unknown subscription types are
// folded into "other" to keep label cardinality bounded.
func ObserveWebhookEvent(subscriptionType, outcome string) {
	if subscriptionType == "" {
		subscriptionType = "other"
	}
	webhookEvents.WithLabelValues(subscriptionType, outcome).Inc()
}

func ObserveMerge(outcome string, duration time.Duration) {
	mergeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func ObserveRepointed(counts map[string]int64) {
	for kind, n := range counts {
		if n > 0 {
			associationsRepointed.WithLabelValues(kind).Add(float64(n))
		}
	}
}

func ObserveEnrichmentFailure(stage string) {
	enrichmentFailures.WithLabelValues(stage).Inc()
}

func ObserveTokenRefresh(result string) {
	tokenRefreshes.WithLabelValues(result).Inc()
}
