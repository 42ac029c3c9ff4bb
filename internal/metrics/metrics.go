package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the control plane's collectors. Build one per process with New.
type Metrics struct {
	// WebhookRequestsTotal counts billing notifications by event type and HTTP status.
	WebhookRequestsTotal *prometheus.CounterVec
	// WebhookDuration tracks billing notification handling latency.
	WebhookDuration *prometheus.HistogramVec
	// LinkageTotal counts record linkage outcomes by event type and path.
	LinkageTotal *prometheus.CounterVec
	// MirrorSyncFailuresTotal counts failed identity metadata writes by operation.
	MirrorSyncFailuresTotal *prometheus.CounterVec
	// AuthDeniedTotal counts admin requests rejected by authorization stage.
	AuthDeniedTotal *prometheus.CounterVec
	// BulkTargetsTotal counts bulk mutation targets by action and outcome.
	BulkTargetsTotal *prometheus.CounterVec
	// MirrorDriftTotal counts divergent mirrors found by the reconciliation sweep.
	MirrorDriftTotal *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WebhookRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "billing",
			Name:      "webhook_requests_total",
			Help:      "Total billing notifications by event type and HTTP status.",
		}, []string{"event_type", "status"}),
		WebhookDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "controlplane",
			Subsystem: "billing",
			Name:      "webhook_duration_seconds",
			Help:      "Billing notification processing duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		LinkageTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "billing",
			Name:      "linkage_total",
			Help:      "Billing events by record linkage path.",
		}, []string{"event_type", "path"}),
		MirrorSyncFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "identity",
			Name:      "mirror_sync_failures_total",
			Help:      "Failed identity provider mirror writes by operation.",
		}, []string{"operation"}),
		AuthDeniedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "admin",
			Name:      "auth_denied_total",
			Help:      "Admin requests rejected by authorization stage.",
		}, []string{"stage"}),
		BulkTargetsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "admin",
			Name:      "bulk_targets_total",
			Help:      "Bulk mutation targets by action and outcome.",
		}, []string{"action", "outcome"}),
		MirrorDriftTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "identity",
			Name:      "mirror_drift_total",
			Help:      "Records whose mirrored role diverged from the canonical tier, by outcome.",
		}, []string{"outcome"}),
	}
}

// NewNop returns collectors registered on a private registry, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
