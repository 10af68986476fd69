/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// MetricsSnapshot is an immutable view of the aggregate decision counters.
type MetricsSnapshot struct {
	TotalRequests     int64
	AllowedRequests   int64
	BlockedRequests   int64
	ThrottledRequests int64
	BurstUsage        int64

	AdaptiveMultiplier float64
	TrackedClients     int

	PerTier map[string]TierMetricsSnapshot
}

// TierMetricsSnapshot is a per-tier slice of MetricsSnapshot.
type TierMetricsSnapshot struct {
	TotalRequests     int64
	AllowedRequests   int64
	BlockedRequests   int64
	ThrottledRequests int64
	BurstUsage        int64
}

type decisionCounters struct {
	total     atomic.Int64
	allowed   atomic.Int64
	blocked   atomic.Int64
	throttled atomic.Int64
	burstUsed atomic.Int64
}

func (c *decisionCounters) observe(allowed bool, reason DenyReason, usedBurst bool) {
	c.total.Inc()
	switch {
	case allowed:
		c.allowed.Inc()
	case reason.IsCapacity():
		c.blocked.Inc()
	default:
		c.throttled.Inc()
	}
	if usedBurst {
		c.burstUsed.Inc()
	}
}

// metricsRecorder keeps aggregate and per-tier decision counters.
// The per-tier map is fixed at construction time (one entry per catalog
// tier), so the hot path does atomic increments only and takes no lock.
type metricsRecorder struct {
	aggregate decisionCounters
	perTier   map[string]*decisionCounters
}

func newMetricsRecorder(tiers []string) *metricsRecorder {
	perTier := make(map[string]*decisionCounters, len(tiers))
	for _, tier := range tiers {
		perTier[tier] = &decisionCounters{}
	}
	return &metricsRecorder{perTier: perTier}
}

func (r *metricsRecorder) observe(tier string, allowed bool, reason DenyReason, usedBurst bool) {
	r.aggregate.observe(allowed, reason, usedBurst)
	if c, ok := r.perTier[tier]; ok {
		c.observe(allowed, reason, usedBurst)
	}
}

func (r *metricsRecorder) snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		TotalRequests:     r.aggregate.total.Load(),
		AllowedRequests:   r.aggregate.allowed.Load(),
		BlockedRequests:   r.aggregate.blocked.Load(),
		ThrottledRequests: r.aggregate.throttled.Load(),
		BurstUsage:        r.aggregate.burstUsed.Load(),
		PerTier:           make(map[string]TierMetricsSnapshot, len(r.perTier)),
	}
	for tier, c := range r.perTier {
		snapshot.PerTier[tier] = TierMetricsSnapshot{
			TotalRequests:     c.total.Load(),
			AllowedRequests:   c.allowed.Load(),
			BlockedRequests:   c.blocked.Load(),
			ThrottledRequests: c.throttled.Load(),
			BurstUsage:        c.burstUsed.Load(),
		}
	}
	return snapshot
}

// Prometheus label names and values for admission metrics.
const (
	metricsLabelTier   = "tier"
	metricsLabelReason = "reason"
	metricsLabelStatus = "status"
)

const (
	metricsValAllowed   = "allowed"
	metricsValBlocked   = "blocked"
	metricsValThrottled = "throttled"
)

// MetricsCollector represents collector of metrics for admission decisions.
type MetricsCollector struct {
	Decisions          *prometheus.CounterVec
	Rejects            *prometheus.CounterVec
	BurstUsed          *prometheus.CounterVec
	AdaptiveMultiplier prometheus.Gauge
	TrackedClients     prometheus.Gauge
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_decisions_total",
		Help:      "Number of admission decisions.",
	}, []string{metricsLabelTier, metricsLabelStatus})

	rejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_rejects_total",
		Help:      "Number of denied requests by deny reason.",
	}, []string{metricsLabelTier, metricsLabelReason})

	burstUsed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_burst_used_total",
		Help:      "Number of requests admitted by spending a burst token.",
	}, []string{metricsLabelTier})

	adaptiveMultiplier := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admission_adaptive_multiplier",
		Help:      "Current process-wide multiplier applied to per-minute limits.",
	})

	trackedClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admission_tracked_clients",
		Help:      "Number of clients with materialized admission state.",
	})

	return &MetricsCollector{
		Decisions:          decisions,
		Rejects:            rejects,
		BurstUsed:          burstUsed,
		AdaptiveMultiplier: adaptiveMultiplier,
		TrackedClients:     trackedClients,
	}
}

// MustCurryWith curries the counter vectors of the collector with the provided labels.
func (mc *MetricsCollector) MustCurryWith(labels prometheus.Labels) *MetricsCollector {
	return &MetricsCollector{
		Decisions:          mc.Decisions.MustCurryWith(labels),
		Rejects:            mc.Rejects.MustCurryWith(labels),
		BurstUsed:          mc.BurstUsed.MustCurryWith(labels),
		AdaptiveMultiplier: mc.AdaptiveMultiplier,
		TrackedClients:     mc.TrackedClients,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(
		mc.Decisions,
		mc.Rejects,
		mc.BurstUsed,
		mc.AdaptiveMultiplier,
		mc.TrackedClients,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	prometheus.Unregister(mc.Decisions)
	prometheus.Unregister(mc.Rejects)
	prometheus.Unregister(mc.BurstUsed)
	prometheus.Unregister(mc.AdaptiveMultiplier)
	prometheus.Unregister(mc.TrackedClients)
}

func (mc *MetricsCollector) observeDecision(tier string, d Decision) {
	status := metricsValAllowed
	if !d.Allowed {
		status = metricsValThrottled
		if d.Reason.IsCapacity() {
			status = metricsValBlocked
		}
		mc.Rejects.With(prometheus.Labels{metricsLabelTier: tier, metricsLabelReason: string(d.Reason)}).Inc()
	}
	mc.Decisions.With(prometheus.Labels{metricsLabelTier: tier, metricsLabelStatus: status}).Inc()
	if d.UsedBurst {
		mc.BurstUsed.With(prometheus.Labels{metricsLabelTier: tier}).Inc()
	}
}
