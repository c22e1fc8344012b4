// ABOUTME: Prometheus instrumentation for the bridge
// ABOUTME: Session gauge plus counters for routed frames, relays, drops, mirror failures

package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge's prometheus collectors.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	FramesRouted   *prometheus.CounterVec
	FramesRelayed  prometheus.Counter
	SendDrops      prometheus.Counter
	RateLimited    prometheus.Counter
	MirrorFailures prometheus.Counter
	IdleEvictions  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers the bridge collectors on a private
// registry, so tests can build as many bridges as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_active_sessions",
			Help: "Number of authenticated live sessions.",
		}),
		FramesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_frames_routed_total",
			Help: "Recognized frames dispatched to handlers, by type.",
		}, []string{"type"}),
		FramesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_frames_relayed_total",
			Help: "Unrecognized frames relayed verbatim to peers.",
		}),
		SendDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_send_drops_total",
			Help: "Frames dropped because a session's send queue was full or closed.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_rate_limited_total",
			Help: "Connections closed for exceeding the frame rate limit.",
		}),
		MirrorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_mirror_failures_total",
			Help: "Failed or dropped durable-mirror writes.",
		}),
		IdleEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_idle_evictions_total",
			Help: "Sessions closed by the idle reaper.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.ActiveSessions,
		m.FramesRouted,
		m.FramesRelayed,
		m.SendDrops,
		m.RateLimited,
		m.MirrorFailures,
		m.IdleEvictions,
	)
	return m
}

// Registry exposes the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
