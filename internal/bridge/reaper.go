// ABOUTME: Periodic sweep closing sessions past the inactivity threshold
// ABOUTME: The only component allowed to terminate a session the client did not close

package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/peer-bridge/internal/registry"
)

// Reaper closes sessions whose last inbound frame is older than the idle
// threshold. Any frame, including a health-check request, counts as activity
// and survives the following sweep.
type Reaper struct {
	registry  *registry.Registry
	interval  time.Duration
	threshold time.Duration
	metrics   *Metrics
	logger    *slog.Logger
}

// NewReaper creates an idle reaper over the given registry.
func NewReaper(reg *registry.Registry, interval, threshold time.Duration, metrics *Metrics, logger *slog.Logger) *Reaper {
	return &Reaper{
		registry:  reg,
		interval:  interval,
		threshold: threshold,
		metrics:   metrics,
		logger:    logger.With("component", "reaper"),
	}
}

// Run sweeps on the fixed interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// Sweep closes every session idle beyond the threshold at the given instant.
// The close frame carries the idle-timeout reason; normal teardown then
// removes the session from the registry.
func (r *Reaper) Sweep(now time.Time) {
	for _, id := range r.registry.IdleSessionIDs(r.threshold, now) {
		s, ok := r.registry.Get(id)
		if !ok {
			// Disconnected between query and close; removal already raced us.
			continue
		}

		r.logger.Info("evicting idle session",
			"session_id", s.ID,
			"client_class", s.ClientClass,
			"last_activity", s.LastActivity(),
		)
		r.metrics.IdleEvictions.Inc()
		s.Close(websocket.CloseNormalClosure, "idle timeout")
	}
}
