// ABOUTME: Periodic reachability probes of downstream tool services
// ABOUTME: Probes run concurrently with a per-probe bound; snapshots broadcast every tick

package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Snapshot is one tick's view of downstream health. It is recreated wholesale
// every tick and broadcast, never patched.
type Snapshot struct {
	Services     map[string]bool `json:"services"`
	SessionCount int             `json:"session_count"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ProbeFunc checks one endpoint and returns nil when it is reachable.
type ProbeFunc func(ctx context.Context, url string) error

// Supervisor probes configured downstream services on a fixed interval and
// hands the resulting snapshot to notify. A single probe failure marks that
// one service unreachable and never aborts the tick.
type Supervisor struct {
	services     map[string]string
	interval     time.Duration
	probeTimeout time.Duration
	probe        ProbeFunc
	sessionCount func() int
	notify       func(Snapshot)
	logger       *slog.Logger
}

// Options configures a Supervisor.
type Options struct {
	// Services maps downstream service name to probe URL.
	Services map[string]string
	// Interval between ticks.
	Interval time.Duration
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
	// SessionCount reports the current number of live sessions.
	SessionCount func() int
	// Notify receives the snapshot each tick (broadcast to clients).
	Notify func(Snapshot)
	// Probe overrides the default HTTP reachability check. Tests use this.
	Probe  ProbeFunc
	Logger *slog.Logger
}

// NewSupervisor builds a supervisor from options, filling in the HTTP probe
// and default logger where unset.
func NewSupervisor(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	probe := opts.Probe
	if probe == nil {
		probe = httpProbe(opts.ProbeTimeout)
	}
	sessionCount := opts.SessionCount
	if sessionCount == nil {
		sessionCount = func() int { return 0 }
	}
	notify := opts.Notify
	if notify == nil {
		notify = func(Snapshot) {}
	}

	return &Supervisor{
		services:     opts.Services,
		interval:     opts.Interval,
		probeTimeout: opts.ProbeTimeout,
		probe:        probe,
		sessionCount: sessionCount,
		notify:       notify,
		logger:       logger.With("component", "health"),
	}
}

// Run ticks until ctx is cancelled. Every snapshot is broadcast
// unconditionally, even when nothing changed, so late-joining or partitioned
// clients resynchronize on the next tick.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.notify(s.Check(ctx))
		case <-ctx.Done():
			return
		}
	}
}

// Check probes every configured service concurrently and assembles a
// snapshot. Used by Run each tick and by the router for synchronous
// health-check replies that must not wait for the next tick.
func (s *Supervisor) Check(ctx context.Context) Snapshot {
	snap := Snapshot{
		Services:     make(map[string]bool, len(s.services)),
		SessionCount: s.sessionCount(),
		Timestamp:    time.Now(),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, url := range s.services {
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
			defer cancel()

			err := s.probe(probeCtx, url)
			if err != nil {
				s.logger.Debug("downstream unreachable", "service", name, "url", url, "error", err)
			}

			mu.Lock()
			snap.Services[name] = err == nil
			mu.Unlock()
		}(name, url)
	}
	wg.Wait()

	return snap
}

// httpProbe returns the default reachability check: an HTTP GET that counts
// any response below 500 as reachable.
func httpProbe(timeout time.Duration) ProbeFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, url string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return &UnreachableError{URL: url, StatusCode: resp.StatusCode}
		}
		return nil
	}
}

// UnreachableError reports a downstream service answering with a server error.
type UnreachableError struct {
	URL        string
	StatusCode int
}

func (e *UnreachableError) Error() string {
	return "downstream returned " + http.StatusText(e.StatusCode) + ": " + e.URL
}
