// ABOUTME: Bridge orchestrator wiring auth, registry, state, health and transport
// ABOUTME: Owns the HTTP server lifecycle and the background task goroutines

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/peer-bridge/internal/auth"
	"github.com/2389/peer-bridge/internal/config"
	"github.com/2389/peer-bridge/internal/health"
	"github.com/2389/peer-bridge/internal/ratelimit"
	"github.com/2389/peer-bridge/internal/registry"
	"github.com/2389/peer-bridge/internal/state"
)

// Version is reported to peers in the handshake response.
const Version = "0.4.0"

// Bridge coordinates the collaboration server: the websocket endpoint, the
// session registry, shared workflow state, downstream health supervision and
// the idle reaper.
type Bridge struct {
	config     *config.Config
	security   *auth.SecurityManager
	limiter    *ratelimit.Limiter
	registry   *registry.Registry
	store      *state.Store
	mirror     *state.Mirror
	supervisor *health.Supervisor
	reaper     *Reaper
	router     *Router
	metrics    *Metrics
	httpServer *http.Server
	logger     *slog.Logger
	version    string
}

// New wires a Bridge from config. The state mirror is optional: without a
// mirror path the bridge runs purely in memory.
func New(cfg *config.Config, logger *slog.Logger) (*Bridge, error) {
	metrics := NewMetrics()

	security, err := auth.NewSecurityManager(
		cfg.Auth.Credentials,
		[]byte(cfg.Auth.SigningKey),
		cfg.Auth.TokenTTL,
		logger.With("component", "auth"),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing security manager: %w", err)
	}

	var mirror *state.Mirror
	if cfg.Mirror.Path != "" {
		mirror, err = state.OpenMirror(cfg.Mirror.Path, cfg.Mirror.Expiry, func() {
			metrics.MirrorFailures.Inc()
		}, logger.With("component", "mirror"))
		if err != nil {
			return nil, fmt.Errorf("opening state mirror: %w", err)
		}
	}

	reg := registry.New(logger.With("component", "registry"))
	store := state.NewStore(mirror, logger.With("component", "state"))

	if mirror != nil {
		workflows, events, loadErr := mirror.Load()
		if loadErr != nil {
			// A corrupt mirror must not keep the bridge down; start empty.
			logger.Warn("mirror recovery failed, starting with empty state", "error", loadErr)
		} else if len(workflows) > 0 || len(events) > 0 {
			store.Restore(workflows, events)
			logger.Info("recovered state from mirror",
				"workflows", len(workflows),
				"events", len(events),
			)
		}
	}

	supervisor := health.NewSupervisor(health.Options{
		Services:     cfg.Downstream.Services,
		Interval:     cfg.Timeouts.HealthInterval,
		ProbeTimeout: cfg.Timeouts.ProbeTimeout,
		SessionCount: reg.Count,
		Notify: func(snap health.Snapshot) {
			reg.Broadcast(nil, marshalFrame(healthStatusFrame{
				envelope: newEnvelope(TypeHealthStatus),
				Snapshot: snap,
			}))
		},
		Logger: logger,
	})

	b := &Bridge{
		config:     cfg,
		security:   security,
		limiter:    ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.Window),
		registry:   reg,
		store:      store,
		mirror:     mirror,
		supervisor: supervisor,
		metrics:    metrics,
		logger:     logger.With("component", "bridge"),
		version:    Version,
	}
	b.router = newRouter(reg, store, supervisor, cfg.Downstream.Services, metrics, logger.With("component", "router"))
	b.reaper = NewReaper(reg, cfg.Timeouts.ReaperInterval, cfg.Timeouts.Idle, metrics, logger.With("component", "reaper"))
	b.httpServer = &http.Server{
		Handler:           b.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return b, nil
}

func (b *Bridge) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/health/ready", b.handleReady)
	if b.config.Metrics.Enabled {
		mux.Handle(b.config.Metrics.Path, promhttp.HandlerFor(b.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return mux
}

// Run starts the bridge and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", b.config.Server.Addr, err)
	}

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go b.supervisor.Run(bgCtx)
	go b.reaper.Run(bgCtx)
	if b.mirror != nil {
		go b.mirror.Run(bgCtx)
	}

	errCh := b.startServer(ln)
	serverErr := b.waitForShutdownSignal(ctx, errCh)

	cancel()
	shutdownErr := b.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServer serves HTTP (or HTTPS when cert and key are configured) in a
// goroutine, returning the error channel.
func (b *Bridge) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	tlsEnabled := b.config.Server.CertFile != ""
	go func() {
		b.logger.Info("bridge listening",
			"addr", ln.Addr().String(),
			"tls", tlsEnabled,
		)
		var err error
		if tlsEnabled {
			err = b.httpServer.ServeTLS(ln, b.config.Server.CertFile, b.config.Server.KeyFile)
		} else {
			err = b.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (b *Bridge) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		b.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (b *Bridge) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Shutdown(ctx)
}

// Shutdown closes every client session with a going-away frame, stops the
// HTTP server and flushes the mirror.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.logger.Info("shutting down bridge", "sessions", b.registry.Count())

	b.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")

	var errs []error
	if err := b.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if b.mirror != nil {
		if err := b.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mirror close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth reports liveness.
func (b *Bridge) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness: the bridge is ready once at least one peer
// is connected.
func (b *Bridge) handleReady(w http.ResponseWriter, _ *http.Request) {
	n := b.registry.Count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no peers connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d peers)", n)
}
