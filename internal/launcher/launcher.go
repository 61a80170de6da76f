// Package launcher starts and supervises the node set: it instantiates
// each configured node from the registry, injects the shared bus, starts
// the nodes in declared order, serves the metrics and health endpoints,
// and tears everything down again when the run context is cancelled.
//
// Signal handling belongs to the caller: main cancels the run context on
// SIGINT/SIGTERM and the launcher reacts. Nodes never install their own
// signal handlers.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/config"
	"github.com/nevil-robotics/nevil/internal/health"
	"github.com/nevil-robotics/nevil/internal/node"
)

const (
	// defaultShutdownTimeout bounds the clean-stop phase when the config
	// leaves system.shutdown_timeout unset.
	defaultShutdownTimeout = 10 * time.Second

	// defaultReadyTimeout bounds the per-node wait_for_healthy wait.
	defaultReadyTimeout = 10 * time.Second

	// readyPollInterval paces the wait_for_healthy status polls.
	readyPollInterval = 50 * time.Millisecond

	// httpStopTimeout bounds the metrics server drain during shutdown.
	httpStopTimeout = 2 * time.Second
)

// Descriptors resolves a node name to its declarative descriptor.
type Descriptors func(name string) (*config.NodeDescriptor, error)

// Launcher owns the node set for one process run.
type Launcher struct {
	cfg         *config.Root
	bus         *bus.Bus
	registry    *node.Registry
	descriptors Descriptors

	checkers     []health.Checker
	killPatterns []string

	nodes []node.Node // startup order

	mu       sync.Mutex
	httpAddr string
}

// Option is a functional option for New.
type Option func(*Launcher)

// WithHealthCheckers adds readiness checks to the /readyz endpoint, on top
// of the built-in node-status check.
func WithHealthCheckers(cs ...health.Checker) Option {
	return func(l *Launcher) { l.checkers = append(l.checkers, cs...) }
}

// WithKillPatterns names external helper processes (by pkill -f pattern)
// that are force-terminated if shutdown overruns its deadline. Audio
// players and mixer layers are the usual stragglers.
func WithKillPatterns(patterns ...string) Option {
	return func(l *Launcher) { l.killPatterns = append(l.killPatterns, patterns...) }
}

// New assembles a launcher. descriptors must resolve every name in
// launch.startup_order.
func New(cfg *config.Root, b *bus.Bus, registry *node.Registry, descriptors Descriptors, opts ...Option) *Launcher {
	l := &Launcher{
		cfg:         cfg,
		bus:         b,
		registry:    registry,
		descriptors: descriptors,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// HTTPAddr returns the bound metrics/health listener address, or "" when
// the listener is disabled or not yet up. With a ":0" config address this
// is how callers learn the picked port.
func (l *Launcher) HTTPAddr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.httpAddr
}

// Statuses snapshots each managed node's lifecycle state by name.
func (l *Launcher) Statuses() map[string]string {
	out := make(map[string]string, len(l.nodes))
	for _, n := range l.nodes {
		out[n.Name()] = n.Status().String()
	}
	return out
}

// Run starts the HTTP endpoints and every configured node, then blocks
// until ctx is cancelled and the shutdown sequence completes. A startup
// failure stops any already-running nodes and returns the error.
func (l *Launcher) Run(ctx context.Context) error {
	httpDone, err := l.serveHTTP(ctx)
	if err != nil {
		return err
	}

	if err := l.startNodes(ctx); err != nil {
		l.stopNodes()
		return err
	}
	slog.Info("all nodes started", "count", len(l.nodes))

	<-ctx.Done()
	slog.Info("shutdown requested")

	l.shutdown()
	if httpDone != nil {
		<-httpDone
	}
	return nil
}

// ── Startup ────────────────────────────────────────────────────────────────────

// startNodes creates, wires, and starts each node in launch.startup_order.
func (l *Launcher) startNodes(ctx context.Context) error {
	order := l.cfg.Launch.StartupOrder
	for _, name := range order {
		desc, err := l.descriptors(name)
		if err != nil {
			return fmt.Errorf("launcher: descriptor for %q: %w", name, err)
		}
		n, err := l.registry.Create(name, desc)
		if err != nil {
			return fmt.Errorf("launcher: create %q: %w", name, err)
		}
		if err := n.SetBus(l.bus); err != nil {
			return fmt.Errorf("launcher: wire %q: %w", name, err)
		}
		l.nodes = append(l.nodes, n)
	}

	if l.cfg.Launch.ParallelLaunch {
		g, gctx := errgroup.WithContext(ctx)
		for _, n := range l.nodes {
			g.Go(func() error {
				if err := n.Start(gctx); err != nil {
					return fmt.Errorf("launcher: start %q: %w", n.Name(), err)
				}
				return l.waitHealthy(gctx, n)
			})
		}
		return g.Wait()
	}

	for i, n := range l.nodes {
		if i > 0 && l.cfg.System.StartupDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.System.StartupDelay):
			}
		}
		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("launcher: start %q: %w", n.Name(), err)
		}
		if err := l.waitHealthy(ctx, n); err != nil {
			return err
		}
		slog.Info("node up", "node", n.Name())
	}
	return nil
}

// waitHealthy polls the node until it reports RUNNING, when the config
// asks for it.
func (l *Launcher) waitHealthy(ctx context.Context, n node.Node) error {
	if !l.cfg.Launch.WaitForHealthy {
		return nil
	}
	timeout := l.cfg.Launch.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		switch n.Status() {
		case node.StatusRunning:
			return nil
		case node.StatusError:
			return fmt.Errorf("launcher: node %q failed during startup", n.Name())
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("launcher: node %q not healthy after %s", n.Name(), timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

// ── Shutdown ───────────────────────────────────────────────────────────────────

// shutdown stops every node within the configured deadline, then
// force-terminates known external stragglers if the deadline passed.
func (l *Launcher) shutdown() {
	timeout := l.cfg.System.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	done := make(chan struct{})
	go func() {
		l.stopNodes()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all nodes stopped")
	case <-time.After(timeout):
		slog.Error("shutdown deadline exceeded, force-terminating stragglers", "timeout", timeout)
		l.forceKill()
	}
}

// stopNodes stops nodes in reverse startup order so consumers outlive
// their producers.
func (l *Launcher) stopNodes() {
	for i := len(l.nodes) - 1; i >= 0; i-- {
		n := l.nodes[i]
		if err := n.Stop(); err != nil {
			slog.Warn("node stop failed", "node", n.Name(), "err", err)
		}
	}
}

// forceKill terminates external helper processes by name pattern. Hung
// audio players are the common case: a blocked aplay keeps the device
// open and the process from exiting.
func (l *Launcher) forceKill() {
	for _, pattern := range l.killPatterns {
		cmd := exec.Command("pkill", "-f", pattern)
		if err := cmd.Run(); err != nil {
			// Exit status 1 just means no process matched.
			slog.Debug("pkill", "pattern", pattern, "err", err)
		}
	}
}

// ── HTTP endpoints ─────────────────────────────────────────────────────────────

// serveHTTP starts the /metrics + health listener when configured. The
// returned channel closes once the server has shut down.
func (l *Launcher) serveHTTP(ctx context.Context) (<-chan struct{}, error) {
	addr := l.cfg.System.MetricsAddr
	if addr == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	checkers := append([]health.Checker{health.NodesChecker(l.Statuses)}, l.checkers...)
	health.New(checkers...).Register(mux)

	// Bind synchronously so an unusable address fails startup outright.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("launcher: metrics listener on %q: %w", addr, err)
	}

	srv := &http.Server{Handler: mux}
	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	go func() {
		defer close(done)
		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server failed", "addr", addr, "err", err)
			}
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), httpStopTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				slog.Warn("metrics server shutdown", "err", err)
			}
			<-errCh
		}
	}()

	l.mu.Lock()
	l.httpAddr = ln.Addr().String()
	l.mu.Unlock()

	slog.Info("metrics endpoint up", "addr", ln.Addr().String())
	return done, nil
}
