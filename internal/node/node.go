// Package node provides the runtime base shared by every Nevil node:
// lifecycle management, declarative topic wiring, and the three standard
// workers (main loop, message dispatch, heartbeat).
//
// A concrete node embeds [Runtime], registers its message callbacks by
// name, and supplies its lifecycle hooks. The runtime wires declared
// subscriptions to bounded queues on the bus, enforces the declared
// publish-set, dispatches deliveries serially, and publishes heartbeats.
//
// Nodes never install signal handlers; they observe a shutdown signal
// owned by the launcher through the context passed to Start.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/config"
	"github.com/nevil-robotics/nevil/internal/observe"
)

// Status is the lifecycle state of a node.
type Status int

const (
	StatusInitializing Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
	StatusError
)

// String returns the uppercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "INITIALIZING"
	case StatusRunning:
		return "RUNNING"
	case StatusStopping:
		return "STOPPING"
	case StatusStopped:
		return "STOPPED"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

const (
	// heartbeatInterval is the period of system_heartbeat records.
	heartbeatInterval = 5 * time.Second

	// pollInterval bounds how long the message worker sleeps when every
	// subscribed queue is empty.
	pollInterval = 20 * time.Millisecond

	// maxMainLoopErrors is the error budget before a node trips to ERROR.
	maxMainLoopErrors = 10

	// heartbeatTopic is the well-known topic for node liveness records.
	heartbeatTopic = "system_heartbeat"
)

// Sentinel errors for publish and wiring failures.
var (
	// ErrNotDeclared is returned by Publish when the topic is not in the
	// node's declared publish-set.
	ErrNotDeclared = fmt.Errorf("node: topic not declared in publish-set")

	// ErrUnknownCallback is returned by WireMessages when a subscription
	// names a callback that was never registered.
	ErrUnknownCallback = fmt.Errorf("node: unknown callback")
)

// Hooks are the lifecycle callbacks a concrete node supplies. All hooks are
// optional; nil functions are skipped.
type Hooks struct {
	// Initialize runs once before the workers start. An error here is
	// fatal to the node and surfaces to the launcher.
	Initialize func(ctx context.Context) error

	// MainLoop is invoked repeatedly by the main worker until shutdown.
	// Implementations should do one unit of work and return; blocking
	// implementations must respect ctx. Errors are counted against the
	// node's error budget.
	MainLoop func(ctx context.Context) error

	// Cleanup runs once during Stop, after the workers have been signalled.
	Cleanup func() error
}

// Runtime is the embeddable node base. Create one with [NewRuntime], attach
// callbacks and a bus, then Start it.
type Runtime struct {
	name    string
	desc    *config.NodeDescriptor
	hooks   Hooks
	metrics *observe.Metrics

	callbacks map[string]func(bus.Message)
	publishes map[string]struct{}

	mu            sync.Mutex
	bus           *bus.Bus
	status        Status
	errorCount    int
	lastHeartbeat time.Time
	started       time.Time
	queues        []wiredQueue

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// wiredQueue pairs a subscription's bounded queue with its callback.
type wiredQueue struct {
	topic    string
	callback func(bus.Message)
	queue    chan bus.Message
}

// Option is a functional option for NewRuntime.
type Option func(*Runtime)

// WithMetrics wires OTel instruments into the runtime.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// NewRuntime creates a Runtime for the named node with its declarative
// descriptor and lifecycle hooks.
func NewRuntime(name string, desc *config.NodeDescriptor, hooks Hooks, opts ...Option) *Runtime {
	pubs := make(map[string]struct{}, len(desc.Publishes))
	for _, p := range desc.Publishes {
		pubs[p.Topic] = struct{}{}
	}
	r := &Runtime{
		name:      name,
		desc:      desc,
		hooks:     hooks,
		callbacks: make(map[string]func(bus.Message)),
		publishes: pubs,
		status:    StatusInitializing,
		shutdown:  make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Name returns the node's name.
func (r *Runtime) Name() string { return r.name }

// Status returns the node's current lifecycle state.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// ErrorCount returns the number of errors counted against the node.
func (r *Runtime) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorCount
}

// Configuration returns the node-specific configuration section of the
// descriptor. May be nil.
func (r *Runtime) Configuration() map[string]any {
	return r.desc.Configuration
}

// RegisterCallback binds a callback name (as referenced by the node's
// descriptor) to a handler function. Must be called before SetBus wiring.
func (r *Runtime) RegisterCallback(name string, fn func(bus.Message)) {
	r.callbacks[name] = fn
}

// SetBus attaches the bus and wires all declared subscriptions: for each
// entry a bounded queue of [bus.DefaultQueueDepth] is allocated and
// registered. Wiring fails with [ErrUnknownCallback] if a declared callback
// was not registered on the node.
func (r *Runtime) SetBus(b *bus.Bus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bus = b
	for _, sub := range r.desc.Subscribes {
		cb, ok := r.callbacks[sub.Callback]
		if !ok {
			return fmt.Errorf("%w: %q (topic %q, node %q)", ErrUnknownCallback, sub.Callback, sub.Topic, r.name)
		}
		q := make(chan bus.Message, bus.DefaultQueueDepth)
		if err := b.Subscribe(r.name, sub.Topic, q); err != nil {
			return fmt.Errorf("node %q: subscribe %q: %w", r.name, sub.Topic, err)
		}
		r.queues = append(r.queues, wiredQueue{topic: sub.Topic, callback: cb, queue: q})
	}
	return nil
}

// Publish wraps payload into a [bus.Message] and delegates to the bus. The
// topic must be in the node's declared publish-set.
func (r *Runtime) Publish(topic string, payload map[string]any, priority bus.Priority) error {
	if _, ok := r.publishes[topic]; !ok {
		return fmt.Errorf("%w: %q (node %q)", ErrNotDeclared, topic, r.name)
	}

	r.mu.Lock()
	b := r.bus
	r.mu.Unlock()
	if b == nil {
		return fmt.Errorf("node %q: publish before SetBus", r.name)
	}

	b.Publish(bus.NewMessage(topic, r.name, payload, priority))
	return nil
}

// Start runs the Initialize hook and spawns the main, message, and
// heartbeat workers. An Initialize error is fatal and leaves the node in
// ERROR state.
func (r *Runtime) Start(ctx context.Context) error {
	if r.hooks.Initialize != nil {
		if err := r.hooks.Initialize(ctx); err != nil {
			r.setStatus(StatusError)
			return fmt.Errorf("node %q: initialize: %w", r.name, err)
		}
	}

	r.mu.Lock()
	r.status = StatusRunning
	r.started = time.Now()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveNodes.Add(ctx, 1)
	}

	r.wg.Add(3)
	go r.mainWorker(ctx)
	go r.messageWorker(ctx)
	go r.heartbeatWorker(ctx)

	slog.Info("node started", "node", r.name, "subscriptions", len(r.queues))
	return nil
}

// Stop signals the workers, runs the Cleanup hook, and joins. Idempotent.
func (r *Runtime) Stop() error {
	var cleanupErr error
	r.stopOnce.Do(func() {
		r.setStatus(StatusStopping)
		close(r.shutdown)
		r.wg.Wait()

		if r.hooks.Cleanup != nil {
			cleanupErr = r.hooks.Cleanup()
		}

		r.mu.Lock()
		if r.status != StatusError {
			r.status = StatusStopped
		}
		r.mu.Unlock()

		if r.metrics != nil {
			r.metrics.ActiveNodes.Add(context.Background(), -1)
		}
		slog.Info("node stopped", "node", r.name)
	})
	if cleanupErr != nil {
		return fmt.Errorf("node %q: cleanup: %w", r.name, cleanupErr)
	}
	return nil
}

// setStatus updates the lifecycle state under the runtime lock.
func (r *Runtime) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// countError increments the error budget and trips the node to ERROR when
// the budget is exhausted. Returns true when the node should stop working.
func (r *Runtime) countError(err error, origin string) bool {
	r.mu.Lock()
	r.errorCount++
	count := r.errorCount
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.NodeErrors.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("node", r.name)))
	}
	slog.Error("node worker error", "node", r.name, "origin", origin, "count", count, "err", err)

	if origin == "main" && count >= maxMainLoopErrors {
		r.setStatus(StatusError)
		slog.Error("node error budget exhausted, stopping main loop", "node", r.name)
		return true
	}
	return false
}

// mainWorker repeatedly invokes the MainLoop hook until shutdown or until
// the error budget trips the node into ERROR.
func (r *Runtime) mainWorker(ctx context.Context) {
	defer r.wg.Done()

	if r.hooks.MainLoop == nil {
		<-r.shutdown
		return
	}

	for {
		select {
		case <-r.shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := r.hooks.MainLoop(ctx); err != nil {
			if r.countError(err, "main") {
				return
			}
		}
	}
}

// messageWorker serially drains every subscribed queue, invoking the wired
// callback for each delivery. Per-message callback errors (panics included)
// are isolated: they are logged and counted but never stop the worker.
func (r *Runtime) messageWorker(ctx context.Context) {
	defer r.wg.Done()

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		delivered := false
		for _, wq := range r.queues {
			for {
				select {
				case msg := <-wq.queue:
					r.dispatch(wq, msg)
					delivered = true
					continue
				default:
				}
				break
			}
		}
		if delivered {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(pollInterval)

		select {
		case <-r.shutdown:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// dispatch invokes a callback, converting panics into counted errors so a
// misbehaving handler cannot take down the whole node.
func (r *Runtime) dispatch(wq wiredQueue, msg bus.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.countError(fmt.Errorf("callback panic on %q: %v", wq.topic, rec), "message")
		}
	}()
	wq.callback(msg)
}

// heartbeatWorker publishes a liveness record every heartbeatInterval, but
// only when the node declared system_heartbeat in its publish-set.
func (r *Runtime) heartbeatWorker(ctx context.Context) {
	defer r.wg.Done()

	if _, ok := r.publishes[heartbeatTopic]; !ok {
		<-r.shutdown
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			r.lastHeartbeat = time.Now()
			payload := map[string]any{
				"node_name":   r.name,
				"status":      r.status.String(),
				"timestamp":   r.lastHeartbeat.Unix(),
				"error_count": r.errorCount,
				"uptime_s":    time.Since(r.started).Seconds(),
			}
			r.mu.Unlock()

			if err := r.Publish(heartbeatTopic, payload, bus.PriorityLow); err != nil {
				slog.Warn("heartbeat publish failed", "node", r.name, "err", err)
			}
		}
	}
}
