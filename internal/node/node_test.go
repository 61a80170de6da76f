package node

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/config"
)

func testDescriptor() *config.NodeDescriptor {
	return &config.NodeDescriptor{
		Publishes: []config.PublishDecl{
			{Topic: "robot_action"},
		},
		Subscribes: []config.SubscribeDecl{
			{Topic: "voice_command", Callback: "handle_voice_command"},
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	var initialized, cleaned atomic.Bool
	r := NewRuntime("test_node", testDescriptor(), Hooks{
		Initialize: func(ctx context.Context) error {
			initialized.Store(true)
			return nil
		},
		Cleanup: func() error {
			cleaned.Store(true)
			return nil
		},
	})
	r.RegisterCallback("handle_voice_command", func(bus.Message) {})
	if err := r.SetBus(bus.New()); err != nil {
		t.Fatalf("SetBus: %v", err)
	}

	if got := r.Status(); got != StatusInitializing {
		t.Errorf("status before start: want INITIALIZING, got %v", got)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop() })

	if !initialized.Load() {
		t.Error("Initialize hook not invoked")
	}
	if got := r.Status(); got != StatusRunning {
		t.Errorf("status after start: want RUNNING, got %v", got)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !cleaned.Load() {
		t.Error("Cleanup hook not invoked")
	}
	if got := r.Status(); got != StatusStopped {
		t.Errorf("status after stop: want STOPPED, got %v", got)
	}

	// Stop again must be a no-op.
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestInitializeFailureIsFatal(t *testing.T) {
	t.Parallel()

	r := NewRuntime("broken_node", &config.NodeDescriptor{}, Hooks{
		Initialize: func(ctx context.Context) error { return errors.New("no microphone") },
	})
	if err := r.SetBus(bus.New()); err != nil {
		t.Fatalf("SetBus: %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("want error from Start, got nil")
	}
	if got := r.Status(); got != StatusError {
		t.Errorf("status: want ERROR, got %v", got)
	}
}

func TestPublishEnforcesDeclaredSet(t *testing.T) {
	t.Parallel()

	r := NewRuntime("test_node", testDescriptor(), Hooks{})
	r.RegisterCallback("handle_voice_command", func(bus.Message) {})
	if err := r.SetBus(bus.New()); err != nil {
		t.Fatalf("SetBus: %v", err)
	}

	if err := r.Publish("robot_action", map[string]any{"gesture": "wave"}, bus.PriorityNormal); err != nil {
		t.Errorf("declared topic: %v", err)
	}
	err := r.Publish("secret_topic", nil, bus.PriorityNormal)
	if !errors.Is(err, ErrNotDeclared) {
		t.Errorf("undeclared topic: want ErrNotDeclared, got %v", err)
	}
}

func TestWireMessagesUnknownCallback(t *testing.T) {
	t.Parallel()

	r := NewRuntime("test_node", testDescriptor(), Hooks{})
	// Callback deliberately not registered.
	err := r.SetBus(bus.New())
	if !errors.Is(err, ErrUnknownCallback) {
		t.Fatalf("want ErrUnknownCallback, got %v", err)
	}
}

func TestMessageDelivery(t *testing.T) {
	t.Parallel()

	b := bus.New()
	var mu sync.Mutex
	var got []string

	r := NewRuntime("test_node", testDescriptor(), Hooks{})
	r.RegisterCallback("handle_voice_command", func(msg bus.Message) {
		mu.Lock()
		got = append(got, msg.Payload["text"].(string))
		mu.Unlock()
	})
	if err := r.SetBus(b); err != nil {
		t.Fatalf("SetBus: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop() })

	for _, text := range []string{"hello", "wave", "goodbye"} {
		b.Publish(bus.NewMessage("voice_command", "tester", map[string]any{"text": text}, bus.PriorityNormal))
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"hello", "wave", "goodbye"} {
		if got[i] != want {
			t.Errorf("delivery %d: want %q, got %q", i, want, got[i])
		}
	}
}

func TestCallbackPanicIsIsolated(t *testing.T) {
	t.Parallel()

	b := bus.New()
	var delivered atomic.Int32

	r := NewRuntime("test_node", testDescriptor(), Hooks{})
	r.RegisterCallback("handle_voice_command", func(msg bus.Message) {
		if msg.Payload["text"] == "boom" {
			panic("handler exploded")
		}
		delivered.Add(1)
	})
	if err := r.SetBus(b); err != nil {
		t.Fatalf("SetBus: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop() })

	b.Publish(bus.NewMessage("voice_command", "tester", map[string]any{"text": "boom"}, bus.PriorityNormal))
	b.Publish(bus.NewMessage("voice_command", "tester", map[string]any{"text": "fine"}, bus.PriorityNormal))

	waitFor(t, 2*time.Second, func() bool { return delivered.Load() == 1 })
	if r.ErrorCount() != 1 {
		t.Errorf("error count: want 1, got %d", r.ErrorCount())
	}
	if got := r.Status(); got != StatusRunning {
		t.Errorf("status after isolated panic: want RUNNING, got %v", got)
	}
}

func TestMainLoopErrorBudget(t *testing.T) {
	t.Parallel()

	r := NewRuntime("flaky_node", &config.NodeDescriptor{}, Hooks{
		MainLoop: func(ctx context.Context) error {
			return errors.New("sensor read failed")
		},
	})
	if err := r.SetBus(bus.New()); err != nil {
		t.Fatalf("SetBus: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop() })

	waitFor(t, 2*time.Second, func() bool { return r.Status() == StatusError })
	if got := r.ErrorCount(); got < maxMainLoopErrors {
		t.Errorf("error count: want >= %d, got %d", maxMainLoopErrors, got)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("test_node", func(desc *config.NodeDescriptor) (Node, error) {
		return NewRuntime("test_node", desc, Hooks{}), nil
	})

	n, err := reg.Create("test_node", &config.NodeDescriptor{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n.Name() != "test_node" {
		t.Errorf("name: want test_node, got %q", n.Name())
	}

	if _, err := reg.Create("ghost_node", &config.NodeDescriptor{}); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("unknown node: want ErrNotRegistered, got %v", err)
	}

	names := reg.Names()
	if len(names) != 1 || names[0] != "test_node" {
		t.Errorf("names: want [test_node], got %v", names)
	}
}
