package launcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/config"
	"github.com/nevil-robotics/nevil/internal/node"
)

// fakeNode records lifecycle calls with timestamps so order assertions
// work across nodes.
type fakeNode struct {
	name     string
	startErr error

	mu        sync.Mutex
	status    node.Status
	startedAt time.Time
	stoppedAt time.Time
	busSet    bool
}

func (f *fakeNode) Name() string { return f.name }

func (f *fakeNode) SetBus(b *bus.Bus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busSet = true
	return nil
}

func (f *fakeNode) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		f.status = node.StatusError
		return f.startErr
	}
	f.startedAt = time.Now()
	f.status = node.StatusRunning
	return nil
}

func (f *fakeNode) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == node.StatusRunning {
		f.stoppedAt = time.Now()
		f.status = node.StatusStopped
	}
	return nil
}

func (f *fakeNode) Status() node.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func testConfig(order ...string) *config.Root {
	return &config.Root{
		System: config.SystemConfig{
			ShutdownTimeout: 2 * time.Second,
		},
		Launch: config.LaunchConfig{
			StartupOrder:   order,
			WaitForHealthy: true,
			ReadyTimeout:   time.Second,
		},
	}
}

func emptyDescriptors(name string) (*config.NodeDescriptor, error) {
	return &config.NodeDescriptor{}, nil
}

func registryFor(nodes ...*fakeNode) *node.Registry {
	reg := node.NewRegistry()
	for _, n := range nodes {
		reg.Register(n.name, func(desc *config.NodeDescriptor) (node.Node, error) {
			return n, nil
		})
	}
	return reg
}

func TestRunStartsNodesInOrderAndStopsInReverse(t *testing.T) {
	t.Parallel()

	a := &fakeNode{name: "alpha"}
	b := &fakeNode{name: "beta"}
	cfg := testConfig("alpha", "beta")
	cfg.System.StartupDelay = 10 * time.Millisecond

	l := New(cfg, bus.New(), registryFor(a, b), emptyDescriptors)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitStatus(t, a, node.StatusRunning)
	waitStatus(t, b, node.StatusRunning)
	if !a.busSet || !b.busSet {
		t.Error("bus not injected into every node")
	}
	if !a.startedAt.Before(b.startedAt) {
		t.Error("alpha should start before beta")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.Status() != node.StatusStopped || b.Status() != node.StatusStopped {
		t.Errorf("statuses after shutdown: %v", l.Statuses())
	}
	if b.stoppedAt.After(a.stoppedAt) {
		t.Error("beta should stop before alpha (reverse order)")
	}
}

func TestRunParallelLaunch(t *testing.T) {
	t.Parallel()

	a := &fakeNode{name: "alpha"}
	b := &fakeNode{name: "beta"}
	cfg := testConfig("alpha", "beta")
	cfg.Launch.ParallelLaunch = true

	l := New(cfg, bus.New(), registryFor(a, b), emptyDescriptors)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitStatus(t, a, node.StatusRunning)
	waitStatus(t, b, node.StatusRunning)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestStartFailureStopsStartedNodes(t *testing.T) {
	t.Parallel()

	a := &fakeNode{name: "alpha"}
	b := &fakeNode{name: "beta", startErr: errors.New("device missing")}
	cfg := testConfig("alpha", "beta")

	l := New(cfg, bus.New(), registryFor(a, b), emptyDescriptors)

	err := l.Run(context.Background())
	if err == nil {
		t.Fatal("Run should surface the startup failure")
	}
	if a.Status() != node.StatusStopped {
		t.Errorf("alpha should be stopped after beta failed, got %v", a.Status())
	}
}

func TestUnknownNodeFailsStartup(t *testing.T) {
	t.Parallel()

	cfg := testConfig("ghost")
	l := New(cfg, bus.New(), node.NewRegistry(), emptyDescriptors)

	err := l.Run(context.Background())
	if !errors.Is(err, node.ErrNotRegistered) {
		t.Fatalf("want ErrNotRegistered, got %v", err)
	}
}

func TestDescriptorErrorFailsStartup(t *testing.T) {
	t.Parallel()

	a := &fakeNode{name: "alpha"}
	cfg := testConfig("alpha")
	descriptors := func(name string) (*config.NodeDescriptor, error) {
		return nil, fmt.Errorf("no descriptor for %s", name)
	}
	l := New(cfg, bus.New(), registryFor(a), descriptors)

	if err := l.Run(context.Background()); err == nil {
		t.Fatal("Run should fail when a descriptor cannot be resolved")
	}
}

func TestMetricsAndHealthEndpoints(t *testing.T) {
	t.Parallel()

	a := &fakeNode{name: "alpha"}
	cfg := testConfig("alpha")
	cfg.System.MetricsAddr = "127.0.0.1:0"

	l := New(cfg, bus.New(), registryFor(a), emptyDescriptors)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })

	waitStatus(t, a, node.StatusRunning)
	addr := l.HTTPAddr()
	if addr == "" {
		t.Fatal("HTTP listener never came up")
	}

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status %d", path, resp.StatusCode)
		}
	}
}

func waitStatus(t *testing.T, n *fakeNode, want node.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node %s never reached %v (now %v)", n.name, want, n.Status())
}
