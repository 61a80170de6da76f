package motor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nevil-robotics/nevil/internal/acoustic"
	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/config"
)

type recordingController struct {
	mu       sync.Mutex
	actions  []string
	micFree  []bool
	registry *acoustic.Registry
}

func (c *recordingController) Perform(ctx context.Context, name, speed string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, name+":"+speed)
	c.micFree = append(c.micFree, c.registry.MicrophoneAvailable())
	return nil
}

func (c *recordingController) snapshot() ([]string, []bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.actions...), append([]bool{}, c.micFree...)
}

func testDescriptor() *config.NodeDescriptor {
	return &config.NodeDescriptor{
		Subscribes: []config.SubscribeDecl{
			{Topic: "robot_action", Callback: "handle_robot_action"},
		},
	}
}

func startNode(t *testing.T, b *bus.Bus, ctrl Controller, reg *acoustic.Registry) *Node {
	t.Helper()
	n := NewNode(testDescriptor(), ctrl, reg)
	if err := n.SetBus(b); err != nil {
		t.Fatalf("SetBus: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

func TestBatchExecutionHoldsNavigationMutex(t *testing.T) {
	t.Parallel()

	b := bus.New()
	reg := acoustic.NewRegistry()
	ctrl := &recordingController{registry: reg}
	startNode(t, b, ctrl, reg)

	b.Publish(bus.NewMessage("robot_action", "test", map[string]any{
		"actions": []string{"wave:med", "nod:slow", "spin:fast"},
	}, bus.PriorityNormal))

	deadline := time.Now().Add(2 * time.Second)
	for {
		actions, _ := ctrl.snapshot()
		if len(actions) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch never executed, got %v", actions)
		}
		time.Sleep(5 * time.Millisecond)
	}

	actions, micFree := ctrl.snapshot()
	want := []string{"wave:med", "nod:slow", "spin:fast"}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("action %d: want %s, got %s", i, want[i], actions[i])
		}
		if micFree[i] {
			t.Errorf("action %d executed without the navigation mutex held", i)
		}
	}
	if !reg.MicrophoneAvailable() {
		t.Error("mutex not released after the batch")
	}
}

func TestActionWithoutSpeedDefaultsToMed(t *testing.T) {
	t.Parallel()

	b := bus.New()
	reg := acoustic.NewRegistry()
	ctrl := &recordingController{registry: reg}
	startNode(t, b, ctrl, reg)

	b.Publish(bus.NewMessage("robot_action", "test", map[string]any{
		"actions": []any{"tilt_head"},
	}, bus.PriorityNormal))

	deadline := time.Now().Add(2 * time.Second)
	for {
		actions, _ := ctrl.snapshot()
		if len(actions) == 1 {
			if actions[0] != "tilt_head:med" {
				t.Fatalf("want tilt_head:med, got %s", actions[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("action never executed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnavailableControllerReleasesMutex(t *testing.T) {
	t.Parallel()

	b := bus.New()
	reg := acoustic.NewRegistry()
	startNode(t, b, Unavailable{}, reg)

	b.Publish(bus.NewMessage("robot_action", "test", map[string]any{
		"actions": []string{"wave:med"},
	}, bus.PriorityNormal))

	// Give the message worker time to run the batch.
	time.Sleep(150 * time.Millisecond)
	if !reg.MicrophoneAvailable() {
		t.Error("mutex leaked after unavailable controller")
	}
}
