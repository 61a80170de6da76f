package motor

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nevil-robotics/nevil/internal/acoustic"
	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/config"
	"github.com/nevil-robotics/nevil/internal/node"
)

// NodeName is the registered name of the motor bridge node.
const NodeName = "motor_bridge"

// ActivityNavigation is the mutex key held while motors run: servo noise
// makes the microphone signal untrustworthy.
const ActivityNavigation = "navigation"

// Node consumes robot_action batches and drives the controller.
type Node struct {
	*node.Runtime

	controller Controller
	registry   *acoustic.Registry
}

// NewNode wraps a controller capability in a runnable node.
func NewNode(desc *config.NodeDescriptor, controller Controller, registry *acoustic.Registry, opts ...node.Option) *Node {
	n := &Node{controller: controller, registry: registry}
	n.Runtime = node.NewRuntime(NodeName, desc, node.Hooks{}, opts...)
	n.RegisterCallback("handle_robot_action", n.handleRobotAction)
	return n
}

// handleRobotAction executes one batch. The navigation mutex is held for
// the whole batch so the capture side ignores servo noise.
func (n *Node) handleRobotAction(msg bus.Message) {
	actions := extractActions(msg.Payload["actions"])
	if len(actions) == 0 {
		return
	}

	n.registry.AcquireNoisy(ActivityNavigation)
	defer n.registry.ReleaseNoisy(ActivityNavigation)

	for _, action := range actions {
		name, speed, ok := strings.Cut(action, ":")
		if !ok || speed == "" {
			speed = "med"
		}
		if name == "" {
			continue
		}
		if err := n.controller.Perform(context.Background(), name, speed); err != nil {
			if errors.Is(err, ErrNotAvailable) {
				slog.Warn("hardware error: actuation unavailable", "action", action)
				return // the rest of the batch would fail identically
			}
			slog.Error("gesture failed", "action", action, "err", err)
		}
	}
}

// extractActions tolerates both []string and []any payload shapes.
func extractActions(v any) []string {
	switch actions := v.(type) {
	case []string:
		return actions
	case []any:
		out := make([]string, 0, len(actions))
		for _, a := range actions {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
