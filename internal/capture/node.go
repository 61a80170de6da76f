package capture

import (
	"context"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/config"
	"github.com/nevil-robotics/nevil/internal/node"
)

// NodeName is the registered name of the audio capture node.
const NodeName = "audio_capture"

// Node runs the capture worker inside the standard node lifecycle: the
// main worker ticks the pipeline, shutdown flushes and closes the device.
type Node struct {
	*node.Runtime
	worker *Worker
}

// NewNode wraps an assembled worker in a runnable node.
func NewNode(desc *config.NodeDescriptor, worker *Worker, opts ...node.Option) *Node {
	n := &Node{worker: worker}
	n.Runtime = node.NewRuntime(NodeName, desc, node.Hooks{
		MainLoop: n.tick,
		Cleanup:  worker.StopRecording,
	}, opts...)
	n.RegisterCallback("handle_pause", n.handlePause)
	n.RegisterCallback("handle_resume", n.handleResume)
	return n
}

func (n *Node) tick(ctx context.Context) error {
	return n.worker.Tick(ctx)
}

// handlePause and handleResume let other nodes gate the microphone beyond
// the automatic noisy-activity mutex, e.g. during shutdown speech.
func (n *Node) handlePause(bus.Message) { n.worker.Pause() }

func (n *Node) handleResume(bus.Message) { n.worker.Resume() }

// Worker exposes the underlying pipeline, mainly for stats.
func (n *Node) Worker() *Worker { return n.worker }
