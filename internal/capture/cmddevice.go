package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/nevil-robotics/nevil/pkg/audio"
)

// defaultBlockBytes is the raw PCM16 read size per device read: 100 ms of
// mono audio at the pipeline sample rate.
const defaultBlockBytes = audio.SampleRate / 10 * 2

// CmdDevice captures microphone audio through an external recorder
// process (arecord on the robot) streaming raw PCM16 to stdout.
type CmdDevice struct {
	cmd *exec.Cmd
	out io.ReadCloser

	mu     sync.Mutex
	closed bool
}

var _ Device = (*CmdDevice)(nil)

// OpenCmdDevice starts the recorder process. Empty command defaults to
// arecord configured for the pipeline format (raw S16_LE mono 24 kHz). A
// failure to start is fatal to capture; there is no microphone without it.
func OpenCmdDevice(command string, args ...string) (*CmdDevice, error) {
	if command == "" {
		command = "arecord"
		args = []string{
			"-q", "-t", "raw",
			"-f", "S16_LE",
			"-r", fmt.Sprint(audio.SampleRate),
			"-c", "1",
		}
	}

	cmd := exec.Command(command, args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: recorder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("capture: start recorder %q: %w", command, err)
	}
	return &CmdDevice{cmd: cmd, out: out}, nil
}

// Read returns the next raw PCM16 block. It blocks until a full block is
// available or the recorder pipe closes.
func (d *CmdDevice) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	block := make([]byte, defaultBlockBytes)
	if _, err := io.ReadFull(d.out, block); err != nil {
		return nil, fmt.Errorf("capture: recorder read: %w", err)
	}
	return block, nil
}

// Close stops the recorder process. Idempotent.
func (d *CmdDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	_ = d.out.Close()
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	_ = d.cmd.Wait()
	return nil
}
