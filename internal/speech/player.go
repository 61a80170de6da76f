package speech

import (
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
)

// Player is the hardware playback bridge. Play starts playback of a WAV
// file and returns; completion is observed by polling IsPlaying.
type Player interface {
	Play(path string) error
	IsPlaying() bool
	Stop() error
}

// CmdPlayer plays WAV files through an external command, aplay by default.
// One playback at a time; a second Play while busy is an error.
type CmdPlayer struct {
	command string
	args    []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	playing atomic.Bool
}

var _ Player = (*CmdPlayer)(nil)

// NewCmdPlayer creates a player around the given command. Empty defaults
// to "aplay -q".
func NewCmdPlayer(command string, args ...string) *CmdPlayer {
	if command == "" {
		command = "aplay"
		args = []string{"-q"}
	}
	return &CmdPlayer{command: command, args: args}
}

// Play launches the playback process. IsPlaying stays true until it exits.
func (p *CmdPlayer) Play(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.playing.Load() {
		return fmt.Errorf("speech: playback already in progress")
	}

	cmd := exec.Command(p.command, append(append([]string{}, p.args...), path)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("speech: start %s: %w", p.command, err)
	}
	p.cmd = cmd
	p.playing.Store(true)

	go func() {
		_ = cmd.Wait()
		p.playing.Store(false)
	}()
	return nil
}

// IsPlaying reports whether a playback process is still running.
func (p *CmdPlayer) IsPlaying() bool { return p.playing.Load() }

// Stop kills the playback process if one is running.
func (p *CmdPlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil || !p.playing.Load() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("speech: stop playback: %w", err)
	}
	return nil
}
