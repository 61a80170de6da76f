// Package capture reads microphone audio, gates it through voice activity
// detection, and streams speech segments into the realtime session.
//
// One worker owns the device. Each tick reads a block, applies software
// gain, and slices the stream into 200 ms frames. Frames are classified by
// a volume-threshold detector: silence is held back in a small ring (the
// pre-speech padding), speech is forwarded, and a confirmed end of speech
// triggers the commit protocol. When the robot itself is making noise the
// whole block is discarded before it can reach the detector, which is what
// keeps the robot's own voice out of its ears.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nevil-robotics/nevil/internal/acoustic"
	"github.com/nevil-robotics/nevil/internal/observe"
	"github.com/nevil-robotics/nevil/pkg/audio"
)

const (
	// chunkSamples is one VAD frame: 200 ms at 24 kHz.
	chunkSamples = 4800

	defaultGain           = 3.0
	defaultCommitCooldown = 500 * time.Millisecond
	defaultCommitPause    = 50 * time.Millisecond

	// prePaddingFrames is the ring capacity for suppressed silence kept as
	// context ahead of a speech segment (~300 ms rounded up).
	prePaddingFrames = 2
)

// Sender is the upstream side of the pipeline. *realtime.Conn satisfies it.
type Sender interface {
	AppendAudio(pcm []byte) error
	CommitAudio() error
	ClearAudio() error
	CreateResponse() error
}

// Config tunes the worker.
type Config struct {
	// Gain is the fixed software amplification applied before
	// classification. Defaults to 3.0.
	Gain float64

	// VAD configures the detector. Zero values take defaults.
	VAD VADConfig

	// VADDisabled forwards every frame unconditionally; commits are then
	// the caller's problem. Off by default.
	VADDisabled bool

	// CommitCooldown is the minimum spacing between commits.
	CommitCooldown time.Duration

	// CommitPause is the short intake pause before a commit drains
	// in-flight work.
	CommitPause time.Duration

	// ResponseActive reports whether the model is already generating.
	// When it returns true the worker skips response.create after a
	// commit. A nil func means "never active".
	ResponseActive func() bool
}

// Stats is a snapshot of the worker's counters.
type Stats struct {
	SentChunks      int64
	SkippedChunks   int64
	DiscardedBlocks int64
	Commits         int64
	ShortSegments   int64
	Overflows       int64
	ReadErrors      int64
}

// Worker drives the capture pipeline. Tick is single-threaded; Pause,
// Resume, and Stats are safe to call from other goroutines.
type Worker struct {
	device   Device
	sender   Sender
	registry *acoustic.Registry
	metrics  *observe.Metrics
	cfg      Config

	vad     *VAD
	ring    *audio.Ring
	pending []float32 // gained samples not yet a whole frame

	mu            sync.Mutex
	paused        bool
	stopped       bool
	lastCommit    time.Time
	appendsInTurn int64
	stats         Stats
}

// Option is a functional option for NewWorker.
type Option func(*Worker)

// WithMetrics wires OTel instruments into the worker.
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker assembles a capture worker around an open device.
func NewWorker(device Device, sender Sender, registry *acoustic.Registry, cfg Config, opts ...Option) *Worker {
	if cfg.Gain <= 0 {
		cfg.Gain = defaultGain
	}
	if cfg.CommitCooldown <= 0 {
		cfg.CommitCooldown = defaultCommitCooldown
	}
	if cfg.CommitPause <= 0 {
		cfg.CommitPause = defaultCommitPause
	}
	w := &Worker{
		device:   device,
		sender:   sender,
		registry: registry,
		cfg:      cfg,
		vad:      NewVAD(cfg.VAD),
		ring:     audio.NewRing(prePaddingFrames),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Tick performs one read-and-process cycle. Per-read I/O errors are logged
// and swallowed so the loop keeps running; only ctx cancellation is
// returned.
func (w *Worker) Tick(ctx context.Context) error {
	block, err := w.device.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.mu.Lock()
		if err == ErrOverflow {
			w.stats.Overflows++
		} else {
			w.stats.ReadErrors++
		}
		w.mu.Unlock()
		slog.Warn("audio read failed", "err", err)
		return nil
	}
	w.processBlock(block)
	return nil
}

// processBlock applies the mutex gate and gain, then slices whole frames.
func (w *Worker) processBlock(block []byte) {
	if len(block) == 0 {
		return
	}

	w.mu.Lock()
	paused := w.paused
	w.mu.Unlock()
	if paused {
		return
	}

	// The robot is speaking or playing a sound: drop the block before it
	// can be buffered or classified. Anything else feeds its own voice
	// back into the model.
	if !w.registry.MicrophoneAvailable() {
		w.mu.Lock()
		w.stats.DiscardedBlocks++
		w.mu.Unlock()
		w.vad.Reset()
		w.pending = w.pending[:0]
		if w.metrics != nil {
			w.metrics.RecordChunk(context.Background(), "gated")
		}
		return
	}

	samples := audio.PCM16ToFloat32(block)
	audio.ApplyGain(samples, float32(w.cfg.Gain))
	w.pending = append(w.pending, samples...)

	for len(w.pending) >= chunkSamples {
		frame := w.pending[:chunkSamples]
		w.processFrame(frame)
		w.pending = w.pending[chunkSamples:]
	}
}

// processFrame runs one frame through the detector and acts on its
// decision.
func (w *Worker) processFrame(frame []float32) {
	pcm := audio.Float32ToPCM16(frame)

	if w.cfg.VADDisabled {
		w.appendFrame(pcm)
		return
	}

	d := w.vad.Process(audio.RMS(frame))

	if d.SpeechStarted {
		if err := w.sender.ClearAudio(); err != nil {
			slog.Warn("input buffer clear failed", "err", err)
		}
		for _, padded := range w.ring.Drain() {
			w.appendFrame(padded)
		}
	}

	switch {
	case d.Send:
		w.appendFrame(pcm)
	default:
		w.ring.Push(pcm)
		w.mu.Lock()
		w.stats.SkippedChunks++
		w.mu.Unlock()
		if w.metrics != nil {
			w.metrics.RecordChunk(context.Background(), "skipped")
		}
	}

	if d.SpeechEnded {
		w.finishSegment(d.TooShort)
	}
}

// appendFrame forwards one PCM16 frame upstream and counts it.
func (w *Worker) appendFrame(pcm []byte) {
	if err := w.sender.AppendAudio(pcm); err != nil {
		slog.Warn("audio append failed", "err", err)
		return
	}
	w.mu.Lock()
	w.stats.SentChunks++
	w.appendsInTurn++
	w.mu.Unlock()
	if w.metrics != nil {
		w.metrics.RecordChunk(context.Background(), "sent")
	}
}

// finishSegment runs the commit protocol for a completed speech segment,
// or discards it when it is too short, racing a recent commit, or empty.
func (w *Worker) finishSegment(tooShort bool) {
	w.mu.Lock()
	sinceCommit := time.Since(w.lastCommit)
	appends := w.appendsInTurn
	w.mu.Unlock()

	switch {
	case tooShort:
		w.mu.Lock()
		w.stats.ShortSegments++
		w.mu.Unlock()
		slog.Debug("speech segment too short, discarded")
		return
	case appends == 0:
		// Nothing was actually buffered upstream; a commit now would be
		// an empty-buffer commit.
		return
	case sinceCommit < w.cfg.CommitCooldown:
		slog.Debug("commit raced cooldown, segment discarded", "since_last", sinceCommit)
		return
	case !w.registry.MicrophoneAvailable():
		return
	}

	// Brief intake pause so in-flight appends land before the commit.
	time.Sleep(w.cfg.CommitPause)

	if err := w.sender.CommitAudio(); err != nil {
		slog.Warn("audio commit failed", "err", err)
		return
	}

	w.mu.Lock()
	w.lastCommit = time.Now()
	w.appendsInTurn = 0
	w.stats.Commits++
	w.mu.Unlock()
	w.pending = w.pending[:0]
	if w.metrics != nil {
		w.metrics.CaptureCommits.Add(context.Background(), 1)
	}

	active := w.cfg.ResponseActive != nil && w.cfg.ResponseActive()
	if !active {
		if err := w.sender.CreateResponse(); err != nil {
			slog.Warn("response create failed", "err", err)
		}
	}
	slog.Info("utterance committed", "response_requested", !active)
}

// Pause keeps the device open but discards everything read until Resume.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	w.vad.Reset()
}

// Resume re-enables frame intake.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
}

// StopRecording flushes whatever whole frames remain, subject to the mutex
// gate, then closes the device. Idempotent.
func (w *Worker) StopRecording() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	paused := w.paused
	w.mu.Unlock()

	// Whole frames are consumed as they fill, so at most one partial frame
	// remains. Zero-pad it to frame size so the tail is not lost.
	if !paused && len(w.pending) > 0 && w.registry.MicrophoneAvailable() {
		frame := make([]float32, chunkSamples)
		copy(frame, w.pending)
		w.processFrame(frame)
	}
	w.pending = nil

	if err := w.device.Close(); err != nil {
		return fmt.Errorf("capture: close device: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
