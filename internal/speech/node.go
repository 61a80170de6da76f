// Package speech turns streamed model audio into spoken utterances.
//
// The synthesizer listens on the shared realtime session: it buffers
// response.audio.delta chunks until response.audio.done, writes the whole
// utterance to a WAV file, and hands the file to the hardware playback
// bridge. While an utterance is in flight the node holds the "speaking"
// noisy-activity mutex so the capture side cannot hear the robot talk.
package speech

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nevil-robotics/nevil/internal/acoustic"
	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/chatlog"
	"github.com/nevil-robotics/nevil/internal/config"
	"github.com/nevil-robotics/nevil/internal/gesture"
	"github.com/nevil-robotics/nevil/internal/node"
	"github.com/nevil-robotics/nevil/internal/observe"
	"github.com/nevil-robotics/nevil/pkg/audio"
	"github.com/nevil-robotics/nevil/pkg/realtime"
)

// NodeName is the registered name of the speech synthesis node.
const NodeName = "speech_synthesis"

const (
	// ActivitySpeaking is the mutex key held while the robot talks.
	ActivitySpeaking = "speaking"

	// postPlaybackPad absorbs room echo after the player goes quiet.
	postPlaybackPad = 300 * time.Millisecond

	playPollInterval = 50 * time.Millisecond
)

// EventSource registers realtime event handlers. *realtime.Conn satisfies
// it; tests drive a fake.
type EventSource interface {
	On(eventType string, h realtime.Handler)
}

// utterance is one assistant turn being assembled from deltas. The held
// flag ties the mutex acquisition to this utterance so release happens
// exactly once even when turns overlap.
type utterance struct {
	itemID     string
	pcm        []byte
	transcript strings.Builder
	held       bool
}

// Synthesizer is the speech synthesis node.
type Synthesizer struct {
	*node.Runtime

	events   EventSource
	registry *acoustic.Registry
	injector *gesture.Injector
	player   Player
	metrics  *observe.Metrics
	log      *chatlog.Logger
	outDir   string

	mu       sync.Mutex
	cur      *utterance
	seq      int
	lastConv string

	playMu   sync.Mutex // serializes playback across utterances
	inflight sync.WaitGroup
	stopping chan struct{}
}

// Option is a functional option for New.
type Option func(*Synthesizer)

// WithMetrics wires OTel instruments into the synthesizer.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Synthesizer) { s.metrics = m }
}

// WithChatLog records a tts step for every played utterance.
func WithChatLog(l *chatlog.Logger) Option {
	return func(s *Synthesizer) { s.log = l }
}

// WithOutputDir overrides where utterance WAV files are written. Defaults
// to the system temp directory.
func WithOutputDir(dir string) Option {
	return func(s *Synthesizer) { s.outDir = dir }
}

// New assembles the synthesizer node around the shared realtime session.
func New(desc *config.NodeDescriptor, events EventSource, registry *acoustic.Registry, injector *gesture.Injector, player Player, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		events:   events,
		registry: registry,
		injector: injector,
		player:   player,
		outDir:   os.TempDir(),
		stopping: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.Runtime = node.NewRuntime(NodeName, desc, node.Hooks{
		Initialize: s.initialize,
		Cleanup:    s.cleanup,
	})
	s.RegisterCallback("handle_text_response", s.handleTextResponse)
	return s
}

func (s *Synthesizer) initialize(ctx context.Context) error {
	s.events.On(realtime.EventTypeResponseOutputItemAdded, s.onOutputItemAdded)
	s.events.On(realtime.EventTypeResponseAudioDelta, s.onAudioDelta)
	s.events.On(realtime.EventTypeResponseAudioTranscriptDelta, s.onTranscriptDelta)
	s.events.On(realtime.EventTypeResponseAudioDone, s.onAudioDone)
	return nil
}

func (s *Synthesizer) cleanup() error {
	close(s.stopping)
	s.inflight.Wait()
	if err := s.player.Stop(); err != nil {
		slog.Warn("player stop failed", "err", err)
	}

	// An utterance cut off mid-assembly still holds the mutex.
	s.mu.Lock()
	cur := s.cur
	s.cur = nil
	s.mu.Unlock()
	if cur != nil && cur.held {
		s.setSpeaking(false)
	}
	return nil
}

// ── Realtime event handlers ────────────────────────────────────────────────────

// onOutputItemAdded starts a new utterance the moment the server announces
// an assistant message item. The mutex must be held before the first audio
// byte can possibly play.
func (s *Synthesizer) onOutputItemAdded(evt *realtime.ServerEvent) {
	if evt.Item == nil || evt.Item.Type != "message" || evt.Item.Role != "assistant" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.cur; old != nil && old.held {
		// The previous utterance never saw its audio.done; let go of its
		// hold before starting the new one.
		old.held = false
		s.setSpeaking(false)
	}
	s.cur = &utterance{itemID: evt.Item.ID}
	s.cur.held = true
	s.setSpeaking(true)
}

func (s *Synthesizer) onAudioDelta(evt *realtime.ServerEvent) {
	if evt.Delta == "" {
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(evt.Delta)
	if err != nil || len(chunk) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		// Delta without a preceding output_item.added; start an utterance
		// anyway so audio is not lost.
		s.cur = &utterance{itemID: evt.ItemID}
	}
	if !s.cur.held {
		s.cur.held = true
		s.setSpeaking(true)
	}
	s.cur.pcm = append(s.cur.pcm, chunk...)
}

func (s *Synthesizer) onTranscriptDelta(evt *realtime.ServerEvent) {
	if evt.Delta == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return
	}
	s.cur.transcript.WriteString(evt.Delta)
}

// onAudioDone detaches the finished utterance and plays it out on its own
// goroutine so the event loop keeps flowing.
func (s *Synthesizer) onAudioDone(evt *realtime.ServerEvent) {
	s.mu.Lock()
	u := s.cur
	s.cur = nil
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	if u == nil || len(u.pcm) == 0 {
		if u != nil && u.held {
			s.setSpeaking(false)
		}
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.speak(u, seq)
	}()
}

// ── Playback ───────────────────────────────────────────────────────────────────

// speak writes the utterance to disk, fires its gesture batch, plays it,
// and releases the mutex exactly once whatever happens along the way.
func (s *Synthesizer) speak(u *utterance, seq int) {
	s.playMu.Lock()
	defer s.playMu.Unlock()

	released := false
	release := func() {
		if released || !u.held {
			return
		}
		released = true
		s.setSpeaking(false)
	}
	defer release()

	transcript := u.transcript.String()
	s.publishGestures(transcript)

	var step *chatlog.Step
	if s.log != nil {
		s.mu.Lock()
		conv := s.lastConv
		s.mu.Unlock()
		step = s.log.Step(conv, chatlog.StepTTS).SetInput(transcript)
	}
	endStep := func(err error) {
		if step != nil {
			step.End(err)
		}
	}

	path := filepath.Join(s.outDir, fmt.Sprintf("utterance-%04d.wav", seq))
	if err := audio.WriteWAV(path, u.pcm, audio.SampleRate); err != nil {
		slog.Error("utterance WAV write failed", "path", path, "err", err)
		endStep(err)
		return
	}

	if err := s.player.Play(path); err != nil {
		slog.Error("playback start failed", "path", path, "err", err)
		endStep(err)
		return
	}

	ticker := time.NewTicker(playPollInterval)
	defer ticker.Stop()
	for s.player.IsPlaying() {
		select {
		case <-s.stopping:
			_ = s.player.Stop()
			endStep(fmt.Errorf("speech: playback interrupted by shutdown"))
			return
		case <-ticker.C:
		}
	}

	// Room echo pad: the mic stays gated briefly after the speaker stops.
	select {
	case <-s.stopping:
	case <-time.After(postPlaybackPad):
	}

	endStep(nil)
	if s.metrics != nil {
		s.metrics.Utterances.Add(context.Background(), 1)
	}
	slog.Info("utterance played",
		"bytes", len(u.pcm),
		"transcript_len", len(transcript),
		"path", path,
	)
}

// publishGestures emits the batch that animates the upcoming speech.
func (s *Synthesizer) publishGestures(transcript string) {
	if transcript == "" {
		return
	}
	actions := s.injector.Inject(transcript, 0)
	if len(actions) == 0 {
		return
	}
	payload := map[string]any{
		"actions":     actions,
		"source_text": transcript,
		"mood":        s.injector.Classify(transcript),
		"priority":    bus.PriorityNormal.String(),
		"timestamp":   time.Now().Unix(),
	}
	if err := s.Publish("robot_action", payload, bus.PriorityNormal); err != nil {
		slog.Warn("gesture batch publish failed", "err", err)
	}
}

// setSpeaking flips the mutex and mirrors the change on speaking_status.
// Callers hold whatever synchronization ties this to one utterance.
func (s *Synthesizer) setSpeaking(speaking bool) {
	if speaking {
		s.registry.AcquireNoisy(ActivitySpeaking)
	} else {
		s.registry.ReleaseNoisy(ActivitySpeaking)
	}
	payload := map[string]any{
		"speaking":  speaking,
		"timestamp": time.Now().Unix(),
	}
	if err := s.Publish("speaking_status", payload, bus.PriorityHigh); err != nil {
		slog.Warn("speaking status publish failed", "err", err)
	}
}

// ── Bus callbacks ──────────────────────────────────────────────────────────────

// handleTextResponse records assistant text from the non-streaming path.
// It must never synthesize audio itself: the streaming session already
// produced (or will produce) the voice for this turn, and a second
// generation here would loop text back into audio forever.
func (s *Synthesizer) handleTextResponse(msg bus.Message) {
	text, _ := msg.Payload["text"].(string)
	if conv, _ := msg.Payload["conversation_id"].(string); conv != "" {
		s.mu.Lock()
		s.lastConv = conv
		s.mu.Unlock()
	}
	slog.Info("text response received",
		"source", msg.Source,
		"chars", len(text),
		"conversation_id", msg.Payload["conversation_id"],
	)
}
