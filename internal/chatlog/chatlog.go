// Package chatlog records each conversation as a sequence of timed steps
// for offline analytics. Logging never sits on the hot path: a failed
// append is logged and dropped, never surfaced to the pipeline.
package chatlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nevil-robotics/nevil/internal/observe"
)

// Canonical step names.
const (
	StepRequest  = "request"
	StepSTT      = "stt"
	StepGPT      = "gpt"
	StepTTS      = "tts"
	StepResponse = "response"
)

// Step status values.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
)

// Entry is one completed step of a conversation.
type Entry struct {
	Timestamp      time.Time      `json:"timestamp"`
	ConversationID string         `json:"conversation_id"`
	Step           string         `json:"step"`
	Status         string         `json:"status"`
	DurationMS     int64          `json:"duration_ms"`
	InputText      string         `json:"input_text,omitempty"`
	OutputText     string         `json:"output_text,omitempty"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Store persists entries. Implementations: [FileStore], postgres.Store.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Logger hands out step handles bound to a store.
type Logger struct {
	store   Store
	metrics *observe.Metrics
}

// Option is a functional option for NewLogger.
type Option func(*Logger)

// WithMetrics wires OTel instruments into the logger.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// NewLogger creates a Logger writing to store.
func NewLogger(store Store, opts ...Option) *Logger {
	l := &Logger{store: store}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Step opens a scoped step handle: creation records the start time, End
// records the outcome. The handle is not safe for concurrent use.
func (l *Logger) Step(conversationID, step string) *Step {
	return &Step{
		logger: l,
		start:  time.Now(),
		entry: Entry{
			ConversationID: conversationID,
			Step:           step,
		},
	}
}

// Close releases the underlying store.
func (l *Logger) Close() error {
	return l.store.Close()
}

// Step is one in-progress conversation step.
type Step struct {
	logger *Logger
	start  time.Time
	entry  Entry
	once   sync.Once
}

// SetInput records the text that entered the step.
func (s *Step) SetInput(text string) *Step {
	s.entry.InputText = text
	return s
}

// SetOutput records the text the step produced.
func (s *Step) SetOutput(text string) *Step {
	s.entry.OutputText = text
	return s
}

// SetMetadata attaches one key to the step's metadata map.
func (s *Step) SetMetadata(key string, value any) *Step {
	if s.entry.Metadata == nil {
		s.entry.Metadata = make(map[string]any)
	}
	s.entry.Metadata[key] = value
	return s
}

// End closes the step: nil err means success, anything else records a
// failure. Idempotent; only the first call writes.
func (s *Step) End(err error) {
	s.once.Do(func() {
		s.entry.Timestamp = s.start.UTC()
		s.entry.DurationMS = time.Since(s.start).Milliseconds()
		s.entry.Status = StatusSuccess
		if err != nil {
			s.entry.Status = StatusFail
			s.entry.Error = err.Error()
		}

		if s.logger.metrics != nil {
			s.logger.metrics.RecordStep(context.Background(), s.entry.Step, time.Since(s.start).Seconds())
		}
		if appendErr := s.logger.store.Append(context.Background(), s.entry); appendErr != nil {
			slog.Warn("chat log append failed",
				"conversation_id", s.entry.ConversationID,
				"step", s.entry.Step,
				"err", appendErr,
			)
		}
	})
}
