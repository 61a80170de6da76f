// Package realtime implements a reconnecting WebSocket client for the
// OpenAI Realtime API.
//
// The connection exchanges JSON events: audio is streamed up as
// base64-encoded PCM16 via input_audio_buffer.append, and model output
// arrives as typed server events dispatched to registered handlers. Turn
// detection is disabled at the session level; commit timing belongs to the
// caller's own voice activity detection.
//
// A dropped link is re-established automatically with exponential backoff.
// Events sent while the link is down are queued (bounded, oldest dropped)
// and flushed in order once the session is reconfigured.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nevil-robotics/nevil/internal/observe"
)

const (
	defaultModel   = "gpt-realtime"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 16 * time.Second
	defaultMaxRetries  = 10
	defaultSendTimeout = 5 * time.Second

	defaultTranscriptionModel = "whisper-1"

	// offlineQueueCap bounds the number of events held while the link is
	// down. When full, the oldest event is dropped first.
	offlineQueueCap = 256
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting

	// StateFailed is terminal: a reconnection cycle exhausted its attempt
	// budget. Handlers registered for "error" events receive a synthetic
	// event when this transition happens.
	StateFailed

	StateClosed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrClosed is returned by Send after Close.
var ErrClosed = fmt.Errorf("realtime: connection closed")

// ErrorCodeReconnectFailed is the code carried by the synthetic "error"
// event dispatched when the connection enters StateFailed.
const ErrorCodeReconnectFailed = "reconnect_failed"

// Config carries everything needed to establish and maintain a session.
type Config struct {
	// APIKey authenticates the session. Ignored when EphemeralToken is set.
	APIKey string

	// EphemeralToken is a short-lived token minted by a backend; preferred
	// over APIKey when present.
	EphemeralToken string

	// BaseURL overrides the WebSocket endpoint. Primarily used in tests.
	BaseURL string

	Model        string
	Voice        string
	Instructions string
	Tools        []Tool

	// TranscriptionModel transcribes committed input audio server-side;
	// results arrive as conversation.item.input_audio_transcription.completed
	// events. Defaults to "whisper-1".
	TranscriptionModel string

	// TranscriptionLanguage is an ISO-639-1 hint for the transcriber.
	// Empty lets the model detect the language.
	TranscriptionLanguage string

	// MaxReconnectAttempts bounds one reconnection cycle. Defaults to 10.
	MaxReconnectAttempts int

	// Backoff is the initial retry delay, doubling each attempt up to
	// MaxBackoff. Defaults: 1s and 16s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// SendTimeout bounds one synchronous write. A write that exceeds it is
	// queued for replay instead of blocking the caller. Defaults to 5s.
	SendTimeout time.Duration
}

// Handler processes one server event. Handlers run on the read loop
// goroutine, so events for a connection are dispatched serially.
type Handler func(*ServerEvent)

// Option is a functional option for Dial.
type Option func(*Conn)

// WithMetrics wires OTel instruments into the connection.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

// Conn is a reconnecting Realtime API session. Safe for concurrent use.
type Conn struct {
	cfg     Config
	metrics *observe.Metrics

	mu      sync.Mutex
	ws      *websocket.Conn
	state   State
	offline [][]byte
	lastErr error

	hmu      sync.RWMutex
	handlers map[string][]Handler

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial establishes the session, sends the initial session.update, and
// starts the read loop.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Conn, error) {
	if cfg.APIKey == "" && cfg.EphemeralToken == "" {
		return nil, fmt.Errorf("realtime: either APIKey or EphemeralToken is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxRetries
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = defaultTranscriptionModel
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:      cfg,
		state:    StateConnecting,
		handlers: make(map[string][]Handler),
		ctx:      connCtx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(c)
	}

	ws, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := c.configureSession(ws); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// dial opens the WebSocket with authentication headers.
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := fmt.Sprintf("%s?model=%s", c.cfg.BaseURL, c.cfg.Model)

	token := c.cfg.EphemeralToken
	if token == "" {
		token = c.cfg.APIKey
	}
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	// Raw PCM16 frames are well above the library default read limit.
	ws.SetReadLimit(1 << 24)
	return ws, nil
}

// configureSession sends the session.update that every (re)connection
// starts with. Turn detection is explicitly disabled.
func (c *Conn) configureSession(ws *websocket.Conn) error {
	params := SessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             c.cfg.Voice,
		Instructions:      c.cfg.Instructions,
		Tools:             c.cfg.Tools,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: &AudioTranscription{
			Model:    c.cfg.TranscriptionModel,
			Language: c.cfg.TranscriptionLanguage,
		},
		TurnDetection: nil,
	}
	data, err := json.Marshal(sessionUpdateEvent{Type: EventTypeSessionUpdate, Session: params})
	if err != nil {
		return fmt.Errorf("realtime: marshal session.update: %w", err)
	}
	return ws.Write(c.ctx, websocket.MessageText, data)
}

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the link is currently up.
func (c *Conn) Connected() bool { return c.State() == StateConnected }

// Err returns the error that triggered the most recent link loss, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// On registers a handler for the given server event type. Multiple handlers
// per type run in registration order on the read loop goroutine.
func (c *Conn) On(eventType string, h Handler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// Send marshals v and writes it as a text frame. While the link is down the
// frame is queued and flushed in order after reconnection; when the queue
// is full the oldest entry is dropped.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return c.sendRaw(data)
}

func (c *Conn) sendRaw(data []byte) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateConnected || c.ws == nil {
		if len(c.offline) >= offlineQueueCap {
			c.offline = c.offline[1:]
			slog.Warn("offline queue full, dropping oldest event")
		}
		c.offline = append(c.offline, data)
		c.mu.Unlock()
		return nil
	}
	ws := c.ws
	c.mu.Unlock()

	timeout := c.cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	err := ws.Write(ctx, websocket.MessageText, data)
	cancel()
	if err != nil {
		// A stalled socket must not block the audio path; queue the frame
		// for replay and let the read loop notice the dead link.
		if ctx.Err() != nil && c.ctx.Err() == nil {
			slog.Warn("send timed out, queueing event", "timeout", timeout)
			c.mu.Lock()
			if len(c.offline) >= offlineQueueCap {
				c.offline = c.offline[1:]
			}
			c.offline = append(c.offline, data)
			c.mu.Unlock()
			return nil
		}
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// ── Typed senders ──────────────────────────────────────────────────────────────

// AppendAudio streams one raw PCM16 chunk into the input audio buffer.
func (c *Conn) AppendAudio(pcm []byte) error {
	return c.Send(appendAudioEvent{
		Type:  EventTypeInputAudioBufferAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio finalises the buffered input audio as one user turn.
func (c *Conn) CommitAudio() error {
	return c.Send(bareEvent{Type: EventTypeInputAudioBufferCommit})
}

// ClearAudio discards any uncommitted buffered input audio.
func (c *Conn) ClearAudio() error {
	return c.Send(bareEvent{Type: EventTypeInputAudioBufferClear})
}

// CreateResponse asks the model to produce its next response.
func (c *Conn) CreateResponse() error {
	return c.Send(bareEvent{Type: EventTypeResponseCreate})
}

// CancelResponse aborts the in-flight model response.
func (c *Conn) CancelResponse() error {
	return c.Send(bareEvent{Type: EventTypeResponseCancel})
}

// CreateItem inserts a conversation item (text message or tool output).
func (c *Conn) CreateItem(item ConversationItem) error {
	return c.Send(conversationItemCreateEvent{Type: EventTypeConversationItemCreate, Item: item})
}

// SendUserText inserts a user text message into the conversation.
func (c *Conn) SendUserText(text string) error {
	return c.CreateItem(ConversationItem{
		Type:    "message",
		Role:    "user",
		Content: []ContentPart{{Type: "input_text", Text: text}},
	})
}

// SendToolResult returns a tool invocation's output to the model.
func (c *Conn) SendToolResult(callID, output string) error {
	return c.CreateItem(ConversationItem{
		Type:   "function_call_output",
		CallID: callID,
		Output: output,
	})
}

// UpdateSession pushes new session parameters mid-session.
func (c *Conn) UpdateSession(params SessionParams) error {
	return c.Send(sessionUpdateEvent{Type: EventTypeSessionUpdate, Session: params})
}

// ── Read loop and reconnection ─────────────────────────────────────────────────

// readLoop reads frames, dispatches them, and drives reconnection when the
// link drops. It exits only on Close or when a reconnection cycle exhausts
// its attempts.
func (c *Conn) readLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws == nil {
			return
		}

		_, data, err := ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			c.lastErr = err
			closed := c.state == StateClosed
			c.mu.Unlock()
			if closed {
				return
			}
			slog.Warn("realtime link lost", "err", err)
			if !c.reconnect() {
				return
			}
			continue
		}

		evt, err := DecodeServerEvent(data)
		if err != nil {
			slog.Debug("undecodable server frame skipped", "err", err)
			continue
		}
		if c.metrics != nil {
			c.metrics.RealtimeEvents.Add(c.ctx, 1,
				metric.WithAttributes(attribute.String("event_type", evt.Type)))
		}
		c.dispatch(evt)
	}
}

// dispatch runs the handlers registered for the event's type, serially.
func (c *Conn) dispatch(evt *ServerEvent) {
	c.hmu.RLock()
	hs := c.handlers[evt.Type]
	c.hmu.RUnlock()
	for _, h := range hs {
		h(evt)
	}
}

// reconnect re-establishes the link with exponential backoff, reconfigures
// the session, and flushes the offline queue in order before accepting new
// sends. Returns false when the connection was closed meanwhile, or when
// the attempt budget is exhausted; exhaustion moves the connection to
// StateFailed and dispatches a synthetic "error" event so subscribers learn
// the session is dead.
func (c *Conn) reconnect() bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = StateReconnecting
	if c.ws != nil {
		c.ws.Close(websocket.StatusGoingAway, "reconnecting")
		c.ws = nil
	}
	c.mu.Unlock()

	backoff := c.cfg.Backoff
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}

		slog.Info("attempting realtime reconnection",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxReconnectAttempts,
		)
		if c.metrics != nil {
			c.metrics.RealtimeReconnects.Add(c.ctx, 1)
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		ws, err := c.dial(dialCtx)
		cancel()
		if err != nil {
			slog.Warn("realtime reconnection attempt failed", "attempt", attempt, "err", err)
			continue
		}
		if err := c.configureSession(ws); err != nil {
			slog.Warn("realtime session reconfiguration failed", "attempt", attempt, "err", err)
			ws.Close(websocket.StatusInternalError, "session update failed")
			continue
		}

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			ws.Close(websocket.StatusNormalClosure, "closed during reconnect")
			return false
		}
		c.ws = ws

		// The state stays reconnecting while the backlog drains, so sends
		// arriving mid-flush queue behind it instead of jumping ahead.
		flushed := 0
		broken := false
		for len(c.offline) > 0 && !broken {
			queued := c.offline
			c.offline = nil
			c.mu.Unlock()

			n := 0
			for _, data := range queued {
				if err := ws.Write(c.ctx, websocket.MessageText, data); err != nil {
					slog.Warn("offline queue flush interrupted", "err", err)
					broken = true
					break
				}
				n++
			}
			flushed += n

			c.mu.Lock()
			if c.state == StateClosed {
				c.mu.Unlock()
				return false
			}
			if broken {
				// Unwritten frames go back to the head so order survives
				// the next reconnection cycle.
				c.offline = append(append([][]byte{}, queued[n:]...), c.offline...)
			}
		}
		c.state = StateConnected
		c.mu.Unlock()

		slog.Info("realtime reconnection successful", "attempt", attempt, "flushed", flushed)
		return true
	}

	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()
	slog.Error("realtime reconnection failed after max attempts",
		"max_attempts", c.cfg.MaxReconnectAttempts,
	)
	c.dispatch(&ServerEvent{
		Type: EventTypeError,
		Error: &ErrorDetail{
			Type:    "connection_error",
			Code:    ErrorCodeReconnectFailed,
			Message: fmt.Sprintf("reconnection abandoned after %d attempts", c.cfg.MaxReconnectAttempts),
		},
	})
	return false
}

// Close terminates the session and releases all resources. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()

		c.cancel()
		if ws != nil {
			ws.Close(websocket.StatusNormalClosure, "session closed")
		}
		c.wg.Wait()
	})
	return nil
}
