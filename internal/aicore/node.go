// Package aicore drives the conversation: it feeds user turns into the
// shared realtime session, assembles and dispatches the model's function
// calls, narrates camera frames through an out-of-band vision completion,
// and keeps the robot expressive with a minimum-gesture policy.
package aicore

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/chatlog"
	"github.com/nevil-robotics/nevil/internal/config"
	"github.com/nevil-robotics/nevil/internal/gesture"
	"github.com/nevil-robotics/nevil/internal/node"
	"github.com/nevil-robotics/nevil/internal/observe"
	"github.com/nevil-robotics/nevil/pkg/realtime"
)

// NodeName is the registered name of the AI core node.
const NodeName = "ai_core"

const (
	// stuckResponseTimeout is how long response_in_progress may stay set
	// before the core assumes the turn died and heals itself.
	stuckResponseTimeout = 30 * time.Second

	// tickInterval paces the main loop's self-heal and snapshot checks.
	tickInterval = 200 * time.Millisecond

	// minGestures is the floor enforced at response.done for non-empty
	// assistant turns.
	minGestures = 3

	// Autonomous snapshot cadence: base interval jittered ±50%, with a
	// hard floor between consecutive snapshots.
	snapshotBase  = 180 * time.Second
	snapshotFloor = 15 * time.Second
)

// Session is the slice of the realtime connection the core drives.
// *realtime.Conn satisfies it; tests substitute a fake.
type Session interface {
	On(eventType string, h realtime.Handler)
	SendUserText(text string) error
	SendToolResult(callID, output string) error
	CreateResponse() error
}

var _ Session = (*realtime.Conn)(nil)

// pendingCall is a function call being assembled from argument deltas.
type pendingCall struct {
	callID string
	name   string
	args   strings.Builder
}

// Core is the AI core node.
type Core struct {
	*node.Runtime

	session  Session
	vision   VisionClient
	injector *gesture.Injector
	log      *chatlog.Logger
	metrics  *observe.Metrics
	rng      *rand.Rand

	mu             sync.Mutex
	inProgress     bool
	inProgressAt   time.Time
	conversationID string
	responseText   strings.Builder
	gestureCalls   int
	calls          map[string]*pendingCall
	awaitingVision bool
	queuedImage    string
	nextSnapshot   time.Time
	lastSnapshot   time.Time
	turnStep       *chatlog.Step
}

// Option is a functional option for New.
type Option func(*Core)

// WithMetrics wires OTel instruments into the core.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Core) { c.metrics = m }
}

// WithChatLog records conversation steps to the given logger.
func WithChatLog(l *chatlog.Logger) Option {
	return func(c *Core) { c.log = l }
}

// WithRand overrides the snapshot-jitter source; tests pass a fixed seed.
func WithRand(src rand.Source) Option {
	return func(c *Core) { c.rng = rand.New(src) }
}

// New assembles the AI core around the shared realtime session. vision may
// be nil, in which case camera frames are dropped with a warning.
func New(desc *config.NodeDescriptor, session Session, vision VisionClient, injector *gesture.Injector, opts ...Option) *Core {
	c := &Core{
		session:  session,
		vision:   vision,
		injector: injector,
		calls:    make(map[string]*pendingCall),
	}
	for _, o := range opts {
		o(c)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	c.Runtime = node.NewRuntime(NodeName, desc, node.Hooks{
		Initialize: c.initialize,
		MainLoop:   c.tick,
	}, runtimeOpts(c.metrics)...)
	c.RegisterCallback("handle_voice_command", c.handleVoiceCommand)
	c.RegisterCallback("handle_visual_data", c.handleVisualData)
	return c
}

func runtimeOpts(m *observe.Metrics) []node.Option {
	if m == nil {
		return nil
	}
	return []node.Option{node.WithMetrics(m)}
}

func (c *Core) initialize(ctx context.Context) error {
	c.session.On(realtime.EventTypeConversationItemInputAudioTranscriptionCompleted, c.onInputTranscription)
	c.session.On(realtime.EventTypeConversationItemInputAudioTranscriptionFailed, c.onInputTranscriptionFailed)
	c.session.On(realtime.EventTypeResponseCreated, c.onResponseCreated)
	c.session.On(realtime.EventTypeResponseOutputItemAdded, c.onOutputItemAdded)
	c.session.On(realtime.EventTypeResponseFunctionCallArgumentsDelta, c.onArgsDelta)
	c.session.On(realtime.EventTypeResponseFunctionCallArgumentsDone, c.onArgsDone)
	c.session.On(realtime.EventTypeResponseTextDelta, c.onTextDelta)
	c.session.On(realtime.EventTypeResponseAudioTranscriptDelta, c.onTextDelta)
	c.session.On(realtime.EventTypeResponseDone, c.onResponseDone)
	c.session.On(realtime.EventTypeError, c.onError)

	c.mu.Lock()
	c.nextSnapshot = time.Now().Add(c.snapshotDelayLocked())
	c.mu.Unlock()
	return nil
}

// ResponseActive reports whether a model response is currently in flight.
// The capture side consults this before issuing response.create itself.
func (c *Core) ResponseActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

// ── Bus callbacks ──────────────────────────────────────────────────────────────

// handleVoiceCommand feeds a transcribed user turn into the session.
func (c *Core) handleVoiceCommand(msg bus.Message) {
	text, _ := msg.Payload["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	convID, _ := msg.Payload["conversation_id"].(string)
	if convID == "" {
		convID = uuid.NewString()
	}

	c.mu.Lock()
	if c.inProgress {
		if time.Since(c.inProgressAt) <= stuckResponseTimeout {
			c.mu.Unlock()
			slog.Warn("dropping voice command, response in progress",
				"conversation_id", convID, "chars", len(text))
			return
		}
		slog.Warn("response stuck, self-healing", "age", time.Since(c.inProgressAt))
		c.clearResponseLocked()
	}
	c.conversationID = convID
	c.mu.Unlock()

	if c.log != nil {
		step := c.log.Step(convID, chatlog.StepRequest).SetInput(text)
		step.End(nil)
	}

	intent := DetectVisionIntent(text)
	if intent != IntentNone {
		c.publishSnapPic("user_request")
	}

	if err := c.session.SendUserText(text); err != nil {
		slog.Error("user turn send failed", "err", err)
		return
	}

	// A "what do you see" turn cannot be answered honestly until the
	// camera description lands; hold the response until then.
	if intent == IntentSee {
		c.mu.Lock()
		c.awaitingVision = true
		c.mu.Unlock()
		slog.Info("response held for vision context", "conversation_id", convID)
		return
	}

	c.startResponse(convID, text)
}

// handleVisualData narrates a camera frame into the conversation. During
// an in-flight response the frame is queued (latest wins) and processed
// once at response.done.
func (c *Core) handleVisualData(msg bus.Message) {
	image, _ := msg.Payload["image_data"].(string)
	if image == "" {
		return
	}

	c.mu.Lock()
	if c.inProgress {
		c.queuedImage = image
		c.mu.Unlock()
		slog.Debug("vision frame queued during response")
		return
	}
	c.mu.Unlock()

	c.processImage(image)
}

// ── Turn lifecycle ─────────────────────────────────────────────────────────────

// startResponse marks the turn in flight and asks the model to respond.
func (c *Core) startResponse(convID, inputText string) {
	c.mu.Lock()
	c.inProgress = true
	c.inProgressAt = time.Now()
	c.responseText.Reset()
	c.gestureCalls = 0
	if c.log != nil {
		c.turnStep = c.log.Step(convID, chatlog.StepGPT).SetInput(inputText)
	}
	c.mu.Unlock()

	c.publishMode("thinking", "user_turn")
	if err := c.session.CreateResponse(); err != nil {
		slog.Error("response.create failed", "err", err)
		c.mu.Lock()
		c.clearResponseLocked()
		c.mu.Unlock()
		c.publishMode("error", "response_create_failed")
	}
}

// clearResponseLocked resets all per-turn state. Caller holds c.mu.
func (c *Core) clearResponseLocked() {
	c.inProgress = false
	c.responseText.Reset()
	c.gestureCalls = 0
	c.calls = make(map[string]*pendingCall)
	if c.turnStep != nil {
		c.turnStep.End(fmt.Errorf("aicore: response abandoned"))
		c.turnStep = nil
	}
}

// ── Realtime event handlers ────────────────────────────────────────────────────

// onInputTranscription records the server-side transcript of a spoken user
// turn. Spoken turns enter the session as committed audio, so this is the
// first time their text is known.
func (c *Core) onInputTranscription(evt *realtime.ServerEvent) {
	text := strings.TrimSpace(evt.Transcript)
	if text == "" {
		return
	}

	c.mu.Lock()
	if c.conversationID == "" {
		c.conversationID = uuid.NewString()
	}
	convID := c.conversationID
	c.mu.Unlock()

	slog.Info("input audio transcribed", "chars", len(text), "conversation_id", convID)
	if c.log != nil {
		c.log.Step(convID, chatlog.StepSTT).SetOutput(text).End(nil)
	}
}

func (c *Core) onInputTranscriptionFailed(evt *realtime.ServerEvent) {
	msg := "unknown"
	if evt.Error != nil {
		msg = evt.Error.Message
	}
	slog.Warn("input audio transcription failed", "item_id", evt.ItemID, "message", msg)

	c.mu.Lock()
	convID := c.conversationID
	c.mu.Unlock()
	if c.log != nil && convID != "" {
		c.log.Step(convID, chatlog.StepSTT).End(fmt.Errorf("aicore: transcription failed: %s", msg))
	}
}

func (c *Core) onResponseCreated(evt *realtime.ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Capture-initiated responses (speech segments) arrive without a
	// local startResponse; adopt them so the pipeline stays serialized.
	if !c.inProgress {
		c.inProgress = true
		c.inProgressAt = time.Now()
		c.responseText.Reset()
		c.gestureCalls = 0
		if c.conversationID == "" {
			c.conversationID = uuid.NewString()
		}
	}
}

func (c *Core) onOutputItemAdded(evt *realtime.ServerEvent) {
	if evt.Item == nil || evt.Item.Type != "function_call" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pc := &pendingCall{callID: evt.Item.CallID, name: evt.Item.Name}
	c.calls[callKey(evt.Item.CallID, evt.Item.ID)] = pc
}

func (c *Core) onArgsDelta(evt *realtime.ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc := c.callLocked(evt)
	pc.args.WriteString(evt.Delta)
}

func (c *Core) onArgsDone(evt *realtime.ServerEvent) {
	c.mu.Lock()
	pc := c.callLocked(evt)
	delete(c.calls, callKey(evt.CallID, evt.ItemID))
	name := pc.name
	if name == "" {
		name = evt.Name
	}
	args := pc.args.String()
	if args == "" {
		args = evt.Arguments
	}
	callID := pc.callID
	if callID == "" {
		callID = evt.CallID
	}
	c.mu.Unlock()

	result := c.dispatchTool(name, args)
	status := "ok"
	if strings.Contains(result, `"status":"error"`) {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordToolCall(context.Background(), name, status)
	}
	slog.Info("tool dispatched", "tool", name, "call_id", callID, "status", status)

	if err := c.session.SendToolResult(callID, result); err != nil {
		slog.Error("tool result send failed", "tool", name, "err", err)
	}
}

// callLocked finds or creates the pending call for an event. Caller holds
// c.mu.
func (c *Core) callLocked(evt *realtime.ServerEvent) *pendingCall {
	key := callKey(evt.CallID, evt.ItemID)
	pc, ok := c.calls[key]
	if !ok {
		pc = &pendingCall{callID: evt.CallID, name: evt.Name}
		c.calls[key] = pc
	}
	return pc
}

func callKey(callID, itemID string) string {
	if callID != "" {
		return callID
	}
	return itemID
}

func (c *Core) onTextDelta(evt *realtime.ServerEvent) {
	if evt.Delta == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseText.WriteString(evt.Delta)
}

// onResponseDone closes out the turn: publish the text, top up gestures,
// and drain any camera frame that arrived mid-response.
func (c *Core) onResponseDone(evt *realtime.ServerEvent) {
	c.mu.Lock()
	text := c.responseText.String()
	gestures := c.gestureCalls
	convID := c.conversationID
	queued := c.queuedImage
	c.queuedImage = ""
	step := c.turnStep
	c.turnStep = nil
	c.inProgress = false
	c.responseText.Reset()
	c.gestureCalls = 0
	c.calls = make(map[string]*pendingCall)
	c.mu.Unlock()

	if step != nil {
		step.SetOutput(text)
		step.End(nil)
	}

	if text != "" {
		err := c.Publish("text_response", map[string]any{
			"text":            text,
			"voice":           "default",
			"priority":        bus.PriorityNormal.String(),
			"timestamp":       time.Now().Unix(),
			"conversation_id": convID,
		}, bus.PriorityNormal)
		if err != nil {
			slog.Warn("text response publish failed", "err", err)
		}
		if c.log != nil {
			c.log.Step(convID, chatlog.StepResponse).SetOutput(text).End(err)
		}
		c.enforceMinGestures(text, gestures)
	}

	c.publishMode("idle", "response_done")

	if queued != "" {
		go c.processImage(queued)
	}
}

// onError interprets server errors. A duplicate-response rejection means a
// response really is running, so the flag stays up; anything else clears
// it so the pipeline can recover.
func (c *Core) onError(evt *realtime.ServerEvent) {
	code := ""
	msg := ""
	if evt.Error != nil {
		code = evt.Error.Code
		msg = evt.Error.Message
	}
	if code == "conversation_already_has_active_response" {
		slog.Warn("response.create raced an active response, waiting for response.done")
		c.mu.Lock()
		c.inProgress = true
		if c.inProgressAt.IsZero() {
			c.inProgressAt = time.Now()
		}
		c.mu.Unlock()
		return
	}

	slog.Error("realtime server error", "code", code, "message", msg)
	c.mu.Lock()
	c.clearResponseLocked()
	c.mu.Unlock()
	c.publishMode("error", code)
}

// ── Gestures and mood ──────────────────────────────────────────────────────────

// enforceMinGestures tops up the turn's gesture count from the pattern
// injector when the model called perform_gesture fewer than minGestures
// times.
func (c *Core) enforceMinGestures(text string, have int) {
	if have >= minGestures {
		return
	}
	actions := c.injector.Inject(text, have)
	if len(actions) == 0 {
		return
	}
	mood := c.injector.Classify(text)

	err := c.Publish("robot_action", map[string]any{
		"actions":     actions,
		"source_text": text,
		"mood":        mood,
		"priority":    bus.PriorityNormal.String(),
		"timestamp":   time.Now().Unix(),
	}, bus.PriorityNormal)
	if err != nil {
		slog.Warn("gesture top-up publish failed", "err", err)
	}

	err = c.Publish("mood_change", map[string]any{
		"mood":      mood,
		"source":    NodeName,
		"context":   "response_done",
		"timestamp": time.Now().Unix(),
	}, bus.PriorityLow)
	if err != nil {
		slog.Warn("mood change publish failed", "err", err)
	}
}

// ── Vision ─────────────────────────────────────────────────────────────────────

// processImage runs the out-of-band vision completion and injects the
// description into the session as marked sensory input.
func (c *Core) processImage(imageB64 string) {
	if c.vision == nil {
		slog.Warn("vision frame dropped, no vision client configured")
		c.resolveVisionHold()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	desc, err := c.vision.Describe(ctx, imageB64)
	if err != nil {
		slog.Error("vision completion failed", "err", err)
		// A held turn must still get an answer, even a blind one.
		c.resolveVisionHold()
		return
	}

	if err := c.session.SendUserText(fmt.Sprintf(visionMarker, desc)); err != nil {
		slog.Error("vision context send failed", "err", err)
		c.resolveVisionHold()
		return
	}
	slog.Info("vision context injected", "chars", len(desc))

	c.mu.Lock()
	held := c.awaitingVision
	c.awaitingVision = false
	busy := c.inProgress
	convID := c.conversationID
	c.mu.Unlock()

	if held || !busy {
		c.startResponse(convID, desc)
	}
}

// resolveVisionHold releases a turn that was waiting on vision context so
// the model answers from conversation alone.
func (c *Core) resolveVisionHold() {
	c.mu.Lock()
	held := c.awaitingVision
	c.awaitingVision = false
	convID := c.conversationID
	c.mu.Unlock()
	if held {
		c.startResponse(convID, "")
	}
}

// publishSnapPic asks the camera collaborator for a frame.
func (c *Core) publishSnapPic(trigger string) {
	err := c.Publish("snap_pic", map[string]any{
		"requested_by": NodeName,
		"timestamp":    time.Now().Unix(),
		"trigger":      trigger,
	}, bus.PriorityNormal)
	if err != nil {
		slog.Warn("snapshot request publish failed", "err", err)
	}
}

func (c *Core) publishMode(mode, reason string) {
	err := c.Publish("system_mode", map[string]any{
		"mode":      mode,
		"reason":    reason,
		"timestamp": time.Now().Unix(),
	}, bus.PriorityNormal)
	if err != nil {
		slog.Warn("system mode publish failed", "err", err)
	}
}

// ── Main loop ──────────────────────────────────────────────────────────────────

// tick runs the periodic housekeeping: stuck-response self-heal and
// autonomous snapshot scheduling.
func (c *Core) tick(ctx context.Context) error {
	now := time.Now()

	c.mu.Lock()
	stuck := c.inProgress && now.Sub(c.inProgressAt) > stuckResponseTimeout
	if stuck {
		age := now.Sub(c.inProgressAt)
		c.clearResponseLocked()
		c.mu.Unlock()
		slog.Warn("response stuck, self-healing", "age", age)
		c.publishMode("idle", "self_heal")
		c.mu.Lock()
	}

	snapshotDue := !c.inProgress &&
		!c.nextSnapshot.IsZero() && now.After(c.nextSnapshot) &&
		now.Sub(c.lastSnapshot) >= snapshotFloor
	if snapshotDue {
		c.lastSnapshot = now
		c.nextSnapshot = now.Add(c.snapshotDelayLocked())
	}
	c.mu.Unlock()

	if snapshotDue {
		c.publishSnapPic("autonomous_random")
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(tickInterval):
		return nil
	}
}

// snapshotDelayLocked returns the next randomized snapshot delay, base
// ±50% and never below the hard floor. Caller holds c.mu.
func (c *Core) snapshotDelayLocked() time.Duration {
	half := snapshotBase / 2
	d := half + time.Duration(c.rng.Int63n(int64(snapshotBase)))
	if d < snapshotFloor {
		d = snapshotFloor
	}
	return d
}
