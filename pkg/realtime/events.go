package realtime

import "encoding/json"

// Client event types sent to the Realtime API.
const (
	EventTypeSessionUpdate = "session.update"

	EventTypeInputAudioBufferAppend = "input_audio_buffer.append"
	EventTypeInputAudioBufferCommit = "input_audio_buffer.commit"
	EventTypeInputAudioBufferClear  = "input_audio_buffer.clear"

	EventTypeConversationItemCreate = "conversation.item.create"

	EventTypeResponseCreate = "response.create"
	EventTypeResponseCancel = "response.cancel"
)

// Server event types received from the Realtime API.
const (
	EventTypeError = "error"

	EventTypeSessionCreated = "session.created"
	EventTypeSessionUpdated = "session.updated"

	EventTypeConversationItemCreated                          = "conversation.item.created"
	EventTypeConversationItemInputAudioTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventTypeConversationItemInputAudioTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"

	EventTypeInputAudioBufferCommitted     = "input_audio_buffer.committed"
	EventTypeInputAudioBufferCleared       = "input_audio_buffer.cleared"
	EventTypeInputAudioBufferSpeechStarted = "input_audio_buffer.speech_started"
	EventTypeInputAudioBufferSpeechStopped = "input_audio_buffer.speech_stopped"

	EventTypeResponseCreated         = "response.created"
	EventTypeResponseDone            = "response.done"
	EventTypeResponseOutputItemAdded = "response.output_item.added"
	EventTypeResponseOutputItemDone  = "response.output_item.done"

	EventTypeResponseTextDelta = "response.text.delta"
	EventTypeResponseTextDone  = "response.text.done"

	EventTypeResponseAudioDelta = "response.audio.delta"
	EventTypeResponseAudioDone  = "response.audio.done"

	EventTypeResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	EventTypeResponseAudioTranscriptDone  = "response.audio_transcript.done"

	EventTypeResponseFunctionCallArgumentsDelta = "response.function_call_arguments.delta"
	EventTypeResponseFunctionCallArgumentsDone  = "response.function_call_arguments.done"

	EventTypeRateLimitsUpdated = "rate_limits.updated"
)

// ── Outgoing message shapes ────────────────────────────────────────────────────

// Tool describes one function the model may invoke.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionParams carries the mutable session configuration for session.update.
type SessionParams struct {
	Modalities        []string `json:"modalities,omitempty"`
	Voice             string   `json:"voice,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	Tools             []Tool   `json:"tools,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format,omitempty"`
	OutputAudioFormat string   `json:"output_audio_format,omitempty"`

	// InputAudioTranscription enables server-side transcription of committed
	// input audio; nil disables it.
	InputAudioTranscription *AudioTranscription `json:"input_audio_transcription,omitempty"`

	// TurnDetection is nil when server-side VAD is disabled; the client then
	// owns commit timing.
	TurnDetection *TurnDetection `json:"turn_detection"`
}

// AudioTranscription selects the model that transcribes committed input
// audio. Transcripts arrive asynchronously as
// conversation.item.input_audio_transcription.completed events.
type AudioTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

type appendAudioEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type bareEvent struct {
	Type string `json:"type"`
}

// ConversationItem is a conversation entry created by the client: a message,
// or a function_call_output returning a tool result.
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

// ContentPart is one content element of a conversation item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type conversationItemCreateEvent struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

// ── Incoming message shapes ────────────────────────────────────────────────────

// ErrorDetail is the nested error object of an "error" server event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// OutputItem describes the item attached to response.output_item events.
type OutputItem struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type,omitempty"`
	Role   string `json:"role,omitempty"`
	Name   string `json:"name,omitempty"`
	CallID string `json:"call_id,omitempty"`
}

// ResponseInfo is the response object attached to response.created and
// response.done events.
type ResponseInfo struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
}

// ServerEvent is the decoded form of every event the server sends. Fields
// are populated according to Type; unused fields are zero.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// response.audio.delta / response.text.delta /
	// response.audio_transcript.delta / response.function_call_arguments.delta
	Delta string `json:"delta,omitempty"`

	// response.text.done
	Text string `json:"text,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// Item/response correlation identifiers.
	ItemID     string `json:"item_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`

	// response.output_item.added / response.output_item.done
	Item *OutputItem `json:"item,omitempty"`

	// response.created / response.done
	Response *ResponseInfo `json:"response,omitempty"`

	// error
	Error *ErrorDetail `json:"error,omitempty"`
}

// DecodeServerEvent parses a raw frame into a ServerEvent.
func DecodeServerEvent(data []byte) (*ServerEvent, error) {
	evt := &ServerEvent{}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, err
	}
	return evt, nil
}
