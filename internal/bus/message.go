package bus

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders messages by importance. The bus itself delivers in FIFO
// order regardless of priority; priority is carried for consumers that want
// to shed load.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Message is the unit of delivery on the bus. Payload is an opaque map owned
// by the publisher; subscribers must treat it as read-only.
type Message struct {
	// Topic is the destination topic name.
	Topic string

	// Payload carries the message body. Keys are topic-specific.
	Payload map[string]any

	// Source is the publishing node's name.
	Source string

	// ID uniquely identifies this message.
	ID string

	// Priority is the publisher-declared importance.
	Priority Priority

	// Timestamp is the wall-clock publish time. Monotonic ordering within a
	// (publisher, subscriber) pair is guaranteed by the bus, not by this field.
	Timestamp time.Time
}

// NewMessage creates a Message with a fresh ID and the current time.
func NewMessage(topic, source string, payload map[string]any, priority Priority) Message {
	return Message{
		Topic:     topic,
		Payload:   payload,
		Source:    source,
		ID:        uuid.NewString(),
		Priority:  priority,
		Timestamp: time.Now(),
	}
}
