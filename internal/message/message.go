// Package message defines the canonical envelope carried by the bus,
// together with the two enums attached to it: Mode (delivery directive)
// and Kind (content category). Everything that moves between agents is
// one of these envelopes.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mode is the delivery directive for a message.
type Mode string

const (
	ModeDirect    Mode = "direct"    // point-to-point delivery to one recipient
	ModeBroadcast Mode = "broadcast" // delivered to a recipient pattern
	ModeTask      Mode = "task"      // task dispatch from the scheduler
	ModeSystem    Mode = "system"    // lifecycle and agent events
)

// Kind is the content category of a message. It is advisory for
// consumers; routing never keys on it.
type Kind string

const (
	KindText    Kind = "text"
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
)

// Priority orders messages within a mailbox and seeds task scoring.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// BaseScore returns the scheduler's base score for this tier.
func (p Priority) BaseScore() float64 {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityLow:
		return 25
	default:
		return 50
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityLow:
		return "LOW"
	default:
		return "NORMAL"
	}
}

// ParsePriority maps a tier name back to its Priority. Unknown names
// resolve to PriorityNormal.
func ParsePriority(name string) Priority {
	switch name {
	case "CRITICAL":
		return PriorityCritical
	case "HIGH":
		return PriorityHigh
	case "LOW":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Status tracks a message through delivery.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// statusNext is the forward-only transition table. Terminal states have
// no successors.
var statusNext = map[Status]map[Status]struct{}{
	StatusQueued: {
		StatusProcessing: {},
		StatusFailed:     {},
	},
	StatusProcessing: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
}

// ErrValidation is the sentinel wrapped by all envelope validation
// failures.
var ErrValidation = errors.New("message validation failed")

// ErrInvalidTransition is returned when a status update would leave a
// terminal state or skip the delivery order.
var ErrInvalidTransition = errors.New("invalid message status transition")

// Message is the envelope carried through the bus, the mailbox and the
// history. The ID is assigned at construction and never changes.
type Message struct {
	ID        string            `json:"id"`
	Sender    string            `json:"sender"`
	Recipient string            `json:"recipient"`
	Content   string            `json:"content"`
	Mode      Mode              `json:"mode"`
	Kind      Kind              `json:"kind"`
	Priority  Priority          `json:"priority"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Status    Status            `json:"status"`
}

// New constructs a queued message with a fresh UUID and the current
// time. The caller still has to Validate before handing it to the bus.
func New(sender, recipient, content string, mode Mode, kind Kind, priority Priority, metadata map[string]string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Mode:      mode,
		Kind:      kind,
		Priority:  priority,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
		Status:    StatusQueued,
	}
}

// Validate reports whether the envelope satisfies the invariants the
// mailbox and history rely on: non-empty id, sender, recipient, content.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrValidation)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: empty id", ErrValidation)
	}
	if m.Sender == "" {
		return fmt.Errorf("%w: empty sender", ErrValidation)
	}
	if m.Recipient == "" {
		return fmt.Errorf("%w: empty recipient", ErrValidation)
	}
	if m.Content == "" {
		return fmt.Errorf("%w: empty content", ErrValidation)
	}
	return nil
}

// Transition advances Status, rejecting anything the forward-only table
// does not allow.
func (m *Message) Transition(next Status) error {
	allowed, ok := statusNext[m.Status]
	if !ok {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, m.Status)
	}
	if _, ok := allowed[next]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, next)
	}
	m.Status = next
	return nil
}

// Clone returns a deep copy. The mailbox and history each hold their own
// copy so a consumer mutating one cannot corrupt the other.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
