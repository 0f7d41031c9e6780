package core_domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Priority classifies how quickly a triaged message should be acted on.
// It is fixed at insertion time and never changes afterwards.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Value implements the driver.Valuer interface for Priority.
func (p Priority) Value() (driver.Value, error) {
	return string(p), nil
}

// Scan implements the sql.Scanner interface for Priority.
func (p *Priority) Scan(value interface{}) error {
	strVal, err := scanString(value)
	if err != nil {
		return fmt.Errorf("failed to scan Priority: %w", err)
	}
	*p = Priority(strVal)
	switch *p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return nil
	default:
		return fmt.Errorf("unknown Priority value: %s", strVal)
	}
}

// MessageStatus tracks a message through its lifecycle. Transitions are
// forward-only: pending -> processing -> {resolved|failed}, with the
// direct pending -> resolved/failed shortcut permitted (e.g. the ignore
// action resolves immediately without a processing phase).
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusResolved   MessageStatus = "resolved"
	StatusFailed     MessageStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s MessageStatus) Terminal() bool {
	return s == StatusResolved || s == StatusFailed
}

// Value implements the driver.Valuer interface for MessageStatus.
func (s MessageStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements the sql.Scanner interface for MessageStatus.
func (s *MessageStatus) Scan(value interface{}) error {
	strVal, err := scanString(value)
	if err != nil {
		return fmt.Errorf("failed to scan MessageStatus: %w", err)
	}
	*s = MessageStatus(strVal)
	switch *s {
	case StatusPending, StatusProcessing, StatusResolved, StatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown MessageStatus value: %s", strVal)
	}
}

// RoutingAction is the side effect the routing engine selected for a
// message. Like Priority it is fixed at insertion time.
type RoutingAction string

const (
	ActionNotify      RoutingAction = "notify"
	ActionQueue       RoutingAction = "queue"
	ActionAutoRespond RoutingAction = "auto-respond"
	ActionIgnore      RoutingAction = "ignore"
)

// Value implements the driver.Valuer interface for RoutingAction.
func (a RoutingAction) Value() (driver.Value, error) {
	return string(a), nil
}

// Scan implements the sql.Scanner interface for RoutingAction.
func (a *RoutingAction) Scan(value interface{}) error {
	strVal, err := scanString(value)
	if err != nil {
		return fmt.Errorf("failed to scan RoutingAction: %w", err)
	}
	*a = RoutingAction(strVal)
	switch *a {
	case ActionNotify, ActionQueue, ActionAutoRespond, ActionIgnore:
		return nil
	default:
		return fmt.Errorf("unknown RoutingAction value: %s", strVal)
	}
}

func scanString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("value is not string or []byte, it is %T", value)
	}
}

// Channel identifies which inbound adapter normalized a message.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelOther Channel = "other"
)

// Message is a triaged message as persisted by the queue. The queue owns
// the ID and the created/updated timestamps; metadata is an opaque
// side-channel (channel, provider identifiers, correlation SIDs) that the
// store never interprets.
type Message struct {
	ID            int64         `json:"id"`
	Sender        string        `json:"sender"`
	Content       string        `json:"content"`
	Priority      Priority      `json:"priority"`
	Status        MessageStatus `json:"status"`
	Timestamp     int64         `json:"timestamp"`
	RoutingAction RoutingAction `json:"routing_action"`
	Metadata      *string       `json:"metadata,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NormalizedMessage is what the (out-of-scope) inbound adapter layer hands
// to the triage core: provider-specific payloads already reduced to a
// canonical shape.
type NormalizedMessage struct {
	Sender    string            `json:"sender"`
	Content   string            `json:"content"`
	Channel   Channel           `json:"channel"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
