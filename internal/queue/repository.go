package queue

import (
	"context"
	"errors"

	"github.com/relaysms/triage-gateway/internal/core_domain"
)

var (
	// ErrMessageNotFound is returned by lookups and status updates when no
	// row exists for the given id.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidTransition is returned when a status update would move a
	// message out of a terminal state. The lifecycle is forward-only:
	// pending -> processing -> {resolved|failed}.
	ErrInvalidTransition = errors.New("invalid status transition: message is in a terminal state")
)

// InsertParams carries everything the store needs to persist a triaged
// message. Status always starts at pending; the store assigns the id and
// timestamps.
type InsertParams struct {
	Sender        string
	Content       string
	Priority      core_domain.Priority
	RoutingAction core_domain.RoutingAction
	Timestamp     int64
	Metadata      *string
}

// Filter narrows GetQueue results. Nil fields are ignored; results are
// ordered newest-first. Limit <= 0 means no limit.
type Filter struct {
	Status        *core_domain.MessageStatus
	Priority      *core_domain.Priority
	RoutingAction *core_domain.RoutingAction
	Sender        *string
	Limit         int
	Offset        int
}

// Stats are status bucket counts over all messages ever inserted. There
// are no soft deletes, so Total always equals the sum of the buckets.
type Stats struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Resolved   int64 `json:"resolved"`
	Failed     int64 `json:"failed"`
}

// MessageRepository is the persistent queue: the system of record for
// triage outcomes. Writes are durable as soon as the call returns; a crash
// after Insert never loses a message that was reported as queued.
//
// MarkProcessing/MarkResolved/MarkFailed report ErrMessageNotFound for a
// missing row and ErrInvalidTransition when the row is already terminal.
type MessageRepository interface {
	Insert(ctx context.Context, params InsertParams) (int64, error)
	GetByID(ctx context.Context, id int64) (*core_domain.Message, error)
	GetQueue(ctx context.Context, filter Filter) ([]core_domain.Message, error)
	MarkProcessing(ctx context.Context, id int64) error
	MarkResolved(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (Stats, error)
	Close() error
}
