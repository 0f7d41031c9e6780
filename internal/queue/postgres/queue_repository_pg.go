package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaysms/triage-gateway/internal/core_domain"
	"github.com/relaysms/triage-gateway/internal/queue"
)

const messageColumns = `id, sender, content, priority, status, timestamp, routing_action, metadata, created_at, updated_at`

// Repository is the PostgreSQL-backed persistent queue, for deployments
// that already run the rest of the platform against Postgres.
type Repository struct {
	db *pgxpool.Pool
}

// New wraps an existing connection pool. The messages table is expected to
// exist (migrations are managed alongside the other platform schemas).
func New(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Close releases the pool.
func (r *Repository) Close() error {
	r.db.Close()
	return nil
}

// Insert durably persists a message with status pending and returns the
// assigned id.
func (r *Repository) Insert(ctx context.Context, params queue.InsertParams) (int64, error) {
	now := time.Now().UTC()
	ts := params.Timestamp
	if ts == 0 {
		ts = now.Unix()
	}

	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO messages (sender, content, priority, status, timestamp, routing_action, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		params.Sender, params.Content, params.Priority, core_domain.StatusPending,
		ts, params.RoutingAction, params.Metadata, now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	return id, nil
}

// GetByID returns a single message or ErrMessageNotFound.
func (r *Repository) GetByID(ctx context.Context, id int64) (*core_domain.Message, error) {
	var msg core_domain.Message
	err := r.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id).Scan(
		&msg.ID, &msg.Sender, &msg.Content, &msg.Priority, &msg.Status,
		&msg.Timestamp, &msg.RoutingAction, &msg.Metadata, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// GetQueue returns messages matching the filter, newest first.
func (r *Repository) GetQueue(ctx context.Context, filter queue.Filter) ([]core_domain.Message, error) {
	var conds []string
	var args []interface{}

	addCond := func(col string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if filter.Status != nil {
		addCond("status", *filter.Status)
	}
	if filter.Priority != nil {
		addCond("priority", *filter.Priority)
	}
	if filter.RoutingAction != nil {
		addCond("routing_action", *filter.RoutingAction)
	}
	if filter.Sender != nil {
		addCond("sender", *filter.Sender)
	}

	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]core_domain.Message, 0)
	for rows.Next() {
		var msg core_domain.Message
		err := rows.Scan(
			&msg.ID, &msg.Sender, &msg.Content, &msg.Priority, &msg.Status,
			&msg.Timestamp, &msg.RoutingAction, &msg.Metadata, &msg.CreatedAt, &msg.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkProcessing transitions a message to processing.
func (r *Repository) MarkProcessing(ctx context.Context, id int64) error {
	return r.updateStatus(ctx, id, core_domain.StatusProcessing)
}

// MarkResolved transitions a message to resolved.
func (r *Repository) MarkResolved(ctx context.Context, id int64) error {
	return r.updateStatus(ctx, id, core_domain.StatusResolved)
}

// MarkFailed transitions a message to failed.
func (r *Repository) MarkFailed(ctx context.Context, id int64) error {
	return r.updateStatus(ctx, id, core_domain.StatusFailed)
}

func (r *Repository) updateStatus(ctx context.Context, id int64, status core_domain.MessageStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages SET status = $2, updated_at = $3
		WHERE id = $1 AND status NOT IN ($4, $5)`,
		id, status, time.Now().UTC(), core_domain.StatusResolved, core_domain.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := r.db.QueryRow(ctx, `SELECT 1 FROM messages WHERE id = $1`, id).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		return queue.ErrInvalidTransition
	}
	return nil
}

// GetStats returns status bucket counts.
func (r *Repository) GetStats(ctx context.Context) (queue.Stats, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var stats queue.Stats
	for rows.Next() {
		var status core_domain.MessageStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return queue.Stats{}, err
		}
		switch status {
		case core_domain.StatusPending:
			stats.Pending = count
		case core_domain.StatusProcessing:
			stats.Processing = count
		case core_domain.StatusResolved:
			stats.Resolved = count
		case core_domain.StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return queue.Stats{}, err
	}
	return stats, nil
}
