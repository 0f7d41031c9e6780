package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relaysms/triage-gateway/internal/core_domain"
	"github.com/relaysms/triage-gateway/internal/queue"
)

const messageColumns = `id, sender, content, priority, status, timestamp, routing_action, metadata, created_at, updated_at`

// Repository is the SQLite-backed persistent queue. The database runs in
// WAL journal mode so concurrent readers do not block the single writer,
// and every write is committed before the call returns.
type Repository struct {
	db *sql.DB
}

// New opens (creating if needed) the SQLite database at dbPath and ensures
// the schema exists.
func New(ctx context.Context, dbPath string) (*Repository, error) {
	if dbPath == "" {
		dbPath = "./data/triage.db"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	repo := &Repository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *Repository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL CHECK (priority IN ('urgent', 'high', 'normal', 'low')),
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'resolved', 'failed')),
		timestamp INTEGER NOT NULL,
		routing_action TEXT NOT NULL CHECK (routing_action IN ('notify', 'queue', 'auto-respond', 'ignore')),
		metadata TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
	CREATE INDEX IF NOT EXISTS idx_messages_priority ON messages(priority);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);
	`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Insert durably persists a message with status pending and returns the
// assigned id.
func (r *Repository) Insert(ctx context.Context, params queue.InsertParams) (int64, error) {
	now := time.Now().UTC()
	ts := params.Timestamp
	if ts == 0 {
		ts = now.Unix()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (sender, content, priority, status, timestamp, routing_action, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		params.Sender, params.Content, params.Priority, core_domain.StatusPending,
		ts, params.RoutingAction, params.Metadata, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted message id: %w", err)
	}
	return id, nil
}

// GetByID returns a single message or ErrMessageNotFound.
func (r *Repository) GetByID(ctx context.Context, id int64) (*core_domain.Message, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

// GetQueue returns messages matching the filter, newest first. An empty
// result is a non-nil empty slice.
func (r *Repository) GetQueue(ctx context.Context, filter queue.Filter) ([]core_domain.Message, error) {
	var conds []string
	var args []interface{}

	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Priority != nil {
		conds = append(conds, "priority = ?")
		args = append(args, *filter.Priority)
	}
	if filter.RoutingAction != nil {
		conds = append(conds, "routing_action = ?")
		args = append(args, *filter.RoutingAction)
	}
	if filter.Sender != nil {
		conds = append(conds, "sender = ?")
		args = append(args, *filter.Sender)
	}

	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]core_domain.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
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

// updateStatus applies a guarded status change. The guard keeps the
// lifecycle forward-only: a row already in a terminal state is never
// touched, and the caller learns which invariant stopped the update.
func (r *Repository) updateStatus(ctx context.Context, id int64, status core_domain.MessageStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		status, time.Now().UTC(), id, core_domain.StatusResolved, core_domain.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		return queue.ErrInvalidTransition
	}
	return nil
}

// GetStats returns status bucket counts. Total is derived from the same
// grouped query, so it always equals the sum of the buckets.
func (r *Repository) GetStats(ctx context.Context) (queue.Stats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*core_domain.Message, error) {
	var msg core_domain.Message
	err := row.Scan(
		&msg.ID, &msg.Sender, &msg.Content, &msg.Priority, &msg.Status,
		&msg.Timestamp, &msg.RoutingAction, &msg.Metadata, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
