// Package offline buffers send requests in a local SQLite file while the
// upstream path (database, broker, network) is down, and replays them
// through the standard policy gates once connectivity returns.
package offline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/classping/notify/internal/core/domain"

	_ "modernc.org/sqlite"
)

// Spool is the durable buffer. Replay order is priority first (emergency
// before high before normal), FIFO within a priority.
type Spool struct {
	db     *sql.DB
	logger *slog.Logger
	clock  func() time.Time
}

// Open opens (or creates) the spool file and runs the migration.
func Open(path string, logger *slog.Logger) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening spool at %s: %w", path, err)
	}
	// Single connection: SQLite allows one writer and the spool is tiny.
	db.SetMaxOpenConns(1)
	return NewSpool(db, logger)
}

// NewSpool wraps an existing database handle; tests hand in ":memory:".
func NewSpool(db *sql.DB, logger *slog.Logger) (*Spool, error) {
	s := &Spool{
		db:     db,
		logger: logger.With("service", "offline_spool"),
		clock:  time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic tests.
func (s *Spool) WithClock(clock func() time.Time) *Spool {
	s.clock = clock
	return s
}

func (s *Spool) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS spool (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		idempotency_key TEXT NOT NULL UNIQUE,
		priority TEXT NOT NULL,
		priority_weight INTEGER NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		replay_attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		enqueued_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_spool_replay_order ON spool (priority_weight DESC, id ASC);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrating spool schema: %w", err)
	}
	return nil
}

func (s *Spool) Close() error { return s.db.Close() }

// Enqueue buffers one item. Re-enqueueing an idempotency key already in the
// spool returns domain.ErrDuplicateIdempotencyKey and leaves the stored row
// untouched.
func (s *Spool) Enqueue(ctx context.Context, item *domain.OfflineItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = s.clock().UTC()
	}
	query := `INSERT OR IGNORE INTO spool
		(idempotency_key, priority, priority_weight, device_id, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		item.IdempotencyKey,
		string(item.Priority),
		item.Priority.Weight(),
		item.DeviceID,
		string(item.Payload),
		item.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("spooling item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("spooling item: %w", err)
	}
	if affected == 0 {
		return domain.ErrDuplicateIdempotencyKey
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("spooling item: %w", err)
	}
	item.ID = id

	spooledCounter.Inc()
	s.logger.InfoContext(ctx, "Send request spooled",
		"spool_id", id, "idempotency_key", item.IdempotencyKey, "priority", string(item.Priority))
	return nil
}

// NextBatch returns up to limit items in replay order without removing them.
func (s *Spool) NextBatch(ctx context.Context, limit int) ([]*domain.OfflineItem, error) {
	query := `
		SELECT id, idempotency_key, priority, device_id, payload, replay_attempts, last_error, enqueued_at
		FROM spool
		ORDER BY priority_weight DESC, id ASC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("reading spool batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*domain.OfflineItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading spool batch: %w", err)
	}
	return items, nil
}

// MarkReplayed removes one item after its submission was confirmed, or after
// the upstream gave a definitive answer for it.
func (s *Spool) MarkReplayed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM spool WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("removing replayed spool item %d: %w", id, err)
	}
	return nil
}

// MarkFailed counts one failed replay and keeps the item for the next cycle.
// Returns the new attempt count so the caller can enforce the replay budget.
func (s *Spool) MarkFailed(ctx context.Context, id int64, cause string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE spool SET replay_attempts = replay_attempts + 1, last_error = ? WHERE id = ?`, cause, id)
	if err != nil {
		return 0, fmt.Errorf("recording failed replay for spool item %d: %w", id, err)
	}
	var attempts int
	err = s.db.QueryRowContext(ctx, `SELECT replay_attempts FROM spool WHERE id = ?`, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("reading replay attempts for spool item %d: %w", id, err)
	}
	return attempts, nil
}

// Drop removes one item whose replay budget ran out. The loss is deliberate
// and loud; silent drops are how parents miss messages.
func (s *Spool) Drop(ctx context.Context, item *domain.OfflineItem) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM spool WHERE id = ?`, item.ID)
	if err != nil {
		return fmt.Errorf("dropping spool item %d: %w", item.ID, err)
	}
	droppedCounter.Inc()
	s.logger.ErrorContext(ctx, "Spooled send dropped after exhausting its replay budget",
		"spool_id", item.ID, "idempotency_key", item.IdempotencyKey,
		"priority", string(item.Priority), "replay_attempts", item.ReplayAttempts,
		"enqueued_at", item.EnqueuedAt)
	return nil
}

// Count returns the number of buffered items.
func (s *Spool) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spool`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting spool items: %w", err)
	}
	return n, nil
}

func scanItem(rows *sql.Rows) (*domain.OfflineItem, error) {
	var (
		item       domain.OfflineItem
		priority   string
		payload    string
		lastError  sql.NullString
		enqueuedAt string
	)
	if err := rows.Scan(&item.ID, &item.IdempotencyKey, &priority, &item.DeviceID,
		&payload, &item.ReplayAttempts, &lastError, &enqueuedAt); err != nil {
		return nil, fmt.Errorf("scanning spool row: %w", err)
	}
	item.Priority = domain.MessagePriority(priority)
	item.Payload = []byte(payload)
	if lastError.Valid {
		item.LastError = &lastError.String
	}
	t, err := time.Parse(time.RFC3339Nano, enqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing spool timestamp %q: %w", enqueuedAt, err)
	}
	item.EnqueuedAt = t
	return &item, nil
}
