package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classping/notify/internal/core/domain"
)

const messageColumns = `
	id, category, priority, student_id, guardian_id, sender_id, emergency_id,
	subject, body, state, channel, channel_rank, attempt_count, next_attempt_at,
	idempotency_key, locked, error_code, version, created_at, updated_at,
	sent_at, delivered_at`

type PgMessageRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgMessageRepository(db *pgxpool.Pool, logger *slog.Logger) *PgMessageRepository {
	return &PgMessageRepository{db: db, logger: logger}
}

func rankToStrings(rank []domain.Channel) []string {
	out := make([]string, len(rank))
	for i, ch := range rank {
		out[i] = string(ch)
	}
	return out
}

func rankFromStrings(ss []string) []domain.Channel {
	out := make([]domain.Channel, len(ss))
	for i, s := range ss {
		out[i] = domain.Channel(s)
	}
	return out
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	msg := &domain.Message{}
	var rank []string
	err := row.Scan(
		&msg.ID, &msg.Category, &msg.Priority, &msg.StudentID, &msg.GuardianID, &msg.SenderID, &msg.EmergencyID,
		&msg.Subject, &msg.Body, &msg.State, &msg.Channel, &rank, &msg.AttemptCount, &msg.NextAttemptAt,
		&msg.IdempotencyKey, &msg.Locked, &msg.ErrorCode, &msg.Version, &msg.CreatedAt, &msg.UpdatedAt,
		&msg.SentAt, &msg.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	msg.ChannelRank = rankFromStrings(rank)
	return msg, nil
}

func (r *PgMessageRepository) Create(ctx context.Context, msg *domain.Message) error {
	query := `
		INSERT INTO messages (
			id, category, priority, student_id, guardian_id, sender_id, emergency_id,
			subject, body, state, channel, channel_rank, attempt_count, next_attempt_at,
			idempotency_key, locked, error_code, version, created_at, updated_at,
			sent_at, delivered_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
	`
	_, err := r.db.Exec(ctx, query,
		msg.ID, msg.Category, msg.Priority, msg.StudentID, msg.GuardianID, msg.SenderID, msg.EmergencyID,
		msg.Subject, msg.Body, msg.State, msg.Channel, rankToStrings(msg.ChannelRank), msg.AttemptCount, msg.NextAttemptAt,
		msg.IdempotencyKey, msg.Locked, msg.ErrorCode, msg.Version, msg.CreatedAt, msg.UpdatedAt,
		msg.SentAt, msg.DeliveredAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateIdempotencyKey
		}
		r.logger.ErrorContext(ctx, "Error creating message", "error", err, "message_id", msg.ID)
		return err
	}
	return nil
}

func (r *PgMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	msg, err := scanMessage(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting message by ID", "error", err, "message_id", id)
		return nil, err
	}
	return msg, nil
}

func (r *PgMessageRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE idempotency_key = $1`
	msg, err := scanMessage(r.db.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting message by idempotency key", "error", err)
		return nil, err
	}
	return msg, nil
}

// Update persists the machine-owned fields conditionally on msg.Version.
// Identity, content, and the rank snapshot are immutable after creation.
func (r *PgMessageRepository) Update(ctx context.Context, msg *domain.Message) error {
	query := `
		UPDATE messages
		SET state = $3, channel = $4, attempt_count = $5, next_attempt_at = $6,
		    locked = $7, error_code = $8, sent_at = $9, delivered_at = $10,
		    version = version + 1, updated_at = $11
		WHERE id = $1 AND version = $2
	`
	now := time.Now().UTC()
	tag, err := r.db.Exec(ctx, query,
		msg.ID, msg.Version,
		msg.State, msg.Channel, msg.AttemptCount, msg.NextAttemptAt,
		msg.Locked, msg.ErrorCode, msg.SentAt, msg.DeliveredAt, now,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating message", "error", err, "message_id", msg.ID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.staleOrMissing(ctx, msg.ID)
	}
	msg.Version++
	msg.UpdatedAt = now
	return nil
}

// staleOrMissing distinguishes a lost version race from a missing row.
func (r *PgMessageRepository) staleOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrVersionConflict
}

func (r *PgMessageRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Message, error) {
	query := `
		WITH due_ids AS (
			SELECT id
			FROM messages
			WHERE state = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY CASE priority WHEN 'emergency' THEN 0 WHEN 'high' THEN 1 ELSE 2 END, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE messages m
		SET state = $4, version = m.version + 1, updated_at = $5
		FROM due_ids d
		WHERE m.id = d.id
		RETURNING ` + qualifyMessageColumns("m") + `;
	`
	rows, err := r.db.Query(ctx, query, domain.StateQueued, now, limit, domain.StateSending, time.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error claiming due messages", "error", err)
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			r.logger.ErrorContext(ctx, "Error scanning claimed message row", "error", err)
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, domain.ErrNoDueMessages
	}
	return messages, nil
}

func qualifyMessageColumns(alias string) string {
	return alias + `.id, ` + alias + `.category, ` + alias + `.priority, ` + alias + `.student_id, ` +
		alias + `.guardian_id, ` + alias + `.sender_id, ` + alias + `.emergency_id, ` + alias + `.subject, ` +
		alias + `.body, ` + alias + `.state, ` + alias + `.channel, ` + alias + `.channel_rank, ` +
		alias + `.attempt_count, ` + alias + `.next_attempt_at, ` + alias + `.idempotency_key, ` +
		alias + `.locked, ` + alias + `.error_code, ` + alias + `.version, ` + alias + `.created_at, ` +
		alias + `.updated_at, ` + alias + `.sent_at, ` + alias + `.delivered_at`
}

func (r *PgMessageRepository) FinishAttempt(ctx context.Context, msg *domain.Message, attempt *domain.DeliveryAttempt) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO delivery_attempts (id, message_id, channel, attempt_number, started_at, finished_at, succeeded, error_code, latency_millis)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, attempt.ID, attempt.MessageID, attempt.Channel, attempt.AttemptNumber, attempt.StartedAt, attempt.FinishedAt, attempt.Succeeded, attempt.ErrorCode, attempt.LatencyMillis)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting delivery attempt", "error", err, "message_id", msg.ID)
		return err
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE messages
		SET state = $3, channel = $4, attempt_count = $5, next_attempt_at = $6,
		    locked = $7, error_code = $8, sent_at = $9, delivered_at = $10,
		    version = version + 1, updated_at = $11
		WHERE id = $1 AND version = $2
	`,
		msg.ID, msg.Version,
		msg.State, msg.Channel, msg.AttemptCount, msg.NextAttemptAt,
		msg.Locked, msg.ErrorCode, msg.SentAt, msg.DeliveredAt, now,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error finishing attempt", "error", err, "message_id", msg.ID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.staleOrMissing(ctx, msg.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	msg.Version++
	msg.UpdatedAt = now
	return nil
}

func (r *PgMessageRepository) ListAttempts(ctx context.Context, messageID uuid.UUID) ([]*domain.DeliveryAttempt, error) {
	query := `
		SELECT id, message_id, channel, attempt_number, started_at, finished_at, succeeded, error_code, latency_millis
		FROM delivery_attempts
		WHERE message_id = $1
		ORDER BY attempt_number ASC
	`
	rows, err := r.db.Query(ctx, query, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*domain.DeliveryAttempt
	for rows.Next() {
		a := &domain.DeliveryAttempt{}
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Channel, &a.AttemptNumber, &a.StartedAt, &a.FinishedAt, &a.Succeeded, &a.ErrorCode, &a.LatencyMillis); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r *PgMessageRepository) ListByEmergency(ctx context.Context, emergencyID uuid.UUID) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE emergency_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, emergencyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PgMessageRepository) CancelQueuedByEmergency(ctx context.Context, emergencyID uuid.UUID) (int, error) {
	query := `
		UPDATE messages
		SET state = $2, version = version + 1, updated_at = $3
		WHERE emergency_id = $1 AND state IN ($4, $5)
	`
	tag, err := r.db.Exec(ctx, query, emergencyID, domain.StateCancelled, time.Now().UTC(), domain.StateIdle, domain.StateQueued)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error draining emergency queue", "error", err, "emergency_id", emergencyID)
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// RateSnapshot runs as a single statement so every counter sees the same
// read snapshot.
func (r *PgMessageRepository) RateSnapshot(ctx context.Context, senderID, studentID, guardianID uuid.UUID, w domain.RateWindows) (*domain.RateSnapshot, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM messages WHERE sender_id = $1 AND created_at >= $4 AND state NOT IN ('idle', 'cancelled')),
			(SELECT COUNT(*) FROM messages WHERE sender_id = $1 AND created_at >= $5 AND state NOT IN ('idle', 'cancelled')),
			(SELECT MAX(created_at) FROM messages WHERE sender_id = $1 AND state NOT IN ('idle', 'cancelled')),
			(SELECT COUNT(*) FROM messages WHERE student_id = $2 AND created_at >= $4 AND state IN ('queued', 'sending', 'sent', 'delivered')),
			(SELECT MAX(created_at) FROM messages WHERE sender_id = $1 AND guardian_id = $3),
			(SELECT COUNT(*) FROM messages WHERE sender_id = $1 AND created_at >= $6 AND state NOT IN ('idle', 'cancelled')),
			(SELECT COUNT(*) FROM messages WHERE sender_id = $1 AND created_at >= $7 AND state NOT IN ('idle', 'cancelled'))
	`
	snap := &domain.RateSnapshot{TakenAt: w.Now}
	err := r.db.QueryRow(ctx, query,
		senderID, studentID, guardianID,
		w.Now.Add(-w.Day), w.Now.Add(-w.Week), w.Now.Add(-w.Burst), w.Now.Add(-w.Lookback),
	).Scan(
		&snap.SenderDayCount, &snap.SenderWeekCount, &snap.SenderLastSendAt,
		&snap.RecipientDayCount, &snap.PairLastAt, &snap.BurstCount, &snap.SendCountLookback,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error computing rate snapshot", "error", err, "sender_id", senderID)
		return nil, err
	}
	return snap, nil
}
