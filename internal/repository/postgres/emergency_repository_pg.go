package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classping/notify/internal/core/domain"
)

const emergencyColumns = `
	id, type, severity, state, title, body, student_ids, initiator_id,
	escalation_level, recipients_total, sent_count, delivered_count,
	acked_count, pending_acks, version, initiated_at, broadcast_at,
	resolved_at, updated_at`

type PgEmergencyRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgEmergencyRepository(db *pgxpool.Pool, logger *slog.Logger) *PgEmergencyRepository {
	return &PgEmergencyRepository{db: db, logger: logger}
}

func scanEmergency(row pgx.Row) (*domain.Emergency, error) {
	e := &domain.Emergency{}
	var studentIDs []byte
	err := row.Scan(
		&e.ID, &e.Type, &e.Severity, &e.State, &e.Title, &e.Body, &studentIDs, &e.InitiatorID,
		&e.EscalationLevel, &e.RecipientsTotal, &e.SentCount, &e.DeliveredCount,
		&e.AckedCount, &e.PendingAcks, &e.Version, &e.InitiatedAt, &e.BroadcastAt,
		&e.ResolvedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(studentIDs) > 0 {
		if err := json.Unmarshal(studentIDs, &e.StudentIDs); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (r *PgEmergencyRepository) Create(ctx context.Context, e *domain.Emergency) error {
	studentIDs, err := json.Marshal(e.StudentIDs)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO emergencies (
			id, type, severity, state, title, body, student_ids, initiator_id,
			escalation_level, recipients_total, sent_count, delivered_count,
			acked_count, pending_acks, version, initiated_at, broadcast_at,
			resolved_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19
		)
	`
	_, err = r.db.Exec(ctx, query,
		e.ID, e.Type, e.Severity, e.State, e.Title, e.Body, studentIDs, e.InitiatorID,
		e.EscalationLevel, e.RecipientsTotal, e.SentCount, e.DeliveredCount,
		e.AckedCount, e.PendingAcks, e.Version, e.InitiatedAt, e.BroadcastAt,
		e.ResolvedAt, e.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating emergency", "error", err, "emergency_id", e.ID)
		return err
	}
	return nil
}

func (r *PgEmergencyRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Emergency, error) {
	query := `SELECT ` + emergencyColumns + ` FROM emergencies WHERE id = $1`
	e, err := scanEmergency(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting emergency by ID", "error", err, "emergency_id", id)
		return nil, err
	}
	return e, nil
}

// Update persists engine-owned fields conditionally on e.Version. Identity,
// scope, and initiation metadata are immutable after creation.
func (r *PgEmergencyRepository) Update(ctx context.Context, e *domain.Emergency) error {
	query := `
		UPDATE emergencies
		SET state = $3, escalation_level = $4, recipients_total = $5, sent_count = $6,
		    delivered_count = $7, acked_count = $8, pending_acks = $9,
		    broadcast_at = $10, resolved_at = $11, version = version + 1, updated_at = $12
		WHERE id = $1 AND version = $2
	`
	now := time.Now().UTC()
	tag, err := r.db.Exec(ctx, query,
		e.ID, e.Version,
		e.State, e.EscalationLevel, e.RecipientsTotal, e.SentCount,
		e.DeliveredCount, e.AckedCount, e.PendingAcks,
		e.BroadcastAt, e.ResolvedAt, now,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating emergency", "error", err, "emergency_id", e.ID)
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM emergencies WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrVersionConflict
	}
	e.Version++
	e.UpdatedAt = now
	return nil
}

func (r *PgEmergencyRepository) ListActive(ctx context.Context) ([]*domain.Emergency, error) {
	query := `SELECT ` + emergencyColumns + ` FROM emergencies WHERE state IN ($1, $2) ORDER BY initiated_at ASC`
	rows, err := r.db.Query(ctx, query, domain.EmergencyBroadcasting, domain.EmergencyEscalating)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Emergency
	for rows.Next() {
		e, err := scanEmergency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordAck ignores a second acknowledgment from the same guardian; counts
// must move exactly once per guardian.
func (r *PgEmergencyRepository) RecordAck(ctx context.Context, ack *domain.Acknowledgment) (bool, error) {
	query := `
		INSERT INTO acknowledgments (id, emergency_id, guardian_id, channel, method, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (emergency_id, guardian_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, ack.ID, ack.EmergencyID, ack.GuardianID, ack.Channel, ack.Method, ack.ReceivedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error recording acknowledgment", "error", err, "emergency_id", ack.EmergencyID)
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgEmergencyRepository) ListAcks(ctx context.Context, emergencyID uuid.UUID) ([]*domain.Acknowledgment, error) {
	query := `
		SELECT id, emergency_id, guardian_id, channel, method, received_at
		FROM acknowledgments
		WHERE emergency_id = $1
		ORDER BY received_at ASC
	`
	rows, err := r.db.Query(ctx, query, emergencyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var acks []*domain.Acknowledgment
	for rows.Next() {
		a := &domain.Acknowledgment{}
		if err := rows.Scan(&a.ID, &a.EmergencyID, &a.GuardianID, &a.Channel, &a.Method, &a.ReceivedAt); err != nil {
			return nil, err
		}
		acks = append(acks, a)
	}
	return acks, rows.Err()
}

func (r *PgEmergencyRepository) ListAckedGuardians(ctx context.Context, emergencyID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT guardian_id FROM acknowledgments WHERE emergency_id = $1`, emergencyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
