package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classping/notify/internal/core/domain"
)

type PgGuardRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgGuardRepository(db *pgxpool.Pool, logger *slog.Logger) *PgGuardRepository {
	return &PgGuardRepository{db: db, logger: logger}
}

func (r *PgGuardRepository) RecordDenial(ctx context.Context, senderID uuid.UUID, code domain.DenialCode, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO send_denials (sender_id, code, denied_at) VALUES ($1, $2, $3)`,
		senderID, code, at,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error recording denial", "error", err, "sender_id", senderID)
		return err
	}
	return nil
}

func (r *PgGuardRepository) CountDenials(ctx context.Context, senderID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM send_denials WHERE sender_id = $1 AND denied_at >= $2`,
		senderID, since,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PgGuardRepository) CreateOverride(ctx context.Context, grant *domain.OverrideGrant) error {
	query := `
		INSERT INTO override_grants (id, sender_id, multiplier, granted_by, reason, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		grant.ID, grant.SenderID, grant.Multiplier, grant.GrantedBy, grant.Reason, grant.ExpiresAt, grant.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating override grant", "error", err, "sender_id", grant.SenderID)
		return err
	}
	return nil
}

func (r *PgGuardRepository) ActiveOverride(ctx context.Context, senderID uuid.UUID, now time.Time) (*domain.OverrideGrant, error) {
	query := `
		SELECT id, sender_id, multiplier, granted_by, reason, expires_at, created_at
		FROM override_grants
		WHERE sender_id = $1 AND expires_at > $2
		ORDER BY expires_at DESC
		LIMIT 1
	`
	grant := &domain.OverrideGrant{}
	err := r.db.QueryRow(ctx, query, senderID, now).Scan(
		&grant.ID, &grant.SenderID, &grant.Multiplier, &grant.GrantedBy, &grant.Reason, &grant.ExpiresAt, &grant.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return grant, nil
}
