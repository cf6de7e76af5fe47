package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classping/notify/internal/core/domain"
)

type PgAuditRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgAuditRepository(db *pgxpool.Pool, logger *slog.Logger) *PgAuditRepository {
	return &PgAuditRepository{db: db, logger: logger}
}

func (r *PgAuditRepository) Append(ctx context.Context, event *domain.AuditEvent) error {
	query := `
		INSERT INTO audit_events (id, kind, actor_id, entity_kind, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		event.ID, event.Kind, event.ActorID, event.EntityKind, event.EntityID, event.Detail, event.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error appending audit event", "error", err, "kind", event.Kind)
		return err
	}
	return nil
}

func (r *PgAuditRepository) ListRecent(ctx context.Context, limit int) ([]*domain.AuditEvent, error) {
	query := `
		SELECT id, kind, actor_id, entity_kind, entity_id, detail, created_at
		FROM audit_events
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		e := &domain.AuditEvent{}
		if err := rows.Scan(&e.ID, &e.Kind, &e.ActorID, &e.EntityKind, &e.EntityID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
