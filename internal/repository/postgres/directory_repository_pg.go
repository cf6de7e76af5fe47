package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classping/notify/internal/core/domain"
)

type PgDirectoryRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgDirectoryRepository(db *pgxpool.Pool, logger *slog.Logger) *PgDirectoryRepository {
	return &PgDirectoryRepository{db: db, logger: logger}
}

func (r *PgDirectoryRepository) GetGuardian(ctx context.Context, id uuid.UUID) (*domain.Guardian, error) {
	g := &domain.Guardian{}
	err := r.db.QueryRow(ctx, `SELECT id, full_name FROM guardians WHERE id = $1`, id).Scan(&g.ID, &g.FullName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting guardian", "error", err, "guardian_id", id)
		return nil, err
	}
	return g, nil
}

func scanLinks(rows pgx.Rows) ([]domain.GuardianLink, error) {
	defer rows.Close()
	var links []domain.GuardianLink
	for rows.Next() {
		var l domain.GuardianLink
		if err := rows.Scan(
			&l.GuardianID, &l.StudentID, &l.Primary, &l.EligibleForEmergency,
			&l.Addresses.PushToken, &l.Addresses.PhoneNumber, &l.Addresses.Email,
		); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (r *PgDirectoryRepository) ListLinksByStudent(ctx context.Context, studentID uuid.UUID) ([]domain.GuardianLink, error) {
	query := `
		SELECT guardian_id, student_id, is_primary, eligible_for_emergency,
		       COALESCE(push_token, ''), COALESCE(phone_number, ''), COALESCE(email, '')
		FROM guardian_links
		WHERE student_id = $1
		ORDER BY is_primary DESC, guardian_id
	`
	rows, err := r.db.Query(ctx, query, studentID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing guardian links", "error", err, "student_id", studentID)
		return nil, err
	}
	return scanLinks(rows)
}

func (r *PgDirectoryRepository) ListEmergencyEligible(ctx context.Context, studentIDs []uuid.UUID) ([]domain.GuardianLink, error) {
	// DISTINCT ON keeps one link per guardian when several affected students
	// share them.
	query := `
		SELECT DISTINCT ON (guardian_id)
		       guardian_id, student_id, is_primary, eligible_for_emergency,
		       COALESCE(push_token, ''), COALESCE(phone_number, ''), COALESCE(email, '')
		FROM guardian_links
		WHERE eligible_for_emergency
		  AND (cardinality($1::uuid[]) = 0 OR student_id = ANY($1::uuid[]))
		ORDER BY guardian_id, is_primary DESC
	`
	rows, err := r.db.Query(ctx, query, uuidStrings(studentIDs))
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing emergency-eligible links", "error", err)
		return nil, err
	}
	return scanLinks(rows)
}
