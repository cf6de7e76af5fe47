package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classping/notify/internal/core/domain"
)

type PgPreferenceRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgPreferenceRepository(db *pgxpool.Pool, logger *slog.Logger) *PgPreferenceRepository {
	return &PgPreferenceRepository{db: db, logger: logger}
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// GetPreferences returns one preference per requested guardian. Guardians
// without a stored row come back with empty consents and no opt-outs, so the
// resolver always sees the full guardian set.
func (r *PgPreferenceRepository) GetPreferences(ctx context.Context, guardianIDs []uuid.UUID) ([]domain.GuardianPreference, error) {
	if len(guardianIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT guardian_id, is_primary, consents, opt_outs
		FROM guardian_preferences
		WHERE guardian_id = ANY($1::uuid[])
	`
	rows, err := r.db.Query(ctx, query, uuidStrings(guardianIDs))
	if err != nil {
		r.logger.ErrorContext(ctx, "Error loading guardian preferences", "error", err)
		return nil, err
	}
	defer rows.Close()

	found := make(map[uuid.UUID]domain.GuardianPreference, len(guardianIDs))
	for rows.Next() {
		var pref domain.GuardianPreference
		var consents, optOuts []byte
		if err := rows.Scan(&pref.GuardianID, &pref.Primary, &consents, &optOuts); err != nil {
			return nil, err
		}
		if len(consents) > 0 {
			if err := json.Unmarshal(consents, &pref.Consents); err != nil {
				return nil, err
			}
		}
		if len(optOuts) > 0 {
			if err := json.Unmarshal(optOuts, &pref.OptOuts); err != nil {
				return nil, err
			}
		}
		found[pref.GuardianID] = pref
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.GuardianPreference, 0, len(guardianIDs))
	for _, id := range guardianIDs {
		if pref, ok := found[id]; ok {
			out = append(out, pref)
		} else {
			out = append(out, domain.GuardianPreference{GuardianID: id})
		}
	}
	return out, nil
}

func (r *PgPreferenceRepository) Upsert(ctx context.Context, pref domain.GuardianPreference) error {
	consents, err := json.Marshal(pref.Consents)
	if err != nil {
		return err
	}
	optOuts, err := json.Marshal(pref.OptOuts)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO guardian_preferences (guardian_id, is_primary, consents, opt_outs, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (guardian_id)
		DO UPDATE SET is_primary = $2, consents = $3, opt_outs = $4, updated_at = $5
	`
	_, err = r.db.Exec(ctx, query, pref.GuardianID, pref.Primary, consents, optOuts, time.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error upserting guardian preference", "error", err, "guardian_id", pref.GuardianID)
		return err
	}
	return nil
}
