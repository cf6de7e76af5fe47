package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
)

type PreferenceRepository struct {
	mu    sync.Mutex
	prefs map[uuid.UUID]domain.GuardianPreference
}

func NewPreferenceRepository() *PreferenceRepository {
	return &PreferenceRepository{prefs: make(map[uuid.UUID]domain.GuardianPreference)}
}

func clonePreference(p domain.GuardianPreference) domain.GuardianPreference {
	c := p
	c.OptOuts = append([]domain.OptOut(nil), p.OptOuts...)
	c.Consents = make(map[domain.MessageCategory]domain.ConsentStatus, len(p.Consents))
	for k, v := range p.Consents {
		c.Consents[k] = v
	}
	return c
}

func (r *PreferenceRepository) GetPreferences(ctx context.Context, guardianIDs []uuid.UUID) ([]domain.GuardianPreference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.GuardianPreference, 0, len(guardianIDs))
	for _, id := range guardianIDs {
		if p, ok := r.prefs[id]; ok {
			out = append(out, clonePreference(p))
		} else {
			out = append(out, domain.GuardianPreference{GuardianID: id})
		}
	}
	return out, nil
}

func (r *PreferenceRepository) Upsert(ctx context.Context, pref domain.GuardianPreference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs[pref.GuardianID] = clonePreference(pref)
	return nil
}
