package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
)

type denialEntry struct {
	senderID uuid.UUID
	code     domain.DenialCode
	at       time.Time
}

type GuardRepository struct {
	mu        sync.Mutex
	denials   []denialEntry
	overrides []domain.OverrideGrant
}

func NewGuardRepository() *GuardRepository {
	return &GuardRepository{}
}

func (r *GuardRepository) RecordDenial(ctx context.Context, senderID uuid.UUID, code domain.DenialCode, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.denials = append(r.denials, denialEntry{senderID: senderID, code: code, at: at})
	return nil
}

func (r *GuardRepository) CountDenials(ctx context.Context, senderID uuid.UUID, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, d := range r.denials {
		if d.senderID == senderID && !d.at.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *GuardRepository) CreateOverride(ctx context.Context, grant *domain.OverrideGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = append(r.overrides, *grant)
	return nil
}

func (r *GuardRepository) ActiveOverride(ctx context.Context, senderID uuid.UUID, now time.Time) (*domain.OverrideGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.OverrideGrant
	for i := range r.overrides {
		g := r.overrides[i]
		if g.SenderID != senderID || !g.Active(now) {
			continue
		}
		if best == nil || g.ExpiresAt.After(best.ExpiresAt) {
			c := g
			best = &c
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	return best, nil
}
