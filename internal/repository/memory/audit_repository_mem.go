package memory

import (
	"context"
	"sync"

	"github.com/classping/notify/internal/core/domain"
)

type AuditRepository struct {
	mu     sync.Mutex
	events []*domain.AuditEvent
}

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

func (r *AuditRepository) Append(ctx context.Context, event *domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := *event
	r.events = append(r.events, &e)
	return nil
}

func (r *AuditRepository) ListRecent(ctx context.Context, limit int) ([]*domain.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.events)
	if limit > n {
		limit = n
	}
	out := make([]*domain.AuditEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		e := *r.events[i]
		out = append(out, &e)
	}
	return out, nil
}
