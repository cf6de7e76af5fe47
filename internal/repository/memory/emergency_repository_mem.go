package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
)

type EmergencyRepository struct {
	mu          sync.Mutex
	emergencies map[uuid.UUID]*domain.Emergency
	acks        map[uuid.UUID][]*domain.Acknowledgment
	ackedBy     map[uuid.UUID]map[uuid.UUID]bool
}

func NewEmergencyRepository() *EmergencyRepository {
	return &EmergencyRepository{
		emergencies: make(map[uuid.UUID]*domain.Emergency),
		acks:        make(map[uuid.UUID][]*domain.Acknowledgment),
		ackedBy:     make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func cloneEmergency(e *domain.Emergency) *domain.Emergency {
	c := *e
	c.StudentIDs = append([]uuid.UUID(nil), e.StudentIDs...)
	if e.BroadcastAt != nil {
		v := *e.BroadcastAt
		c.BroadcastAt = &v
	}
	if e.ResolvedAt != nil {
		v := *e.ResolvedAt
		c.ResolvedAt = &v
	}
	return &c
}

func (r *EmergencyRepository) Create(ctx context.Context, e *domain.Emergency) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emergencies[e.ID] = cloneEmergency(e)
	return nil
}

func (r *EmergencyRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Emergency, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.emergencies[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneEmergency(e), nil
}

func (r *EmergencyRepository) Update(ctx context.Context, e *domain.Emergency) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.emergencies[e.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != e.Version {
		return domain.ErrVersionConflict
	}
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	r.emergencies[e.ID] = cloneEmergency(e)
	return nil
}

func (r *EmergencyRepository) ListActive(ctx context.Context) ([]*domain.Emergency, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Emergency
	for _, e := range r.emergencies {
		if e.State == domain.EmergencyBroadcasting || e.State == domain.EmergencyEscalating {
			out = append(out, cloneEmergency(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.Before(out[j].InitiatedAt) })
	return out, nil
}

func (r *EmergencyRepository) RecordAck(ctx context.Context, ack *domain.Acknowledgment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.ackedBy[ack.EmergencyID]
	if !ok {
		set = make(map[uuid.UUID]bool)
		r.ackedBy[ack.EmergencyID] = set
	}
	if set[ack.GuardianID] {
		return false, nil
	}
	set[ack.GuardianID] = true
	a := *ack
	r.acks[ack.EmergencyID] = append(r.acks[ack.EmergencyID], &a)
	return true, nil
}

func (r *EmergencyRepository) ListAcks(ctx context.Context, emergencyID uuid.UUID) ([]*domain.Acknowledgment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.acks[emergencyID]
	out := make([]*domain.Acknowledgment, len(list))
	for i, a := range list {
		c := *a
		out[i] = &c
	}
	return out, nil
}

func (r *EmergencyRepository) ListAckedGuardians(ctx context.Context, emergencyID uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id := range r.ackedBy[emergencyID] {
		ids = append(ids, id)
	}
	return ids, nil
}
