// Package memory holds in-memory repository implementations with the same
// conditional-write semantics as the postgres ones. Used by unit tests and by
// single-process deployments that run without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
)

type MessageRepository struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*domain.Message
	attempts map[uuid.UUID][]*domain.DeliveryAttempt
	byKey    map[string]uuid.UUID
}

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		messages: make(map[uuid.UUID]*domain.Message),
		attempts: make(map[uuid.UUID][]*domain.DeliveryAttempt),
		byKey:    make(map[string]uuid.UUID),
	}
}

func cloneMessage(m *domain.Message) *domain.Message {
	c := *m
	c.ChannelRank = append([]domain.Channel(nil), m.ChannelRank...)
	if m.EmergencyID != nil {
		v := *m.EmergencyID
		c.EmergencyID = &v
	}
	if m.NextAttemptAt != nil {
		v := *m.NextAttemptAt
		c.NextAttemptAt = &v
	}
	if m.ErrorCode != nil {
		v := *m.ErrorCode
		c.ErrorCode = &v
	}
	if m.SentAt != nil {
		v := *m.SentAt
		c.SentAt = &v
	}
	if m.DeliveredAt != nil {
		v := *m.DeliveredAt
		c.DeliveredAt = &v
	}
	return &c
}

func (r *MessageRepository) Create(ctx context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.IdempotencyKey != "" {
		if _, exists := r.byKey[msg.IdempotencyKey]; exists {
			return domain.ErrDuplicateIdempotencyKey
		}
		r.byKey[msg.IdempotencyKey] = msg.ID
	}
	r.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (r *MessageRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneMessage(r.messages[id]), nil
}

func (r *MessageRepository) Update(ctx context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(msg)
}

func (r *MessageRepository) updateLocked(msg *domain.Message) error {
	stored, ok := r.messages[msg.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != msg.Version {
		return domain.ErrVersionConflict
	}
	msg.Version++
	msg.UpdatedAt = time.Now().UTC()
	r.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (r *MessageRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*domain.Message
	for _, m := range r.messages {
		if m.State != domain.StateQueued {
			continue
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool {
		if wi, wj := due[i].Priority.Weight(), due[j].Priority.Weight(); wi != wj {
			return wi > wj
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	if len(due) == 0 {
		return nil, domain.ErrNoDueMessages
	}

	claimed := make([]*domain.Message, 0, len(due))
	for _, m := range due {
		m.State = domain.StateSending
		m.Version++
		m.UpdatedAt = time.Now().UTC()
		claimed = append(claimed, cloneMessage(m))
	}
	return claimed, nil
}

func (r *MessageRepository) FinishAttempt(ctx context.Context, msg *domain.Message, attempt *domain.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.updateLocked(msg); err != nil {
		return err
	}
	a := *attempt
	r.attempts[msg.ID] = append(r.attempts[msg.ID], &a)
	return nil
}

func (r *MessageRepository) ListAttempts(ctx context.Context, messageID uuid.UUID) ([]*domain.DeliveryAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.attempts[messageID]
	out := make([]*domain.DeliveryAttempt, len(list))
	for i, a := range list {
		c := *a
		out[i] = &c
	}
	return out, nil
}

func (r *MessageRepository) ListByEmergency(ctx context.Context, emergencyID uuid.UUID) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Message
	for _, m := range r.messages {
		if m.EmergencyID != nil && *m.EmergencyID == emergencyID {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MessageRepository) CancelQueuedByEmergency(ctx context.Context, emergencyID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	drained := 0
	for _, m := range r.messages {
		if m.EmergencyID == nil || *m.EmergencyID != emergencyID {
			continue
		}
		if m.State == domain.StateIdle || m.State == domain.StateQueued {
			m.State = domain.StateCancelled
			m.Version++
			m.UpdatedAt = time.Now().UTC()
			drained++
		}
	}
	return drained, nil
}

func (r *MessageRepository) RateSnapshot(ctx context.Context, senderID, studentID, guardianID uuid.UUID, w domain.RateWindows) (*domain.RateSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &domain.RateSnapshot{TakenAt: w.Now}
	released := func(m *domain.Message) bool {
		return m.State != domain.StateIdle && m.State != domain.StateCancelled
	}
	counted := func(m *domain.Message) bool {
		switch m.State {
		case domain.StateQueued, domain.StateSending, domain.StateSent, domain.StateDelivered:
			return true
		}
		return false
	}

	for _, m := range r.messages {
		if m.SenderID == senderID && released(m) {
			if !m.CreatedAt.Before(w.Now.Add(-w.Day)) {
				snap.SenderDayCount++
			}
			if !m.CreatedAt.Before(w.Now.Add(-w.Week)) {
				snap.SenderWeekCount++
			}
			if !m.CreatedAt.Before(w.Now.Add(-w.Burst)) {
				snap.BurstCount++
			}
			if !m.CreatedAt.Before(w.Now.Add(-w.Lookback)) {
				snap.SendCountLookback++
			}
			if snap.SenderLastSendAt == nil || m.CreatedAt.After(*snap.SenderLastSendAt) {
				t := m.CreatedAt
				snap.SenderLastSendAt = &t
			}
		}
		if m.StudentID == studentID && counted(m) && !m.CreatedAt.Before(w.Now.Add(-w.Day)) {
			snap.RecipientDayCount++
		}
		if m.SenderID == senderID && m.GuardianID == guardianID {
			if snap.PairLastAt == nil || m.CreatedAt.After(*snap.PairLastAt) {
				t := m.CreatedAt
				snap.PairLastAt = &t
			}
		}
	}
	return snap, nil
}
