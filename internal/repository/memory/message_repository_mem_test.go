package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classping/notify/internal/core/domain"
)

func newTestMessage(state domain.MessageState, key string) *domain.Message {
	m := domain.NewMessage(uuid.New(), domain.CategoryAttendance, domain.PriorityNormal,
		uuid.New(), uuid.New(), uuid.New(), "subject", "body",
		[]domain.Channel{domain.ChannelPush, domain.ChannelSMS}, key)
	m.State = state
	return m
}

func TestMessageRepositoryVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository()

	msg := newTestMessage(domain.StateQueued, "vc-1")
	require.NoError(t, repo.Create(ctx, msg))

	// Two readers load the same version.
	first, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)

	first.State = domain.StateSending
	require.NoError(t, repo.Update(ctx, first))

	second.State = domain.StateCancelled
	err = repo.Update(ctx, second)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	stored, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSending, stored.State, "losing writer must not overwrite")
}

func TestMessageRepositoryDuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository()

	require.NoError(t, repo.Create(ctx, newTestMessage(domain.StateQueued, "dup-key")))
	err := repo.Create(ctx, newTestMessage(domain.StateQueued, "dup-key"))
	assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)
}

func TestMessageRepositoryClaimDue(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository()
	now := time.Now().UTC()

	ready := newTestMessage(domain.StateQueued, "claim-ready")
	require.NoError(t, repo.Create(ctx, ready))

	future := now.Add(time.Hour)
	deferred := newTestMessage(domain.StateQueued, "claim-deferred")
	deferred.NextAttemptAt = &future
	require.NoError(t, repo.Create(ctx, deferred))

	urgent := newTestMessage(domain.StateQueued, "claim-urgent")
	urgent.Priority = domain.PriorityEmergency
	require.NoError(t, repo.Create(ctx, urgent))

	claimed, err := repo.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2, "deferred message must be skipped")
	assert.Equal(t, domain.PriorityEmergency, claimed[0].Priority, "emergency priority claims first")
	for _, m := range claimed {
		assert.Equal(t, domain.StateSending, m.State)
	}

	// A second claimer sees nothing; claimed rows are in sending state.
	_, err = repo.ClaimDue(ctx, now, 10)
	assert.ErrorIs(t, err, domain.ErrNoDueMessages)
}

func TestMessageRepositoryFinishAttemptAppends(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository()

	msg := newTestMessage(domain.StateSending, "fin-1")
	require.NoError(t, repo.Create(ctx, msg))

	started := time.Now().UTC()
	finished := started.Add(120 * time.Millisecond)
	msg.State = domain.StateSent
	msg.AttemptCount = 1
	msg.Locked = true
	err := repo.FinishAttempt(ctx, msg, &domain.DeliveryAttempt{
		ID: uuid.New(), MessageID: msg.ID, Channel: domain.ChannelPush,
		AttemptNumber: 1, StartedAt: started, FinishedAt: &finished,
		Succeeded: true, LatencyMillis: 120,
	})
	require.NoError(t, err)

	attempts, err := repo.ListAttempts(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Succeeded)

	stored, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSent, stored.State)
	assert.True(t, stored.Locked)
}

func TestMessageRepositoryCancelQueuedByEmergency(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository()
	emergencyID := uuid.New()

	queued := newTestMessage(domain.StateQueued, "em-queued")
	queued.EmergencyID = &emergencyID
	require.NoError(t, repo.Create(ctx, queued))

	sent := newTestMessage(domain.StateSent, "em-sent")
	sent.EmergencyID = &emergencyID
	require.NoError(t, repo.Create(ctx, sent))

	drained, err := repo.CancelQueuedByEmergency(ctx, emergencyID)
	require.NoError(t, err)
	assert.Equal(t, 1, drained)

	stored, err := repo.GetByID(ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSent, stored.State, "already-sent messages are untouched by drain")
}

func TestEmergencyRepositoryAckDedup(t *testing.T) {
	ctx := context.Background()
	repo := NewEmergencyRepository()
	emergencyID := uuid.New()
	guardianID := uuid.New()

	ack := &domain.Acknowledgment{
		ID: uuid.New(), EmergencyID: emergencyID, GuardianID: guardianID,
		Channel: domain.ChannelPush, Method: domain.AckMethodAppTap, ReceivedAt: time.Now().UTC(),
	}
	created, err := repo.RecordAck(ctx, ack)
	require.NoError(t, err)
	assert.True(t, created)

	again := *ack
	again.ID = uuid.New()
	created, err = repo.RecordAck(ctx, &again)
	require.NoError(t, err)
	assert.False(t, created, "same guardian must not double-count")

	acks, err := repo.ListAcks(ctx, emergencyID)
	require.NoError(t, err)
	assert.Len(t, acks, 1)
}
