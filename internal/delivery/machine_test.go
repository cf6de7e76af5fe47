package delivery

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classping/notify/internal/channel"
	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/repository/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingObserver captures milestone notifications for assertions.
type recordingObserver struct {
	mu        sync.Mutex
	sent      []uuid.UUID
	delivered []uuid.UUID
	exhausted []uuid.UUID
}

func (o *recordingObserver) MessageSent(_ context.Context, msg *domain.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg.ID)
}

func (o *recordingObserver) MessageDelivered(_ context.Context, msg *domain.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered = append(o.delivered, msg.ID)
}

func (o *recordingObserver) MessageExhausted(_ context.Context, msg *domain.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted = append(o.exhausted, msg.ID)
}

func (o *recordingObserver) deliveredCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.delivered)
}

type machineHarness struct {
	machine   *Machine
	messages  *memory.MessageRepository
	directory *memory.DirectoryRepository
	observer  *recordingObserver

	push  *channel.MockSender
	sms   *channel.MockSender
	email *channel.MockSender

	studentID  uuid.UUID
	guardianID uuid.UUID
	now        time.Time
}

func newMachineHarness(t *testing.T) *machineHarness {
	t.Helper()
	logger := testLogger()

	h := &machineHarness{
		messages:   memory.NewMessageRepository(),
		directory:  memory.NewDirectoryRepository(),
		observer:   &recordingObserver{},
		push:       channel.NewMockSender(logger, domain.ChannelPush),
		sms:        channel.NewMockSender(logger, domain.ChannelSMS),
		email:      channel.NewMockSender(logger, domain.ChannelEmail),
		studentID:  uuid.New(),
		guardianID: uuid.New(),
		now:        time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC),
	}
	h.directory.Seed(
		[]domain.Guardian{{ID: h.guardianID, FullName: "Jordan Lee"}},
		[]domain.GuardianLink{{
			GuardianID: h.guardianID,
			StudentID:  h.studentID,
			Primary:    true,
			Addresses: domain.ChannelAddresses{
				PushToken:   "push-token-1",
				PhoneNumber: "+15550100",
				Email:       "jordan@example.com",
			},
		}},
	)

	registry := channel.NewRegistry(h.push, h.sms, h.email)
	h.machine = NewMachine(h.messages, h.directory, registry, h.observer, Config{
		AttemptTimeout: 5 * time.Second,
		BaseBackoff:    30 * time.Second,
		MaxBackoff:     600 * time.Second,
	}, logger).WithClock(func() time.Time { return h.now })
	return h
}

func (h *machineHarness) queueMessage(t *testing.T, rank []domain.Channel) *domain.Message {
	t.Helper()
	msg := domain.NewMessage(uuid.New(), domain.CategoryAttendance, domain.PriorityNormal,
		h.studentID, h.guardianID, uuid.New(), "Attendance", "Dana arrived late today.", rank, "")
	msg.State = domain.StateQueued
	msg.CreatedAt = h.now
	require.NoError(t, h.messages.Create(context.Background(), msg))
	return msg
}

func (h *machineHarness) claimOne(t *testing.T) *domain.Message {
	t.Helper()
	claimed, err := h.messages.ClaimDue(context.Background(), h.now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestDispatchAcceptedMovesToSent(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()

	h.queueMessage(t, []domain.Channel{domain.ChannelPush, domain.ChannelSMS, domain.ChannelEmail})
	msg := h.claimOne(t)

	require.NoError(t, h.machine.Dispatch(ctx, msg))

	assert.Equal(t, domain.StateSent, msg.State)
	assert.True(t, msg.Locked, "acceptance hands the message to the provider")
	require.NotNil(t, msg.SentAt)
	assert.Equal(t, 1, msg.AttemptCount)
	assert.Equal(t, 1, h.push.SentCount())

	attempts, err := h.messages.ListAttempts(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Succeeded)
	assert.Equal(t, domain.ChannelPush, attempts[0].Channel)

	assert.Equal(t, []uuid.UUID{msg.ID}, h.observer.sent)
	assert.Empty(t, h.observer.delivered)
}

func TestDispatchInlineDeliveryOnEmail(t *testing.T) {
	h := newMachineHarness(t)
	h.email.ConfirmInline = true
	ctx := context.Background()

	h.queueMessage(t, []domain.Channel{domain.ChannelEmail})
	msg := h.claimOne(t)

	require.NoError(t, h.machine.Dispatch(ctx, msg))

	assert.Equal(t, domain.StateDelivered, msg.State)
	require.NotNil(t, msg.DeliveredAt)
	assert.True(t, msg.Locked)
	assert.Equal(t, []uuid.UUID{msg.ID}, h.observer.delivered)
	assert.Empty(t, h.observer.sent, "inline delivery skips the sent notification")
}

func TestDispatchFailureFallsBackWithBackoff(t *testing.T) {
	h := newMachineHarness(t)
	h.push.FailSend = true
	ctx := context.Background()

	h.queueMessage(t, []domain.Channel{domain.ChannelPush, domain.ChannelSMS, domain.ChannelEmail})
	msg := h.claimOne(t)

	require.NoError(t, h.machine.Dispatch(ctx, msg))

	assert.Equal(t, domain.StateQueued, msg.State, "failure requeues on the next rank")
	assert.Equal(t, domain.ChannelSMS, msg.Channel)
	assert.False(t, msg.Locked)
	require.NotNil(t, msg.ErrorCode)
	assert.Equal(t, "PROVIDER_ERROR", *msg.ErrorCode)

	policy := domain.RetryPolicyFor(msg.Priority, 30*time.Second, 600*time.Second)
	wantAt := h.now.Add(NextDelay(policy, msg.ID, 1))
	require.NotNil(t, msg.NextAttemptAt)
	assert.True(t, msg.NextAttemptAt.Equal(wantAt), "backoff schedule must be deterministic")

	attempts, err := h.messages.ListAttempts(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Succeeded)
	require.NotNil(t, attempts[0].ErrorCode)
}

func TestDispatchMissingAddressSkipsChannel(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()

	// Re-seed the link without a push token.
	h.directory = memory.NewDirectoryRepository()
	h.directory.Seed(
		[]domain.Guardian{{ID: h.guardianID, FullName: "Jordan Lee"}},
		[]domain.GuardianLink{{
			GuardianID: h.guardianID,
			StudentID:  h.studentID,
			Addresses:  domain.ChannelAddresses{PhoneNumber: "+15550100", Email: "jordan@example.com"},
		}},
	)
	registry := channel.NewRegistry(h.push, h.sms, h.email)
	h.machine = NewMachine(h.messages, h.directory, registry, h.observer, Config{
		AttemptTimeout: 5 * time.Second,
		BaseBackoff:    30 * time.Second,
		MaxBackoff:     600 * time.Second,
	}, testLogger()).WithClock(func() time.Time { return h.now })

	h.queueMessage(t, []domain.Channel{domain.ChannelPush, domain.ChannelSMS})
	msg := h.claimOne(t)

	require.NoError(t, h.machine.Dispatch(ctx, msg))

	assert.Equal(t, domain.StateQueued, msg.State)
	assert.Equal(t, domain.ChannelSMS, msg.Channel)
	assert.Equal(t, 0, h.push.SentCount(), "provider must not be called without an address")

	attempts, err := h.messages.ListAttempts(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].ErrorCode)
	assert.Equal(t, "NO_ADDRESS", *attempts[0].ErrorCode)
}

func TestDispatchExhaustsWhenRankEnds(t *testing.T) {
	h := newMachineHarness(t)
	h.push.FailSend = true
	ctx := context.Background()

	h.queueMessage(t, []domain.Channel{domain.ChannelPush})
	msg := h.claimOne(t)

	require.NoError(t, h.machine.Dispatch(ctx, msg))

	assert.Equal(t, domain.StateExhausted, msg.State)
	assert.Nil(t, msg.NextAttemptAt)
	require.NotNil(t, msg.ErrorCode)
	assert.Equal(t, []uuid.UUID{msg.ID}, h.observer.exhausted)
}

func TestDispatchExhaustsAtAttemptCap(t *testing.T) {
	h := newMachineHarness(t)
	h.sms.FailSend = true
	ctx := context.Background()

	// Two attempts already consumed; email is still untried but the normal
	// priority policy allows three attempts in total.
	msg := h.queueMessage(t, []domain.Channel{domain.ChannelPush, domain.ChannelSMS, domain.ChannelEmail})
	loaded, err := h.messages.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	loaded.AttemptCount = 2
	loaded.Channel = domain.ChannelSMS
	require.NoError(t, h.messages.Update(ctx, loaded))

	claimed := h.claimOne(t)
	require.NoError(t, h.machine.Dispatch(ctx, claimed))

	assert.Equal(t, domain.StateExhausted, claimed.State)
	assert.Equal(t, 3, claimed.AttemptCount)
	assert.Equal(t, []uuid.UUID{claimed.ID}, h.observer.exhausted)
}

// TestDispatchFallbackChainToEmail walks the full rank: push fails, sms
// fails, the email rank confirms inline. Three attempts, one per channel.
func TestDispatchFallbackChainToEmail(t *testing.T) {
	h := newMachineHarness(t)
	h.push.FailSend = true
	h.sms.FailSend = true
	h.email.ConfirmInline = true
	ctx := context.Background()

	h.queueMessage(t, []domain.Channel{domain.ChannelPush, domain.ChannelSMS, domain.ChannelEmail})

	for round := 0; round < 3; round++ {
		msg := h.claimOne(t)
		require.NoError(t, h.machine.Dispatch(ctx, msg))
		if msg.NextAttemptAt != nil {
			h.now = msg.NextAttemptAt.Add(time.Second) // let the backoff elapse
		}
	}

	stored, err := h.messages.ClaimDue(ctx, h.now, 1)
	assert.ErrorIs(t, err, domain.ErrNoDueMessages, "nothing left to claim")
	assert.Nil(t, stored)

	msgs, err := h.messages.ListAttempts(ctx, h.observer.delivered[0])
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.ChannelPush, msgs[0].Channel)
	assert.Equal(t, domain.ChannelSMS, msgs[1].Channel)
	assert.Equal(t, domain.ChannelEmail, msgs[2].Channel)
	assert.False(t, msgs[0].Succeeded)
	assert.False(t, msgs[1].Succeeded)
	assert.True(t, msgs[2].Succeeded)

	final, err := h.messages.GetByID(ctx, h.observer.delivered[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StateDelivered, final.State)
	assert.Equal(t, 3, final.AttemptCount)
}

func TestDispatchRejectsUnclaimedMessage(t *testing.T) {
	h := newMachineHarness(t)

	msg := h.queueMessage(t, []domain.Channel{domain.ChannelPush})
	err := h.machine.Dispatch(context.Background(), msg)
	assert.True(t, domain.IsInvalidTransition(err))
}
