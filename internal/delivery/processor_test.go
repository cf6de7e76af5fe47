package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classping/notify/internal/core/domain"
)

func newTestProcessor(h *machineHarness) *Processor {
	return NewProcessor(h.messages, h.machine, ProcessorConfig{
		PollInterval: time.Second,
		BatchSize:    10,
		WorkerCount:  4,
	}, testLogger()).WithClock(func() time.Time { return h.now })
}

func TestProcessorPollOnceDispatchesBatch(t *testing.T) {
	h := newMachineHarness(t)
	p := newTestProcessor(h)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.queueMessage(t, []domain.Channel{domain.ChannelPush})
	}

	count, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 3, h.push.SentCount())

	// Nothing is left queued; all three await their receipts.
	_, err = h.messages.ClaimDue(ctx, h.now, 10)
	assert.ErrorIs(t, err, domain.ErrNoDueMessages)
}

func TestProcessorPollOnceIdleQueue(t *testing.T) {
	h := newMachineHarness(t)
	p := newTestProcessor(h)

	count, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestProcessorSkipsDeferredMessages(t *testing.T) {
	h := newMachineHarness(t)
	p := newTestProcessor(h)
	ctx := context.Background()

	msg := h.queueMessage(t, []domain.Channel{domain.ChannelPush})
	loaded, err := h.messages.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	future := h.now.Add(10 * time.Minute)
	loaded.NextAttemptAt = &future
	require.NoError(t, h.messages.Update(ctx, loaded))

	count, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "a message with a future retry time stays queued")

	h.now = future.Add(time.Second)
	count, err = p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
