package offline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classping/notify/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSpool(t *testing.T) *Spool {
	t.Helper()
	spool, err := Open(filepath.Join(t.TempDir(), "spool.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = spool.Close() })
	return spool
}

func spoolItem(key string, priority domain.MessagePriority) *domain.OfflineItem {
	return &domain.OfflineItem{
		IdempotencyKey: key,
		Priority:       priority,
		DeviceID:       "classroom-tablet-7",
		Payload:        json.RawMessage(`{"category":"attendance","body":"Ari was absent today."}`),
	}
}

func TestSpoolReplayOrder(t *testing.T) {
	spool := testSpool(t)
	ctx := context.Background()

	require.NoError(t, spool.Enqueue(ctx, spoolItem("normal-1", domain.PriorityNormal)))
	require.NoError(t, spool.Enqueue(ctx, spoolItem("emergency-1", domain.PriorityEmergency)))
	require.NoError(t, spool.Enqueue(ctx, spoolItem("high-1", domain.PriorityHigh)))
	require.NoError(t, spool.Enqueue(ctx, spoolItem("normal-2", domain.PriorityNormal)))

	batch, err := spool.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 4)

	var keys []string
	for _, item := range batch {
		keys = append(keys, item.IdempotencyKey)
	}
	assert.Equal(t, []string{"emergency-1", "high-1", "normal-1", "normal-2"}, keys,
		"priority first, FIFO within a priority")
}

func TestSpoolEnqueueDeduplicatesKey(t *testing.T) {
	spool := testSpool(t)
	ctx := context.Background()

	first := spoolItem("dup-key", domain.PriorityNormal)
	require.NoError(t, spool.Enqueue(ctx, first))
	assert.NotZero(t, first.ID)

	err := spool.Enqueue(ctx, spoolItem("dup-key", domain.PriorityHigh))
	assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)

	n, err := spool.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSpoolMarkReplayedRemovesItem(t *testing.T) {
	spool := testSpool(t)
	ctx := context.Background()

	a := spoolItem("a", domain.PriorityNormal)
	b := spoolItem("b", domain.PriorityNormal)
	require.NoError(t, spool.Enqueue(ctx, a))
	require.NoError(t, spool.Enqueue(ctx, b))

	require.NoError(t, spool.MarkReplayed(ctx, a.ID))

	batch, err := spool.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "b", batch[0].IdempotencyKey)
}

func TestSpoolMarkFailedCountsAttempts(t *testing.T) {
	spool := testSpool(t)
	ctx := context.Background()

	item := spoolItem("flaky", domain.PriorityNormal)
	require.NoError(t, spool.Enqueue(ctx, item))

	attempts, err := spool.MarkFailed(ctx, item.ID, "connection refused")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	attempts, err = spool.MarkFailed(ctx, item.ID, "timeout")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	batch, err := spool.NextBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 2, batch[0].ReplayAttempts)
	require.NotNil(t, batch[0].LastError)
	assert.Equal(t, "timeout", *batch[0].LastError)
}

func TestSpoolDropRemovesItem(t *testing.T) {
	spool := testSpool(t)
	ctx := context.Background()

	item := spoolItem("doomed", domain.PriorityNormal)
	require.NoError(t, spool.Enqueue(ctx, item))
	require.NoError(t, spool.Drop(ctx, item))

	n, err := spool.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSpoolRoundTripsItem(t *testing.T) {
	spool := testSpool(t).WithClock(func() time.Time {
		return time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	})
	ctx := context.Background()

	item := spoolItem("round-trip", domain.PriorityHigh)
	require.NoError(t, spool.Enqueue(ctx, item))

	batch, err := spool.NextBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	got := batch[0]
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, "round-trip", got.IdempotencyKey)
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.Equal(t, "classroom-tablet-7", got.DeviceID)
	assert.JSONEq(t, string(item.Payload), string(got.Payload))
	assert.True(t, got.EnqueuedAt.Equal(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)))
	assert.Zero(t, got.ReplayAttempts)
	assert.Nil(t, got.LastError)
}
