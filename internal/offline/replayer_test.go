package offline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classping/notify/internal/core/domain"
)

// fakeSubmitter answers per idempotency key and records call order.
type fakeSubmitter struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []string
}

func (f *fakeSubmitter) SubmitSpooled(ctx context.Context, item *domain.OfflineItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, item.IdempotencyKey)
	return f.errs[item.IdempotencyKey]
}

func newTestReplayer(spool *Spool, submitter Submitter) *Replayer {
	return NewReplayer(spool, submitter, ReplayerConfig{
		Interval:          time.Minute,
		BatchSize:         10,
		MaxReplayAttempts: 3,
	}, testLogger())
}

func TestReplaySubmitsInPriorityOrder(t *testing.T) {
	spool := testSpool(t)
	ctx := context.Background()
	submitter := &fakeSubmitter{}
	replayer := newTestReplayer(spool, submitter)

	require.NoError(t, spool.Enqueue(ctx, spoolItem("late-note", domain.PriorityNormal)))
	require.NoError(t, spool.Enqueue(ctx, spoolItem("closure", domain.PriorityEmergency)))

	resolved, err := replayer.ReplayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, resolved)
	assert.Equal(t, []string{"closure", "late-note"}, submitter.calls)

	n, err := spool.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "confirmed submissions leave the spool")
}

func TestReplayRemovesDefinitiveRejections(t *testing.T) {
	spool := testSpool(t)
	ctx := context.Background()
	submitter := &fakeSubmitter{errs: map[string]error{
		"denied": domain.NewPolicyDenied(domain.DenialRateLimited, "daily cap reached"),
		"dup":    domain.ErrDuplicateIdempotencyKey,
	}}
	replayer := newTestReplayer(spool, submitter)

	require.NoError(t, spool.Enqueue(ctx, spoolItem("denied", domain.PriorityNormal)))
	require.NoError(t, spool.Enqueue(ctx, spoolItem("dup", domain.PriorityNormal)))

	resolved, err := replayer.ReplayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, resolved)

	n, err := spool.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "policy denials and duplicates cannot succeed later; retrying is pointless")
}

func TestReplayRetainsInfrastructureFailures(t *testing.T) {
	spool := testSpool(t)
	ctx := context.Background()
	submitter := &fakeSubmitter{errs: map[string]error{
		"stuck": errors.New("dial tcp: connection refused"),
	}}
	replayer := newTestReplayer(spool, submitter)

	require.NoError(t, spool.Enqueue(ctx, spoolItem("stuck", domain.PriorityNormal)))

	resolved, err := replayer.ReplayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, resolved)

	batch, err := spool.NextBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].ReplayAttempts)
	require.NotNil(t, batch[0].LastError)
	assert.Contains(t, *batch[0].LastError, "connection refused")
}

func TestReplayDropsAfterBudgetExhausted(t *testing.T) {
	spool := testSpool(t)
	ctx := context.Background()
	submitter := &fakeSubmitter{errs: map[string]error{
		"doomed": errors.New("upstream down"),
	}}
	replayer := NewReplayer(spool, submitter, ReplayerConfig{
		Interval:          time.Minute,
		BatchSize:         10,
		MaxReplayAttempts: 2,
	}, testLogger())

	require.NoError(t, spool.Enqueue(ctx, spoolItem("doomed", domain.PriorityNormal)))

	resolved, err := replayer.ReplayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, resolved, "first failure is retained")

	resolved, err = replayer.ReplayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved, "second failure exhausts the budget")

	n, err := spool.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, submitter.calls, 2)
}
