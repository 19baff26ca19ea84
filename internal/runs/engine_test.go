package runs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/runs"
	"github.com/flitsinc/runhub/internal/state"
	"github.com/flitsinc/runhub/internal/testutil"
)

type harness struct {
	engine *runs.Engine
	clock  *testutil.Clock
	store  *state.Store
}

func newHarness(t *testing.T, opts ...runs.Option) *harness {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	clock := testutil.NewClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	store := state.NewStore(db)
	opts = append([]runs.Option{runs.WithClock(clock.Now), runs.WithLogger(testutil.DiscardLogger())}, opts...)
	return &harness{engine: runs.NewEngine(store, opts...), clock: clock, store: store}
}

func (h *harness) create(t *testing.T, mode runs.RuntimeMode, key string) runs.TaskRun {
	t.Helper()
	run, _, err := h.engine.Create(context.Background(), runs.CreateRequest{
		TaskSessionID:    "sess-1",
		RuntimeMode:      mode,
		ClientRequestKey: key,
		Input:            map[string]any{"prompt": "do it"},
	})
	require.NoError(t, err)
	return run
}

func (h *harness) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	events, err := h.engine.Log().ListAfter(context.Background(), runID, 0, 1000)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for i, evt := range events {
		require.Equal(t, int64(i+1), evt.EventSeq, "event sequence must be gapless")
		out = append(out, evt.EventType)
	}
	return out
}

func TestHappyPathLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run := h.create(t, runs.ModePlan, "k1")
	assert.Equal(t, runs.StateQueued, run.State)
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, runs.DefaultMaxAttempts, run.MaxAttempts)
	assert.Empty(t, run.LeaseOwner)

	claimed, err := h.engine.Claim(ctx, run.RunID, "w1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, runs.StateRunning, claimed.State)
	assert.Equal(t, "w1", claimed.LeaseOwner)
	assert.Equal(t, 1, claimed.Attempt)
	require.NotNil(t, claimed.StartedAt)
	firstExpiry := *claimed.LeaseExpiresAt

	h.clock.Advance(10 * time.Second)
	beat, err := h.engine.Heartbeat(ctx, run.RunID, "w1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, beat.LeaseExpiresAt.After(firstExpiry))
	assert.Equal(t, h.clock.Now(), *beat.LastHeartbeatAt)

	done, err := h.engine.Complete(ctx, run.RunID, "w1", map[string]any{"summary": "ok"})
	require.NoError(t, err)
	assert.Equal(t, runs.StateCompleted, done.State)
	assert.Empty(t, done.LeaseOwner)
	assert.Nil(t, done.LeaseExpiresAt)
	require.NotNil(t, done.FinishedAt)
	assert.Equal(t, "ok", done.Result["summary"])

	assert.Equal(t, []string{runs.EventCreated, runs.EventStarted, runs.EventCompleted}, h.eventTypes(t, run.RunID))
}

func TestCreateIsIdempotentPerSessionKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, created, err := h.engine.Create(ctx, runs.CreateRequest{TaskSessionID: "sess-1", RuntimeMode: runs.ModePlan, ClientRequestKey: "k1"})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := h.engine.Create(ctx, runs.CreateRequest{TaskSessionID: "sess-1", RuntimeMode: runs.ModeBuild, ClientRequestKey: "k1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.RunID, again.RunID)
	assert.Equal(t, runs.ModePlan, again.RuntimeMode)

	assert.Equal(t, []string{runs.EventCreated}, h.eventTypes(t, first.RunID))
}

func TestCreateConcurrentSameKeyYieldsOneRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, _, err := h.engine.Create(ctx, runs.CreateRequest{TaskSessionID: "sess-1", RuntimeMode: runs.ModeIntake, ClientRequestKey: "same"})
			if err == nil {
				ids[i] = run.RunID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, []string{runs.EventCreated}, h.eventTypes(t, ids[0]))
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		req   runs.CreateRequest
		field string
	}{
		{"unknown mode", runs.CreateRequest{TaskSessionID: "s", RuntimeMode: "deploy"}, "runtimeMode"},
		{"missing session", runs.CreateRequest{RuntimeMode: runs.ModePlan}, "taskSessionId"},
		{"bad max attempts", runs.CreateRequest{TaskSessionID: "s", RuntimeMode: runs.ModePlan, MaxAttempts: -1}, "maxAttempts"},
		{"bad key", runs.CreateRequest{TaskSessionID: "s", RuntimeMode: runs.ModePlan, ClientRequestKey: "a\x00b"}, "clientRequestKey"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := h.engine.Create(ctx, tc.req)
			require.ErrorIs(t, err, runs.ErrValidation)
			var verr *runs.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	listed, err := h.engine.List(ctx, runs.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, listed, "validation failures must not persist runs")
}

func TestClaimConflictsWhileLeased(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.create(t, runs.ModeBuild, "")

	leased, err := h.engine.Claim(ctx, run.RunID, "w1", time.Minute)
	require.NoError(t, err)

	_, err = h.engine.Claim(ctx, run.RunID, "w2", time.Minute)
	require.ErrorIs(t, err, runs.ErrConflict)
	conflict, ok := runs.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, runs.StateRunning, conflict.State)

	after, err := h.engine.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, leased.Version, after.Version, "failed claim must not mutate the run")
	assert.Equal(t, "w1", after.LeaseOwner)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.create(t, runs.ModeBuild, "")

	const workers = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Claim(ctx, run.RunID, string(rune('a'+i)), time.Minute)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !runs.IsConflict(err) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, []string{runs.EventCreated, runs.EventStarted}, h.eventTypes(t, run.RunID))
}

func TestLeaseExpiryMakesRunStaleAndReclaimable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.create(t, runs.ModePlan, "")

	_, err := h.engine.Claim(ctx, run.RunID, "w1", 10*time.Second)
	require.NoError(t, err)

	h.clock.Advance(11 * time.Second)
	result, err := h.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, runs.SweepResult{Stale: 1}, result)

	stale, err := h.engine.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StateStale, stale.State)
	assert.Equal(t, "w1", stale.LeaseOwner)

	_, err = h.engine.Heartbeat(ctx, run.RunID, "w1", 0)
	require.ErrorIs(t, err, runs.ErrConflict)
	_, err = h.engine.Complete(ctx, run.RunID, "w1", nil)
	require.ErrorIs(t, err, runs.ErrConflict, "a worker that lost its lease cannot complete")

	reclaimed, err := h.engine.Claim(ctx, run.RunID, "w2", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, runs.StateRunning, reclaimed.State)
	assert.Equal(t, 2, reclaimed.Attempt)
	assert.Equal(t, "w2", reclaimed.LeaseOwner)

	again, err := h.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Total())

	assert.Equal(t, []string{runs.EventCreated, runs.EventStarted, runs.EventStale, runs.EventStarted}, h.eventTypes(t, run.RunID))
}

func TestExhaustedAttemptsEndDead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, _, err := h.engine.Create(ctx, runs.CreateRequest{TaskSessionID: "sess-1", RuntimeMode: runs.ModeBuild, MaxAttempts: 2})
	require.NoError(t, err)

	for _, worker := range []string{"w1", "w2"} {
		_, err := h.engine.Claim(ctx, run.RunID, worker, 5*time.Second)
		require.NoError(t, err)
		h.clock.Advance(6 * time.Second)
		_, err = h.engine.SweepExpired(ctx)
		require.NoError(t, err)
	}

	dead, err := h.engine.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StateDead, dead.State)
	assert.Equal(t, 2, dead.Attempt)
	assert.Empty(t, dead.LeaseOwner)
	assert.Equal(t, runs.ErrorCodeLeaseExpired, dead.ErrorCode)
	assert.True(t, dead.State.Terminal())

	_, err = h.engine.Claim(ctx, run.RunID, "w3", time.Second)
	require.ErrorIs(t, err, runs.ErrConflict)

	assert.Equal(t, []string{
		runs.EventCreated, runs.EventStarted, runs.EventStale, runs.EventStarted, runs.EventDead,
	}, h.eventTypes(t, run.RunID))
}

func TestClaimSweepsLapsedLeaseInline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.create(t, runs.ModePlan, "")

	_, err := h.engine.Claim(ctx, run.RunID, "w1", 5*time.Second)
	require.NoError(t, err)
	h.clock.Advance(5 * time.Second)

	reclaimed, err := h.engine.Claim(ctx, run.RunID, "w2", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed.Attempt)
	assert.Equal(t, []string{runs.EventCreated, runs.EventStarted, runs.EventStale, runs.EventStarted}, h.eventTypes(t, run.RunID))
}

func TestOwnershipChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.create(t, runs.ModePlan, "")

	_, err := h.engine.Heartbeat(ctx, run.RunID, "w1", 0)
	require.ErrorIs(t, err, runs.ErrConflict, "heartbeat on a queued run")

	_, err = h.engine.Claim(ctx, run.RunID, "w1", time.Minute)
	require.NoError(t, err)

	_, err = h.engine.Heartbeat(ctx, run.RunID, "w2", 0)
	require.ErrorIs(t, err, runs.ErrConflict)
	_, err = h.engine.Fail(ctx, run.RunID, "w2", "boom", "nope")
	require.ErrorIs(t, err, runs.ErrConflict)

	failed, err := h.engine.Fail(ctx, run.RunID, "w1", "tool_error", "bash exited 1")
	require.NoError(t, err)
	assert.Equal(t, runs.StateFailed, failed.State)
	assert.Equal(t, "tool_error", failed.ErrorCode)
	assert.Equal(t, "bash exited 1", failed.ErrorMessage)

	_, err = h.engine.Complete(ctx, run.RunID, "w1", nil)
	require.ErrorIs(t, err, runs.ErrConflict, "terminal runs cannot complete twice")

	_, err = h.engine.Claim(ctx, "missing", "w1", 0)
	require.ErrorIs(t, err, runs.ErrNotFound)
}

func TestCancelFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	queued := h.create(t, runs.ModeIntake, "")
	canceled, err := h.engine.RequestCancel(ctx, queued.RunID, "user")
	require.NoError(t, err)
	assert.Equal(t, runs.StateCanceled, canceled.State)
	require.NotNil(t, canceled.CanceledAt)
	require.NotNil(t, canceled.CancelRequestedAt)
	assert.False(t, canceled.CanceledAt.Before(*canceled.CancelRequestedAt))

	again, err := h.engine.RequestCancel(ctx, queued.RunID, "user")
	require.NoError(t, err, "cancel on a terminal run is a no-op")
	assert.Equal(t, canceled.Version, again.Version)

	running := h.create(t, runs.ModeBuild, "")
	_, err = h.engine.Claim(ctx, running.RunID, "w1", time.Minute)
	require.NoError(t, err)

	requested, err := h.engine.RequestCancel(ctx, running.RunID, "stop")
	require.NoError(t, err)
	assert.Equal(t, runs.StateCancelRequested, requested.State)
	assert.Equal(t, "w1", requested.LeaseOwner)

	repeat, err := h.engine.RequestCancel(ctx, running.RunID, "stop")
	require.NoError(t, err)
	assert.Equal(t, requested.Version, repeat.Version)

	h.clock.Advance(10 * time.Second)
	beat, err := h.engine.Heartbeat(ctx, running.RunID, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, runs.StateCancelRequested, beat.State, "the heartbeat response carries the cancel signal")
	assert.Equal(t, h.clock.Now().Add(time.Minute), *beat.LeaseExpiresAt, "the holder keeps its lease while winding down")

	done, err := h.engine.Complete(ctx, running.RunID, "w1", map[string]any{"partial": true})
	require.NoError(t, err)
	assert.Equal(t, runs.StateCanceled, done.State)
	require.NotNil(t, done.CanceledAt)

	_, err = h.engine.Heartbeat(ctx, running.RunID, "w1", 0)
	require.ErrorIs(t, err, runs.ErrConflict, "heartbeat after the run ended")

	assert.Equal(t, []string{
		runs.EventCreated, runs.EventStarted, runs.EventCancelRequested, runs.EventCanceled,
	}, h.eventTypes(t, running.RunID))
}

func TestCancelRequestedRunExpiresToCanceled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.create(t, runs.ModeBuild, "")
	_, err := h.engine.Claim(ctx, run.RunID, "w1", 5*time.Second)
	require.NoError(t, err)
	_, err = h.engine.RequestCancel(ctx, run.RunID, "")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	result, err := h.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, runs.SweepResult{Canceled: 1}, result)

	got, err := h.engine.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StateCanceled, got.State)
}

func TestClaimNextHonoursModesAndOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	plan := h.create(t, runs.ModePlan, "")
	h.clock.Advance(time.Second)
	build := h.create(t, runs.ModeBuild, "")

	got, ok, err := h.engine.ClaimNext(ctx, runs.ClaimRequest{WorkerID: "w1", Modes: []runs.RuntimeMode{runs.ModeBuild}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, build.RunID, got.RunID)

	got, ok, err = h.engine.ClaimNext(ctx, runs.ClaimRequest{WorkerID: "w2"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, plan.RunID, got.RunID)

	_, ok, err = h.engine.ClaimNext(ctx, runs.ClaimRequest{WorkerID: "w3"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = h.engine.ClaimNext(ctx, runs.ClaimRequest{WorkerID: "w3", Modes: []runs.RuntimeMode{"nope"}})
	require.ErrorIs(t, err, runs.ErrValidation)
}

func TestAppendThroughEngine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.create(t, runs.ModePlan, "")

	evt, err := h.engine.Append(ctx, run.RunID, eventlog.Draft{EventType: "message.part.updated", Payload: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), evt.EventSeq)
	assert.Equal(t, "sess-1", evt.TaskSessionID)

	_, err = h.engine.Append(ctx, run.RunID, eventlog.Draft{TaskSessionID: "other", EventType: "x"})
	require.ErrorIs(t, err, runs.ErrValidation)

	_, err = h.engine.Append(ctx, run.RunID, eventlog.Draft{})
	require.ErrorIs(t, err, runs.ErrValidation)

	_, err = h.engine.Append(ctx, "missing", eventlog.Draft{EventType: "x"})
	require.ErrorIs(t, err, runs.ErrNotFound)
}

func TestSessionStatusProjection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	view, err := h.engine.SessionStatus(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, runs.SessionIdle, view.Status)

	run := h.create(t, runs.ModePlan, "")
	view, err = h.engine.SessionStatus(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, runs.SessionBusy, view.Status)
	assert.Equal(t, run.RunID, view.RunID)

	_, err = h.engine.Claim(ctx, run.RunID, "w1", time.Second)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Second)
	_, err = h.engine.SweepExpired(ctx)
	require.NoError(t, err)
	view, err = h.engine.SessionStatus(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, runs.SessionRetry, view.Status)

	assert.Equal(t, runs.SessionError, runs.StatusForState(runs.StateDead))
	assert.Equal(t, runs.SessionIdle, runs.StatusForState(runs.StateCompleted))
}

func TestClaimableHookFiresOnCreateAndStale(t *testing.T) {
	var seen []runs.State
	h := newHarness(t, runs.WithClaimableHook(func(run runs.TaskRun) {
		seen = append(seen, run.State)
	}))
	ctx := context.Background()
	run := h.create(t, runs.ModeBuild, "")

	_, err := h.engine.Claim(ctx, run.RunID, "w1", 10*time.Second)
	require.NoError(t, err)
	h.clock.Advance(11 * time.Second)
	_, err = h.engine.SweepExpired(ctx)
	require.NoError(t, err)

	assert.Equal(t, []runs.State{runs.StateQueued, runs.StateStale}, seen)
}
