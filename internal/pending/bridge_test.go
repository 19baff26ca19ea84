package pending_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/runhub/internal/pending"
)

func permissionRequest(session string) pending.Request {
	return pending.Request{
		SessionID:  session,
		Kind:       pending.KindPermission,
		Permission: "bash",
		Patterns:   []string{"rm -rf build"},
		Tool:       &pending.ToolRef{CallID: "call-1", MessageID: "msg-1"},
	}
}

// waitPending blocks until n requests are registered.
func waitPending(t *testing.T, b *pending.Bridge, n int) []pending.Request {
	t.Helper()
	var reqs []pending.Request
	require.Eventually(t, func() bool {
		reqs = b.Pending(pending.Filter{})
		return len(reqs) == n
	}, 2*time.Second, 5*time.Millisecond)
	return reqs
}

func TestReplyResolvesExactlyOnce(t *testing.T) {
	b := pending.NewBridge()
	result := make(chan pending.Reply, 1)
	go func() {
		reply, err := b.Ask(context.Background(), permissionRequest("s1"))
		if err == nil {
			result <- reply
		}
		close(result)
	}()

	reqs := waitPending(t, b, 1)
	id := reqs[0].ID
	assert.NotEmpty(t, id)
	assert.False(t, reqs[0].CreatedAt.IsZero())

	assert.True(t, b.Reply(id, pending.Reply{Decision: pending.Once}))
	assert.False(t, b.Reply(id, pending.Reply{Decision: pending.Always}), "second reply is a no-op")
	assert.False(t, b.Reject(id, "late"), "reject after reply is a no-op")

	reply, ok := <-result
	require.True(t, ok)
	assert.Equal(t, pending.Once, reply.Decision)
	assert.Empty(t, b.Pending(pending.Filter{}))
}

func TestRejectIsDistinguishable(t *testing.T) {
	b := pending.NewBridge()
	errs := make(chan error, 1)
	go func() {
		_, err := b.Ask(context.Background(), permissionRequest("s1"))
		errs <- err
	}()

	reqs := waitPending(t, b, 1)
	assert.True(t, b.Reject(reqs[0].ID, "not today"))

	err := <-errs
	require.Error(t, err)
	assert.True(t, pending.IsRejected(err))
	assert.False(t, errors.Is(err, pending.ErrTimeout))
	var rejected *pending.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "not today", rejected.Reason)
	assert.Equal(t, reqs[0].ID, rejected.ID)
}

func TestReplyWithRejectDecisionRejects(t *testing.T) {
	b := pending.NewBridge()
	errs := make(chan error, 1)
	go func() {
		_, err := b.Ask(context.Background(), permissionRequest("s1"))
		errs <- err
	}()
	reqs := waitPending(t, b, 1)
	b.Reply(reqs[0].ID, pending.Reply{Decision: pending.Reject, Message: "use git clean"})
	err := <-errs
	assert.ErrorIs(t, err, pending.ErrRejected)
	assert.Contains(t, err.Error(), "use git clean")
}

func TestUnknownIDsAreSilent(t *testing.T) {
	b := pending.NewBridge()
	assert.False(t, b.Reply("nope", pending.Reply{Decision: pending.Once}))
	assert.False(t, b.Reject("nope", ""))
}

func TestClearSessionRejectsOnlyThatSession(t *testing.T) {
	b := pending.NewBridge()
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, session := range []string{"s1", "s1", "s2"} {
		wg.Add(1)
		go func(session string) {
			defer wg.Done()
			_, err := b.Ask(context.Background(), permissionRequest(session))
			errs <- err
		}(session)
	}
	waitPending(t, b, 3)

	assert.Equal(t, 2, b.ClearSession("s1", ""))
	remaining := b.Pending(pending.Filter{})
	require.Len(t, remaining, 1)
	assert.Equal(t, "s2", remaining[0].SessionID)
	assert.Len(t, b.Pending(pending.Filter{SessionID: "s1"}), 0)

	assert.Equal(t, 1, b.Reset())
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, pending.ErrRejected)
	}
}

func TestAskTimeoutAndCancellation(t *testing.T) {
	b := pending.NewBridge(pending.WithTimeout(20 * time.Millisecond))
	_, err := b.Ask(context.Background(), permissionRequest("s1"))
	require.ErrorIs(t, err, pending.ErrTimeout)
	assert.False(t, pending.IsRejected(err))
	assert.Empty(t, b.Pending(pending.Filter{}))

	b = pending.NewBridge(pending.WithTimeout(30 * time.Millisecond))
	_, wait, err := b.Register(permissionRequest("s1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(b.Pending(pending.Filter{})) == 0
	}, 2*time.Second, 5*time.Millisecond, "the deadline runs from registration")
	waitCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	_, err = wait(waitCtx)
	require.ErrorIs(t, err, pending.ErrTimeout)

	b = pending.NewBridge()
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := b.Ask(ctx, permissionRequest("s1"))
		errs <- err
	}()
	waitPending(t, b, 1)
	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
	assert.Empty(t, b.Pending(pending.Filter{}))
}

func TestQuestionsAndValidation(t *testing.T) {
	b := pending.NewBridge(pending.WithIDGenerator(func() string { return "q-1" }))
	answers := make(chan pending.Reply, 1)
	go func() {
		reply, _ := b.Ask(context.Background(), pending.Request{
			SessionID: "s1",
			Kind:      pending.KindQuestion,
			Questions: []pending.Question{{
				Header:   "Stack",
				Question: "Which database?",
				Options:  []pending.Option{{Label: "sqlite"}, {Label: "postgres"}},
			}},
		})
		answers <- reply
	}()
	waitPending(t, b, 1)
	got, ok := b.Get("q-1")
	require.True(t, ok)
	assert.Equal(t, pending.KindQuestion, got.Kind)
	assert.Len(t, b.Pending(pending.Filter{Kind: pending.KindPermission}), 0)

	b.Reply("q-1", pending.Reply{Answers: [][]string{{"postgres"}}})
	assert.Equal(t, [][]string{{"postgres"}}, (<-answers).Answers)

	invalid := []pending.Request{
		{Kind: pending.KindPermission, Permission: "bash"},
		{SessionID: "s", Kind: pending.KindPermission},
		{SessionID: "s", Kind: pending.KindQuestion},
		{SessionID: "s", Kind: pending.KindQuestion, Questions: []pending.Question{{}}},
		{SessionID: "s", Kind: "other"},
	}
	for _, req := range invalid {
		_, err := b.Ask(context.Background(), req)
		assert.ErrorIs(t, err, pending.ErrInvalid)
	}
}

func TestConcurrentAsksAreIndependent(t *testing.T) {
	b := pending.NewBridge()
	const n = 20
	var wg sync.WaitGroup
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := b.Ask(context.Background(), permissionRequest("s1"))
			if err == nil {
				results <- reply.Message
			}
		}()
	}
	reqs := waitPending(t, b, n)
	for _, req := range reqs {
		go b.Reply(req.ID, pending.Reply{Decision: pending.Once, Message: req.ID})
	}
	wg.Wait()
	close(results)
	seen := map[string]bool{}
	for msg := range results {
		seen[msg] = true
	}
	assert.Len(t, seen, n)
}
