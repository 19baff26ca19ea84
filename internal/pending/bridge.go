// Package pending holds requests that block an execution until an external
// actor answers them.
package pending

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/flitsinc/runhub/internal/idgen"
)

type outcome struct {
	reply Reply
	err   error
}

type entry struct {
	req   Request
	done  chan outcome
	timer *time.Timer
}

// Bridge is the registry of outstanding asks. Each request resolves exactly
// once; replies and rejections for unknown ids are ignored so a late answer
// can race a teardown harmlessly.
type Bridge struct {
	mu      sync.Mutex
	entries map[string]*entry

	timeout time.Duration
	nowFn   func() time.Time
	newID   func() string
	logger  *slog.Logger

	inflight metric.Int64UpDownCounter
}

type BridgeOption func(*Bridge)

// WithTimeout rejects asks that stay unanswered for d with ErrTimeout.
func WithTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func WithClock(nowFn func() time.Time) BridgeOption {
	return func(b *Bridge) {
		if nowFn != nil {
			b.nowFn = nowFn
		}
	}
}

func WithIDGenerator(fn func() string) BridgeOption {
	return func(b *Bridge) {
		if fn != nil {
			b.newID = fn
		}
	}
}

func WithLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func NewBridge(opts ...BridgeOption) *Bridge {
	b := &Bridge{
		entries: map[string]*entry{},
		nowFn:   func() time.Time { return time.Now().UTC() },
		newID:   idgen.New,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	inflight, err := otel.Meter("github.com/flitsinc/runhub/internal/pending").Int64UpDownCounter(
		"runhub.pending.inflight",
		metric.WithDescription("Asks waiting for a reply"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		b.logger.Warn("pending: create inflight counter", "error", err)
	}
	b.inflight = inflight
	return b
}

// Register validates req, assigns defaults and adds it to the registry. The
// returned wait func blocks until the request is resolved or ctx ends.
// Most callers want Ask; Register lets a caller publish the request (for
// example as an event) between registering and waiting.
func (b *Bridge) Register(req Request) (Request, func(context.Context) (Reply, error), error) {
	if err := validate(req); err != nil {
		return Request{}, nil, err
	}
	if req.ID == "" {
		req.ID = b.newID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = b.nowFn().UTC()
	}
	e := &entry{req: req, done: make(chan outcome, 1)}

	b.mu.Lock()
	if _, exists := b.entries[req.ID]; exists {
		b.mu.Unlock()
		return Request{}, nil, fmt.Errorf("%w: duplicate id %s", ErrInvalid, req.ID)
	}
	b.entries[req.ID] = e
	// The deadline runs from registration, whether or not anyone waits yet.
	if b.timeout > 0 {
		e.timer = time.AfterFunc(b.timeout, func() { b.expire(req.ID) })
	}
	b.mu.Unlock()
	b.track(1)

	wait := func(ctx context.Context) (Reply, error) {
		select {
		case out := <-e.done:
			return out.reply, out.err
		case <-ctx.Done():
			if b.take(req.ID) != nil {
				return Reply{}, ctx.Err()
			}
			// Resolved concurrently; the outcome is already buffered.
			out := <-e.done
			return out.reply, out.err
		}
	}
	return req, wait, nil
}

// Ask registers req and blocks until it is answered.
func (b *Bridge) Ask(ctx context.Context, req Request) (Reply, error) {
	_, wait, err := b.Register(req)
	if err != nil {
		return Reply{}, err
	}
	return wait(ctx)
}

// Reply resolves id with r. It reports whether a pending request was found.
func (b *Bridge) Reply(id string, r Reply) bool {
	e := b.take(id)
	if e == nil {
		return false
	}
	if r.Decision == Reject {
		e.done <- outcome{err: &RejectedError{ID: id, Reason: r.Message}}
	} else {
		e.done <- outcome{reply: r}
	}
	b.logger.Debug("pending request answered", "id", id, "session_id", e.req.SessionID, "kind", e.req.Kind)
	return true
}

// Reject fails id with a RejectedError. It reports whether a pending
// request was found.
func (b *Bridge) Reject(id, reason string) bool {
	e := b.take(id)
	if e == nil {
		return false
	}
	e.done <- outcome{err: &RejectedError{ID: id, Reason: reason}}
	b.logger.Debug("pending request rejected", "id", id, "session_id", e.req.SessionID, "reason", reason)
	return true
}

// ClearSession rejects every request of sessionID and returns how many
// were dropped.
func (b *Bridge) ClearSession(sessionID, reason string) int {
	if reason == "" {
		reason = "session cleared"
	}
	b.mu.Lock()
	var victims []*entry
	for id, e := range b.entries {
		if e.req.SessionID == sessionID {
			victims = append(victims, e)
			delete(b.entries, id)
		}
	}
	b.mu.Unlock()
	for _, e := range victims {
		b.track(-1)
		e.done <- outcome{err: &RejectedError{ID: e.req.ID, Reason: reason}}
	}
	return len(victims)
}

// Reset rejects everything outstanding.
func (b *Bridge) Reset() int {
	b.mu.Lock()
	victims := make([]*entry, 0, len(b.entries))
	for _, e := range b.entries {
		victims = append(victims, e)
	}
	b.entries = map[string]*entry{}
	b.mu.Unlock()
	for _, e := range victims {
		b.track(-1)
		e.done <- outcome{err: &RejectedError{ID: e.req.ID, Reason: "reset"}}
	}
	return len(victims)
}

// Filter selects pending requests. Empty fields match everything.
type Filter struct {
	SessionID string
	Kind      Kind
}

// Pending lists outstanding requests, oldest first.
func (b *Bridge) Pending(f Filter) []Request {
	b.mu.Lock()
	out := make([]Request, 0, len(b.entries))
	for _, e := range b.entries {
		if f.SessionID != "" && e.req.SessionID != f.SessionID {
			continue
		}
		if f.Kind != "" && e.req.Kind != f.Kind {
			continue
		}
		out = append(out, e.req)
	}
	b.mu.Unlock()
	slices.SortFunc(out, func(a, c Request) int {
		if n := a.CreatedAt.Compare(c.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, c.ID)
	})
	return out
}

func (b *Bridge) Get(id string) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return Request{}, false
	}
	return e.req, true
}

func (b *Bridge) expire(id string) {
	e := b.take(id)
	if e == nil {
		return
	}
	e.done <- outcome{err: fmt.Errorf("request %s: %w", id, ErrTimeout)}
	b.logger.Info("pending request timed out", "id", id, "session_id", e.req.SessionID, "kind", e.req.Kind)
}

// take removes id from the registry. Only the caller that removes an entry
// may resolve it.
func (b *Bridge) take(id string) *entry {
	b.mu.Lock()
	e, ok := b.entries[id]
	if ok {
		delete(b.entries, id)
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	b.mu.Unlock()
	if ok {
		b.track(-1)
		return e
	}
	return nil
}

func (b *Bridge) track(delta int64) {
	if b.inflight != nil {
		b.inflight.Add(context.Background(), delta)
	}
}

func validate(req Request) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return fmt.Errorf("%w: sessionId is required", ErrInvalid)
	}
	switch req.Kind {
	case KindPermission:
		if strings.TrimSpace(req.Permission) == "" {
			return fmt.Errorf("%w: permission is required", ErrInvalid)
		}
	case KindQuestion:
		if len(req.Questions) == 0 {
			return fmt.Errorf("%w: at least one question is required", ErrInvalid)
		}
		for i, q := range req.Questions {
			if strings.TrimSpace(q.Question) == "" {
				return fmt.Errorf("%w: question %d is empty", ErrInvalid, i)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, req.Kind)
	}
	return nil
}
