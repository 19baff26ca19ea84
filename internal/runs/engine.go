package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/idgen"
)

// casAttempts bounds how often a transition is re-evaluated after losing a
// compare-and-swap race. Each retry re-reads the run, so a lost claim race
// ends as a ConflictError rather than another retry.
const casAttempts = 8

// Engine owns the task-run state machine. All transitions are evaluated
// against a freshly read run and written with compare-and-swap so racing
// workers cannot both succeed.
type Engine struct {
	store  Store
	log    *eventlog.Log
	logger *slog.Logger
	tracer trace.Tracer

	nowFn              func() time.Time
	newIDFn            func() string
	defaultMaxAttempts int
	defaultLease       time.Duration
	onClaimable        []func(TaskRun)

	metrics *engineMetrics
}

type Option func(*Engine)

func WithClock(nowFn func() time.Time) Option {
	return func(e *Engine) {
		if nowFn != nil {
			e.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(e *Engine) {
		if newIDFn != nil {
			e.newIDFn = newIDFn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEventLog shares an event log (and its notifier) with other
// components such as the stream server.
func WithEventLog(log *eventlog.Log) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func WithDefaultMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.defaultMaxAttempts = n
		}
	}
}

func WithDefaultLease(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultLease = d
		}
	}
}

// WithClaimableHook registers fn to be called after a run is created or
// moves back to a claimable state. fn runs synchronously and must not block.
func WithClaimableHook(fn func(TaskRun)) Option {
	return func(e *Engine) {
		if fn != nil {
			e.onClaimable = append(e.onClaimable, fn)
		}
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:              store,
		logger:             slog.Default(),
		tracer:             otel.Tracer("github.com/flitsinc/runhub/internal/runs"),
		nowFn:              func() time.Time { return time.Now().UTC() },
		newIDFn:            idgen.New,
		defaultMaxAttempts: DefaultMaxAttempts,
		defaultLease:       DefaultLeaseDuration,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.log == nil {
		e.log = eventlog.NewLog(store, eventlog.WithClock(e.nowFn), eventlog.WithLogger(e.logger))
	}
	e.metrics = newEngineMetrics(e.logger)
	return e
}

func (e *Engine) now() time.Time {
	return e.nowFn().UTC()
}

// Log exposes the event log the engine appends to.
func (e *Engine) Log() *eventlog.Log {
	return e.log
}

func (e *Engine) DefaultLease() time.Duration {
	return e.defaultLease
}

func (e *Engine) Create(ctx context.Context, req CreateRequest) (TaskRun, bool, error) {
	ctx, span := e.tracer.Start(ctx, "runs.Create")
	defer span.End()

	req.TaskSessionID = strings.TrimSpace(req.TaskSessionID)
	if req.TaskSessionID == "" {
		return TaskRun{}, false, &ValidationError{Field: "taskSessionId", Message: "is required"}
	}
	if err := idgen.ValidateKey(req.TaskSessionID); err != nil {
		return TaskRun{}, false, &ValidationError{Field: "taskSessionId", Message: err.Error()}
	}
	mode, err := ParseRuntimeMode(string(req.RuntimeMode))
	if err != nil {
		return TaskRun{}, false, err
	}
	if req.ClientRequestKey != "" {
		if err := idgen.ValidateKey(req.ClientRequestKey); err != nil {
			return TaskRun{}, false, &ValidationError{Field: "clientRequestKey", Message: err.Error()}
		}
	}
	maxAttempts := req.MaxAttempts
	switch {
	case maxAttempts == 0:
		maxAttempts = e.defaultMaxAttempts
	case maxAttempts < 0 || maxAttempts > MaxMaxAttempts:
		return TaskRun{}, false, &ValidationError{Field: "maxAttempts", Message: fmt.Sprintf("must be between 1 and %d", MaxMaxAttempts)}
	}
	span.SetAttributes(
		attribute.String("task_session_id", req.TaskSessionID),
		attribute.String("runtime_mode", string(mode)),
	)

	if req.ClientRequestKey != "" {
		existing, err := e.store.FindByRequestKey(ctx, req.TaskSessionID, req.ClientRequestKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return TaskRun{}, false, e.spanError(span, fmt.Errorf("lookup request key: %w", err))
		}
	}

	now := e.now()
	run := TaskRun{
		RunID:            e.newIDFn(),
		TaskSessionID:    req.TaskSessionID,
		RuntimeMode:      mode,
		ClientRequestKey: req.ClientRequestKey,
		State:            StateQueued,
		Attempt:          1,
		MaxAttempts:      maxAttempts,
		Input:            req.Input,
		Metadata:         req.Metadata,
		QueuedAt:         now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	created := e.draft(run, EventCreated, now, map[string]any{
		"runtimeMode": string(mode),
		"attempt":     run.Attempt,
		"maxAttempts": run.MaxAttempts,
	})
	stored, events, existing, err := e.store.CreateRun(ctx, run, created)
	if err != nil {
		return TaskRun{}, false, e.spanError(span, fmt.Errorf("create run: %w", err))
	}
	if existing {
		return stored, false, nil
	}
	e.log.Announce(events...)
	e.metrics.created(ctx, mode)
	e.logger.Info("run created", "run_id", stored.RunID, "task_session_id", stored.TaskSessionID, "runtime_mode", mode)
	e.claimable(stored)
	return stored, true, nil
}

func (e *Engine) Get(ctx context.Context, runID string) (TaskRun, error) {
	if strings.TrimSpace(runID) == "" {
		return TaskRun{}, &ValidationError{Field: "runId", Message: "is required"}
	}
	return e.store.GetRun(ctx, runID)
}

func (e *Engine) List(ctx context.Context, filter ListFilter) ([]TaskRun, error) {
	if filter.State != "" && !filter.State.Valid() {
		return nil, &ValidationError{Field: "state", Message: fmt.Sprintf("unknown state %q", filter.State)}
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultListLimit
	case filter.Limit > MaxListLimit:
		filter.Limit = MaxListLimit
	}
	return e.store.ListRuns(ctx, filter)
}

// Claim leases a queued or stale run to workerID. A running run whose lease
// already lapsed is swept first, so it becomes claimable (or dead) without
// waiting for the background sweeper.
func (e *Engine) Claim(ctx context.Context, runID, workerID string, lease time.Duration) (TaskRun, error) {
	ctx, span := e.tracer.Start(ctx, "runs.Claim", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("worker_id", workerID),
	))
	defer span.End()

	if err := validateWorker(workerID); err != nil {
		return TaskRun{}, err
	}
	if lease <= 0 {
		lease = e.defaultLease
	}
	run, err := e.mutate(ctx, runID, "claim", func(run TaskRun, now time.Time) (transition, error) {
		var drafts []eventlog.Draft
		if run.State.Leased() && run.State != StateStale && run.LeaseExpired(now) {
			var expired eventlog.Draft
			run, expired = e.expire(run, now)
			drafts = append(drafts, expired)
		}
		if !run.State.Claimable() {
			reason := "run is not claimable"
			if run.LeaseOwner != "" && !run.LeaseExpired(now) {
				reason = "run is leased by another worker"
			}
			if len(drafts) > 0 {
				// Persist the expiry even though the claim itself fails.
				return transition{run: run, events: drafts, err: &ConflictError{RunID: run.RunID, Op: "claim", State: run.State, Reason: reason}}, nil
			}
			return transition{}, &ConflictError{RunID: run.RunID, Op: "claim", State: run.State, Reason: reason}
		}
		previous := run.LeaseOwner
		if run.State == StateStale {
			run.Attempt++
		}
		expires := now.Add(lease)
		run.State = StateRunning
		run.LeaseOwner = workerID
		run.LeaseExpiresAt = &expires
		run.LastHeartbeatAt = &now
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
		run.UpdatedAt = now
		payload := map[string]any{
			"workerId":       workerID,
			"attempt":        run.Attempt,
			"leaseExpiresAt": expires,
		}
		if previous != "" {
			payload["previousWorkerId"] = previous
		}
		drafts = append(drafts, e.draft(run, EventStarted, now, payload))
		return transition{run: run, events: drafts}, nil
	})
	e.metrics.claimed(ctx, err)
	if err != nil {
		return TaskRun{}, e.spanError(span, err)
	}
	e.logger.Info("run claimed", "run_id", run.RunID, "worker_id", workerID, "attempt", run.Attempt)
	return run, nil
}

// ClaimNext claims the oldest claimable run, optionally restricted to modes.
// ok is false when nothing could be claimed.
func (e *Engine) ClaimNext(ctx context.Context, req ClaimRequest) (TaskRun, bool, error) {
	if err := validateWorker(req.WorkerID); err != nil {
		return TaskRun{}, false, err
	}
	for _, mode := range req.Modes {
		if !mode.Valid() {
			return TaskRun{}, false, &ValidationError{Field: "modes", Message: fmt.Sprintf("unknown runtime mode %q", mode)}
		}
	}
	candidates, err := e.store.ListClaimable(ctx, req.Modes, 16)
	if err != nil {
		return TaskRun{}, false, fmt.Errorf("list claimable runs: %w", err)
	}
	for _, candidate := range candidates {
		run, err := e.Claim(ctx, candidate.RunID, req.WorkerID, req.LeaseDuration)
		if err == nil {
			return run, true, nil
		}
		if IsConflict(err) || errors.Is(err, ErrNotFound) {
			continue
		}
		return TaskRun{}, false, err
	}
	return TaskRun{}, false, nil
}

// Heartbeat extends the lease held by workerID. A zero extend uses the
// engine's default lease. It is also accepted in cancel_requested: the
// returned state is how the holder learns of the cancel, and the lease
// stays alive until it reports the canceled outcome. Any other state
// conflicts.
func (e *Engine) Heartbeat(ctx context.Context, runID, workerID string, extend time.Duration) (TaskRun, error) {
	if err := validateWorker(workerID); err != nil {
		return TaskRun{}, err
	}
	if extend <= 0 {
		extend = e.defaultLease
	}
	return e.mutate(ctx, runID, "heartbeat", func(run TaskRun, now time.Time) (transition, error) {
		if err := checkOwner(run, workerID, now, "heartbeat"); err != nil {
			return transition{}, err
		}
		expires := now.Add(extend)
		run.LeaseExpiresAt = &expires
		run.LastHeartbeatAt = &now
		run.UpdatedAt = now
		return transition{run: run}, nil
	})
}

// RequestCancel asks for a run to stop. Running runs move to
// cancel_requested and the worker is expected to stop cooperatively; runs
// nobody is working on are canceled outright. Terminal runs are returned
// unchanged.
func (e *Engine) RequestCancel(ctx context.Context, runID, reason string) (TaskRun, error) {
	return e.mutate(ctx, runID, "cancel", func(run TaskRun, now time.Time) (transition, error) {
		payload := map[string]any{}
		if reason != "" {
			payload["reason"] = reason
		}
		switch run.State {
		case StateRunning:
			run.State = StateCancelRequested
			run.CancelRequestedAt = &now
			run.UpdatedAt = now
			return transition{run: run, events: []eventlog.Draft{e.draft(run, EventCancelRequested, now, payload)}}, nil
		case StateQueued, StateStale:
			run.State = StateCanceled
			run.CancelRequestedAt = &now
			run.CanceledAt = &now
			run.FinishedAt = &now
			run.UpdatedAt = now
			clearLease(&run)
			return transition{run: run, events: []eventlog.Draft{e.draft(run, EventCanceled, now, payload)}}, nil
		default:
			return transition{run: run, skip: true}, nil
		}
	})
}

// Complete finishes a run for its lease holder. A run with a pending cancel
// request ends canceled instead of completed.
func (e *Engine) Complete(ctx context.Context, runID, workerID string, result map[string]any) (TaskRun, error) {
	if err := validateWorker(workerID); err != nil {
		return TaskRun{}, err
	}
	return e.finish(ctx, runID, workerID, "complete", func(run TaskRun, now time.Time) (TaskRun, eventlog.Draft) {
		run.Result = result
		if run.State == StateCancelRequested {
			run.State = StateCanceled
			run.CanceledAt = &now
			return run, e.draft(run, EventCanceled, now, map[string]any{"result": result})
		}
		run.State = StateCompleted
		return run, e.draft(run, EventCompleted, now, map[string]any{"result": result})
	})
}

func (e *Engine) Fail(ctx context.Context, runID, workerID, errorCode, errorMessage string) (TaskRun, error) {
	if err := validateWorker(workerID); err != nil {
		return TaskRun{}, err
	}
	if strings.TrimSpace(errorCode) == "" {
		errorCode = "failed"
	}
	return e.finish(ctx, runID, workerID, "fail", func(run TaskRun, now time.Time) (TaskRun, eventlog.Draft) {
		run.ErrorCode = errorCode
		run.ErrorMessage = errorMessage
		payload := map[string]any{"errorCode": errorCode, "errorMessage": errorMessage}
		if run.State == StateCancelRequested {
			run.State = StateCanceled
			run.CanceledAt = &now
			return run, e.draft(run, EventCanceled, now, payload)
		}
		run.State = StateFailed
		return run, e.draft(run, EventFailed, now, payload)
	})
}

func (e *Engine) finish(ctx context.Context, runID, workerID, op string, apply func(TaskRun, time.Time) (TaskRun, eventlog.Draft)) (TaskRun, error) {
	ctx, span := e.tracer.Start(ctx, "runs."+op, trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("worker_id", workerID),
	))
	defer span.End()

	run, err := e.mutate(ctx, runID, op, func(run TaskRun, now time.Time) (transition, error) {
		if err := checkOwner(run, workerID, now, op); err != nil {
			return transition{}, err
		}
		run, evt := apply(run, now)
		run.FinishedAt = &now
		run.UpdatedAt = now
		clearLease(&run)
		return transition{run: run, events: []eventlog.Draft{evt}}, nil
	})
	if err != nil {
		return TaskRun{}, e.spanError(span, err)
	}
	e.logger.Info("run finished", "run_id", run.RunID, "worker_id", workerID, "state", run.State)
	return run, nil
}

// SweepExpired moves every leased run whose lease lapsed to its expiry
// state: running runs become stale (or dead once attempts are exhausted)
// and cancel_requested runs become canceled.
func (e *Engine) SweepExpired(ctx context.Context) (SweepResult, error) {
	ctx, span := e.tracer.Start(ctx, "runs.SweepExpired")
	defer span.End()

	var result SweepResult
	expired, err := e.store.ListExpired(ctx, e.now(), 500)
	if err != nil {
		return result, e.spanError(span, fmt.Errorf("list expired runs: %w", err))
	}
	for _, candidate := range expired {
		run, err := e.mutate(ctx, candidate.RunID, "sweep", func(run TaskRun, now time.Time) (transition, error) {
			if run.State == StateStale || !run.State.Leased() || !run.LeaseExpired(now) {
				return transition{run: run, skip: true}, nil
			}
			next, evt := e.expire(run, now)
			return transition{run: next, events: []eventlog.Draft{evt}}, nil
		})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return result, e.spanError(span, err)
		}
		switch run.State {
		case StateStale:
			if candidate.State != StateStale {
				result.Stale++
			}
		case StateDead:
			result.Dead++
		case StateCanceled:
			if candidate.State != StateCanceled {
				result.Canceled++
			}
		}
	}
	if result.Total() > 0 {
		e.logger.Info("swept expired leases", "stale", result.Stale, "dead", result.Dead, "canceled", result.Canceled)
	}
	e.metrics.swept(ctx, result)
	span.SetAttributes(attribute.Int("runs.swept", result.Total()))
	return result, nil
}

// expire applies lease expiry to a leased run.
func (e *Engine) expire(run TaskRun, now time.Time) (TaskRun, eventlog.Draft) {
	worker := run.LeaseOwner
	run.UpdatedAt = now
	switch {
	case run.State == StateCancelRequested:
		run.State = StateCanceled
		run.CanceledAt = &now
		run.FinishedAt = &now
		clearLease(&run)
		return run, e.draft(run, EventCanceled, now, map[string]any{"reason": ErrorCodeLeaseExpired, "workerId": worker})
	case run.Attempt >= run.MaxAttempts:
		run.State = StateDead
		run.ErrorCode = ErrorCodeLeaseExpired
		run.ErrorMessage = fmt.Sprintf("lease expired on final attempt %d of %d", run.Attempt, run.MaxAttempts)
		run.FinishedAt = &now
		clearLease(&run)
		return run, e.draft(run, EventDead, now, map[string]any{
			"workerId":    worker,
			"attempt":     run.Attempt,
			"maxAttempts": run.MaxAttempts,
		})
	default:
		run.State = StateStale
		return run, e.draft(run, EventStale, now, map[string]any{
			"workerId": worker,
			"attempt":  run.Attempt,
		})
	}
}

// Append records an agent event against an existing run.
func (e *Engine) Append(ctx context.Context, runID string, d eventlog.Draft) (eventlog.Event, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return eventlog.Event{}, err
	}
	if d.TaskSessionID != "" && d.TaskSessionID != run.TaskSessionID {
		return eventlog.Event{}, &ValidationError{Field: "taskSessionId", Message: eventlog.ErrSessionMismatch.Error()}
	}
	d.RunID = run.RunID
	d.TaskSessionID = run.TaskSessionID
	evt, err := e.log.Append(ctx, d)
	if err != nil {
		if errors.Is(err, eventlog.ErrInvalidDraft) {
			return eventlog.Event{}, &ValidationError{Field: "event", Message: err.Error()}
		}
		return eventlog.Event{}, err
	}
	return evt, nil
}

// transition is the outcome of evaluating one state-machine step. err, when
// set alongside events, is returned after the events are persisted.
type transition struct {
	run    TaskRun
	events []eventlog.Draft
	skip   bool
	err    error
}

func (e *Engine) mutate(ctx context.Context, runID, op string, step func(TaskRun, time.Time) (transition, error)) (TaskRun, error) {
	if strings.TrimSpace(runID) == "" {
		return TaskRun{}, &ValidationError{Field: "runId", Message: "is required"}
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return TaskRun{}, err
		}
		next, err := step(current, e.now())
		if err != nil {
			return TaskRun{}, err
		}
		if next.skip {
			return current, nil
		}
		updated, events, err := e.store.UpdateRun(ctx, next.run, current.Version, next.events...)
		if errors.Is(err, ErrVersionConflict) {
			e.logger.Debug("run update lost race", "run_id", runID, "op", op, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return TaskRun{}, fmt.Errorf("%s %s: %w", op, runID, err)
		}
		e.log.Announce(events...)
		if updated.State != current.State {
			e.metrics.transitioned(ctx, current.State, updated.State)
			if updated.State.Claimable() {
				e.claimable(updated)
			}
		}
		if next.err != nil {
			return updated, next.err
		}
		return updated, nil
	}
	return TaskRun{}, &ConflictError{RunID: runID, Op: op, Reason: "too many concurrent updates"}
}

func (e *Engine) claimable(run TaskRun) {
	for _, fn := range e.onClaimable {
		fn(run)
	}
}

func (e *Engine) draft(run TaskRun, eventType string, now time.Time, payload map[string]any) eventlog.Draft {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["state"] = string(run.State)
	return eventlog.Draft{
		RunID:         run.RunID,
		TaskSessionID: run.TaskSessionID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     now,
	}
}

func (e *Engine) spanError(span trace.Span, err error) error {
	if err != nil && !IsConflict(err) && !errors.Is(err, ErrValidation) && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func checkOwner(run TaskRun, workerID string, now time.Time, op string) error {
	if run.State != StateRunning && run.State != StateCancelRequested {
		return &ConflictError{RunID: run.RunID, Op: op, State: run.State, Reason: "run is not running"}
	}
	if run.LeaseOwner != workerID {
		return &ConflictError{RunID: run.RunID, Op: op, State: run.State, Reason: "lease is held by another worker"}
	}
	if run.LeaseExpired(now) {
		return &ConflictError{RunID: run.RunID, Op: op, State: run.State, Reason: "lease expired"}
	}
	return nil
}

func clearLease(run *TaskRun) {
	run.LeaseOwner = ""
	run.LeaseExpiresAt = nil
}

func validateWorker(workerID string) error {
	if strings.TrimSpace(workerID) == "" {
		return &ValidationError{Field: "workerId", Message: "is required"}
	}
	if err := idgen.ValidateKey(workerID); err != nil {
		return &ValidationError{Field: "workerId", Message: err.Error()}
	}
	return nil
}
