// Package worker drives claimed runs to completion: it claims work, keeps
// the lease alive while an Executor runs, and reports the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/runs"
)

const (
	DefaultPollInterval = time.Second
	// heartbeatDivisor sets how many heartbeats fit in one lease.
	heartbeatDivisor = 3
)

var (
	// ErrLeaseLost aborts execution when a heartbeat fails. The run may
	// already belong to another worker, so nothing is reported for it.
	ErrLeaseLost = errors.New("lease lost")
	// ErrCancelRequested aborts execution when the run was asked to stop.
	ErrCancelRequested = errors.New("cancel requested")
)

// Lifecycle is the run API a worker needs. *runs.Engine implements it
// in-process and *client.Client over HTTP.
type Lifecycle interface {
	ClaimNext(ctx context.Context, req runs.ClaimRequest) (runs.TaskRun, bool, error)
	Claim(ctx context.Context, runID, workerID string, lease time.Duration) (runs.TaskRun, error)
	Heartbeat(ctx context.Context, runID, workerID string, extend time.Duration) (runs.TaskRun, error)
	Complete(ctx context.Context, runID, workerID string, result map[string]any) (runs.TaskRun, error)
	Fail(ctx context.Context, runID, workerID, errorCode, errorMessage string) (runs.TaskRun, error)
	Append(ctx context.Context, runID string, d eventlog.Draft) (eventlog.Event, error)
}

// EmitFunc appends an event to the run being executed.
type EmitFunc func(ctx context.Context, d eventlog.Draft) error

// Executor performs the work of one run. ctx is canceled when the lease is
// lost or a cancel is requested; context.Cause tells which.
type Executor interface {
	Execute(ctx context.Context, run runs.TaskRun, emit EmitFunc) (map[string]any, error)
}

type ExecutorFunc func(ctx context.Context, run runs.TaskRun, emit EmitFunc) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, run runs.TaskRun, emit EmitFunc) (map[string]any, error) {
	return f(ctx, run, emit)
}

// Failure is an executor error with a stable error code.
type Failure struct {
	Code    string
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

type Worker struct {
	ID           string
	Lifecycle    Lifecycle
	Executor     Executor
	Modes        []runs.RuntimeMode
	Lease        time.Duration
	PollInterval time.Duration
	Concurrency  int
	Logger       *slog.Logger

	active      atomic.Int64
	processed   atomic.Int64
	dispatched  sync.WaitGroup
	metricsOnce sync.Once
	outcomes    metric.Int64Counter
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Worker) lease() time.Duration {
	if w.Lease > 0 {
		return w.Lease
	}
	return runs.DefaultLeaseDuration
}

func (w *Worker) pollInterval() time.Duration {
	if w.PollInterval > 0 {
		return w.PollInterval
	}
	return DefaultPollInterval
}

// Active reports how many runs are executing right now.
func (w *Worker) Active() int64 {
	return w.active.Load()
}

// Processed reports how many runs this worker has finished handling.
func (w *Worker) Processed() int64 {
	return w.processed.Load()
}

// Run claims and executes runs on Concurrency slots until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if w.ID == "" {
		return errors.New("worker: ID is required")
	}
	slots := w.Concurrency
	if slots <= 0 {
		slots = 1
	}
	w.logger().Info("worker started", "worker_id", w.ID, "slots", slots, "modes", w.Modes)
	g, ctx := errgroup.WithContext(ctx)
	for range slots {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	err := g.Wait()
	w.logger().Info("worker stopped", "worker_id", w.ID, "processed", w.Processed())
	return err
}

func (w *Worker) loop(ctx context.Context) {
	for {
		worked, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger().Warn("worker iteration failed", "worker_id", w.ID, "error", err)
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval()):
		}
	}
}

// RunOnce claims the oldest claimable run and executes it. It reports
// false when nothing was claimable.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	run, ok, err := w.Lifecycle.ClaimNext(ctx, runs.ClaimRequest{
		WorkerID:      w.ID,
		LeaseDuration: w.lease(),
		Modes:         w.Modes,
	})
	if err != nil {
		return false, fmt.Errorf("claim next: %w", err)
	}
	if !ok {
		return false, nil
	}
	_, err = w.Process(ctx, run)
	return true, err
}

// Dispatch claims one specific run and executes it.
func (w *Worker) Dispatch(ctx context.Context, runID string) (runs.TaskRun, error) {
	run, err := w.Lifecycle.Claim(ctx, runID, w.ID, w.lease())
	if err != nil {
		return runs.TaskRun{}, err
	}
	return w.Process(ctx, run)
}

// Process executes a run this worker already holds the lease for and
// reports the outcome. A lost lease or a canceled ctx reports nothing: the
// lease lapses and the sweeper decides whether the run is retried.
func (w *Worker) Process(ctx context.Context, run runs.TaskRun) (runs.TaskRun, error) {
	w.active.Add(1)
	defer w.active.Add(-1)
	defer w.processed.Add(1)
	log := w.logger().With("run_id", run.RunID, "worker_id", w.ID, "attempt", run.Attempt)
	log.Info("run claimed", "mode", run.RuntimeMode)

	execCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	beatCtx, stopBeats := context.WithCancel(ctx)
	defer stopBeats()

	if run.State == runs.StateCancelRequested {
		abort(ErrCancelRequested)
	}

	var (
		result  map[string]any
		execErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		defer stopBeats()
		result, execErr = w.Executor.Execute(execCtx, run, func(ctx context.Context, d eventlog.Draft) error {
			_, err := w.Lifecycle.Append(ctx, run.RunID, d)
			return err
		})
		return nil
	})
	g.Go(func() error {
		w.heartbeat(beatCtx, run, abort, log)
		return nil
	})
	_ = g.Wait()

	cause := context.Cause(execCtx)
	switch {
	case errors.Is(cause, ErrLeaseLost):
		log.Warn("run abandoned after lease loss")
		w.count(ctx, "lease_lost")
		return run, ErrLeaseLost
	case ctx.Err() != nil:
		log.Info("run interrupted by shutdown")
		w.count(context.WithoutCancel(ctx), "interrupted")
		return run, ctx.Err()
	}

	if execErr != nil {
		code, message := "executor_error", execErr.Error()
		var failure *Failure
		if errors.As(execErr, &failure) {
			code, message = failure.Code, failure.Message
		} else if errors.Is(cause, ErrCancelRequested) {
			code = "canceled"
		}
		final, err := w.Lifecycle.Fail(ctx, run.RunID, w.ID, code, message)
		if err != nil {
			log.Warn("report failure", "error", err)
			w.count(ctx, "report_error")
			return run, fmt.Errorf("fail run: %w", err)
		}
		log.Info("run finished", "state", final.State, "error_code", code)
		w.count(ctx, string(final.State))
		return final, nil
	}

	final, err := w.Lifecycle.Complete(ctx, run.RunID, w.ID, result)
	if err != nil {
		log.Warn("report completion", "error", err)
		w.count(ctx, "report_error")
		return run, fmt.Errorf("complete run: %w", err)
	}
	log.Info("run finished", "state", final.State)
	w.count(ctx, string(final.State))
	return final, nil
}

// heartbeat extends the lease every lease/3. Any failed heartbeat is
// treated as a lost lease. A cancel request aborts execution but keeps
// heartbeating so the worker can still report the canceled outcome.
func (w *Worker) heartbeat(ctx context.Context, run runs.TaskRun, abort context.CancelCauseFunc, log *slog.Logger) {
	lease := w.lease()
	ticker := time.NewTicker(lease / heartbeatDivisor)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		updated, err := w.Lifecycle.Heartbeat(ctx, run.RunID, w.ID, lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("heartbeat failed", "error", err)
			abort(ErrLeaseLost)
			return
		}
		if updated.State == runs.StateCancelRequested {
			abort(ErrCancelRequested)
		}
	}
}

func (w *Worker) count(ctx context.Context, outcome string) {
	w.metricsOnce.Do(func() {
		counter, err := otel.Meter("github.com/flitsinc/runhub/internal/worker").Int64Counter(
			"runhub.worker.runs",
			metric.WithDescription("Runs handled by this worker, by outcome."),
		)
		if err != nil {
			w.logger().Warn("create worker counter", "error", err)
			return
		}
		w.outcomes = counter
	})
	if w.outcomes == nil {
		return
	}
	w.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
