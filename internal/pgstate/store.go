package pgstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/idgen"
	"github.com/flitsinc/runhub/internal/runs"
)

type Store struct {
	db         *DB
	newEventID func() string
}

type StoreOption func(*Store)

func WithEventIDGenerator(fn func() string) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.newEventID = fn
		}
	}
}

func NewStore(db *DB, opts ...StoreOption) *Store {
	s := &Store{db: db, newEventID: idgen.Sortable}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var (
	_ runs.Store     = (*Store)(nil)
	_ eventlog.Store = (*Store)(nil)
)

const runColumns = `run_id, task_session_id, runtime_mode, client_request_key, state, attempt, max_attempts,
	lease_owner, lease_expires_at, last_heartbeat_at, cancel_requested_at, canceled_at,
	error_code, error_message, input, metadata, result,
	queued_at, started_at, finished_at, created_at, updated_at, version, last_event_seq`

func scanRun(row pgx.Row) (runs.TaskRun, error) {
	var run runs.TaskRun
	var mode, state string
	var requestKey, leaseOwner, errorCode, errorMessage *string
	var input, metadata, result []byte
	if err := row.Scan(
		&run.RunID, &run.TaskSessionID, &mode, &requestKey, &state, &run.Attempt, &run.MaxAttempts,
		&leaseOwner, &run.LeaseExpiresAt, &run.LastHeartbeatAt, &run.CancelRequestedAt, &run.CanceledAt,
		&errorCode, &errorMessage, &input, &metadata, &result,
		&run.QueuedAt, &run.StartedAt, &run.FinishedAt, &run.CreatedAt, &run.UpdatedAt, &run.Version, &run.LastEventSeq,
	); err != nil {
		return runs.TaskRun{}, err
	}
	run.RuntimeMode = runs.RuntimeMode(mode)
	run.State = runs.State(state)
	run.ClientRequestKey = deref(requestKey)
	run.LeaseOwner = deref(leaseOwner)
	run.ErrorCode = deref(errorCode)
	run.ErrorMessage = deref(errorMessage)
	run.Input = decodeJSON(input)
	run.Metadata = decodeJSON(metadata)
	run.Result = decodeJSON(result)
	utc(&run.QueuedAt, &run.CreatedAt, &run.UpdatedAt)
	utcPtr(run.LeaseExpiresAt, run.LastHeartbeatAt, run.CancelRequestedAt, run.CanceledAt, run.StartedAt, run.FinishedAt)
	return run, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRun(ctx context.Context, q queryRower, runID string) (runs.TaskRun, error) {
	run, err := scanRun(q.QueryRow(ctx, `SELECT `+runColumns+` FROM task_runs WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return runs.TaskRun{}, runs.ErrNotFound
	}
	if err != nil {
		return runs.TaskRun{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (runs.TaskRun, error) {
	return getRun(ctx, s.db.pool, runID)
}

func (s *Store) FindByRequestKey(ctx context.Context, taskSessionID, clientRequestKey string) (runs.TaskRun, error) {
	run, err := scanRun(s.db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM task_runs WHERE task_session_id = $1 AND client_request_key = $2`,
		taskSessionID, clientRequestKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return runs.TaskRun{}, runs.ErrNotFound
	}
	if err != nil {
		return runs.TaskRun{}, fmt.Errorf("load run by request key: %w", err)
	}
	return run, nil
}

func (s *Store) CreateRun(ctx context.Context, run runs.TaskRun, created eventlog.Draft) (runs.TaskRun, []eventlog.Event, bool, error) {
	input, err := encodeJSON(run.Input)
	if err != nil {
		return runs.TaskRun{}, nil, false, fmt.Errorf("encode input: %w", err)
	}
	metadata, err := encodeJSON(run.Metadata)
	if err != nil {
		return runs.TaskRun{}, nil, false, fmt.Errorf("encode metadata: %w", err)
	}

	var out runs.TaskRun
	var events []eventlog.Event
	var existing bool
	err = s.db.withTx(ctx, func(tx pgx.Tx) error {
		events, existing = nil, false
		tag, err := tx.Exec(ctx, `
			INSERT INTO task_runs (run_id, task_session_id, runtime_mode, client_request_key, state, attempt, max_attempts,
				input, metadata, queued_at, created_at, updated_at, version, last_event_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, 0)
			ON CONFLICT DO NOTHING
		`, run.RunID, run.TaskSessionID, string(run.RuntimeMode), nullString(run.ClientRequestKey), string(run.State),
			run.Attempt, run.MaxAttempts, input, metadata,
			run.QueuedAt.UTC(), run.CreatedAt.UTC(), run.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if run.ClientRequestKey == "" {
				return fmt.Errorf("insert run: duplicate run id %s", run.RunID)
			}
			prior, err := scanRun(tx.QueryRow(ctx,
				`SELECT `+runColumns+` FROM task_runs WHERE task_session_id = $1 AND client_request_key = $2`,
				run.TaskSessionID, run.ClientRequestKey))
			if err != nil {
				return fmt.Errorf("load existing run: %w", err)
			}
			out, existing = prior, true
			return nil
		}
		evt, _, err := s.appendTx(ctx, tx, created)
		if err != nil {
			return err
		}
		events = append(events, evt)
		out, err = getRun(ctx, tx, run.RunID)
		return err
	})
	if err != nil {
		return runs.TaskRun{}, nil, false, err
	}
	return out, events, existing, nil
}

func (s *Store) UpdateRun(ctx context.Context, run runs.TaskRun, expectedVersion int64, drafts ...eventlog.Draft) (runs.TaskRun, []eventlog.Event, error) {
	metadata, err := encodeJSON(run.Metadata)
	if err != nil {
		return runs.TaskRun{}, nil, fmt.Errorf("encode metadata: %w", err)
	}
	result, err := encodeJSON(run.Result)
	if err != nil {
		return runs.TaskRun{}, nil, fmt.Errorf("encode result: %w", err)
	}

	var out runs.TaskRun
	var events []eventlog.Event
	err = s.db.withTx(ctx, func(tx pgx.Tx) error {
		events = events[:0]
		tag, err := tx.Exec(ctx, `
			UPDATE task_runs SET
				state = $1, attempt = $2, max_attempts = $3,
				lease_owner = $4, lease_expires_at = $5, last_heartbeat_at = $6,
				cancel_requested_at = $7, canceled_at = $8,
				error_code = $9, error_message = $10, metadata = $11, result = $12,
				started_at = $13, finished_at = $14, updated_at = $15,
				version = version + 1
			WHERE run_id = $16 AND version = $17
		`, string(run.State), run.Attempt, run.MaxAttempts,
			nullString(run.LeaseOwner), run.LeaseExpiresAt, run.LastHeartbeatAt,
			run.CancelRequestedAt, run.CanceledAt,
			nullString(run.ErrorCode), nullString(run.ErrorMessage), metadata, result,
			run.StartedAt, run.FinishedAt, run.UpdatedAt.UTC(),
			run.RunID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var one int
			err := tx.QueryRow(ctx, `SELECT 1 FROM task_runs WHERE run_id = $1`, run.RunID).Scan(&one)
			if errors.Is(err, pgx.ErrNoRows) {
				return runs.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("check run: %w", err)
			}
			return runs.ErrVersionConflict
		}
		for _, d := range drafts {
			evt, _, err := s.appendTx(ctx, tx, d)
			if err != nil {
				return err
			}
			events = append(events, evt)
		}
		out, err = getRun(ctx, tx, run.RunID)
		return err
	})
	if err != nil {
		return runs.TaskRun{}, nil, err
	}
	return out, events, nil
}

func (s *Store) ListRuns(ctx context.Context, filter runs.ListFilter) ([]runs.TaskRun, error) {
	var q query
	q.sql = `SELECT ` + runColumns + ` FROM task_runs`
	var clauses []string
	if filter.TaskSessionID != "" {
		clauses = append(clauses, "task_session_id = "+q.arg(filter.TaskSessionID))
	}
	if filter.State != "" {
		clauses = append(clauses, "state = "+q.arg(string(filter.State)))
	}
	if len(clauses) > 0 {
		q.sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = runs.DefaultListLimit
	}
	q.sql += " ORDER BY created_at DESC, run_id DESC LIMIT " + q.arg(limit)
	return s.queryRuns(ctx, q.sql, q.args...)
}

func (s *Store) ListClaimable(ctx context.Context, modes []runs.RuntimeMode, limit int) ([]runs.TaskRun, error) {
	var q query
	q.sql = `SELECT ` + runColumns + ` FROM task_runs WHERE state IN (` +
		q.arg(string(runs.StateQueued)) + `, ` + q.arg(string(runs.StateStale)) + `)`
	if len(modes) > 0 {
		names := make([]string, len(modes))
		for i, mode := range modes {
			names[i] = string(mode)
		}
		q.sql += " AND runtime_mode = ANY(" + q.arg(names) + ")"
	}
	if limit <= 0 {
		limit = 1
	}
	q.sql += " ORDER BY queued_at ASC, run_id ASC LIMIT " + q.arg(limit)
	return s.queryRuns(ctx, q.sql, q.args...)
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]runs.TaskRun, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM task_runs
		WHERE state IN ($1, $2) AND lease_expires_at IS NOT NULL AND lease_expires_at <= $3
		ORDER BY lease_expires_at ASC LIMIT $4`,
		string(runs.StateRunning), string(runs.StateCancelRequested), now.UTC(), limit)
}

func (s *Store) queryRuns(ctx context.Context, sql string, args ...any) ([]runs.TaskRun, error) {
	rows, err := s.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []runs.TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// query accumulates positional arguments for a dynamically built statement.
type query struct {
	sql  string
	args []any
}

func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

func encodeJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeJSON(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func utc(ts ...*time.Time) {
	for _, t := range ts {
		*t = t.UTC()
	}
}

func utcPtr(ts ...*time.Time) {
	for _, t := range ts {
		if t != nil {
			*t = t.UTC()
		}
	}
}
