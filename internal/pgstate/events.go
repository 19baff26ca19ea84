package pgstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/flitsinc/runhub/internal/eventlog"
)

const eventColumns = `event_id, run_id, task_session_id, event_seq, event_type, dedupe_key, payload, created_at`

func scanEvent(row pgx.Row) (eventlog.Event, error) {
	var evt eventlog.Event
	var dedupe *string
	var payload []byte
	if err := row.Scan(&evt.EventID, &evt.RunID, &evt.TaskSessionID, &evt.EventSeq, &evt.EventType, &dedupe, &payload, &evt.CreatedAt); err != nil {
		return eventlog.Event{}, err
	}
	evt.DedupeKey = deref(dedupe)
	evt.Payload = decodeJSON(payload)
	evt.CreatedAt = evt.CreatedAt.UTC()
	return evt, nil
}

func (s *Store) AppendEvent(ctx context.Context, d eventlog.Draft) (eventlog.Event, bool, error) {
	var evt eventlog.Event
	var deduped bool
	err := s.db.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		evt, deduped, err = s.appendTx(ctx, tx, d)
		return err
	})
	if err != nil {
		return eventlog.Event{}, false, err
	}
	return evt, deduped, nil
}

// appendTx locks the run row, so appends to one run serialize and the
// dedupe lookup sees every committed event. A dedupe hit consumes no
// sequence number. The NOTIFY is delivered only if the transaction commits.
func (s *Store) appendTx(ctx context.Context, tx pgx.Tx, d eventlog.Draft) (eventlog.Event, bool, error) {
	var sessionID string
	err := tx.QueryRow(ctx, `SELECT task_session_id FROM task_runs WHERE run_id = $1 FOR UPDATE`, d.RunID).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return eventlog.Event{}, false, eventlog.ErrUnknownRun
	}
	if err != nil {
		return eventlog.Event{}, false, fmt.Errorf("lock run: %w", err)
	}
	if d.TaskSessionID != "" && d.TaskSessionID != sessionID {
		return eventlog.Event{}, false, eventlog.ErrSessionMismatch
	}

	if d.DedupeKey != "" {
		prior, err := scanEvent(tx.QueryRow(ctx,
			`SELECT `+eventColumns+` FROM run_events WHERE run_id = $1 AND dedupe_key = $2`,
			d.RunID, d.DedupeKey))
		if err == nil {
			return prior, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return eventlog.Event{}, false, fmt.Errorf("lookup dedupe key: %w", err)
		}
	}

	var seq int64
	if err := tx.QueryRow(ctx, `
		UPDATE task_runs SET last_event_seq = last_event_seq + 1
		WHERE run_id = $1
		RETURNING last_event_seq
	`, d.RunID).Scan(&seq); err != nil {
		return eventlog.Event{}, false, fmt.Errorf("allocate event seq: %w", err)
	}

	payload, err := encodeJSON(d.Payload)
	if err != nil {
		return eventlog.Event{}, false, fmt.Errorf("encode payload: %w", err)
	}
	evt := eventlog.Event{
		EventID:       s.newEventID(),
		RunID:         d.RunID,
		TaskSessionID: sessionID,
		EventSeq:      seq,
		EventType:     d.EventType,
		DedupeKey:     d.DedupeKey,
		Payload:       d.Payload,
		CreatedAt:     d.CreatedAt.UTC(),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO run_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, evt.EventID, evt.RunID, evt.TaskSessionID, evt.EventSeq, evt.EventType,
		nullString(evt.DedupeKey), payload, evt.CreatedAt); err != nil {
		return eventlog.Event{}, false, fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, EventsChannel, evt.RunID); err != nil {
		return eventlog.Event{}, false, fmt.Errorf("notify event: %w", err)
	}
	return evt, false, nil
}

func (s *Store) ListEventsAfter(ctx context.Context, runID string, afterEventSeq int64, limit int) ([]eventlog.Event, error) {
	if limit <= 0 {
		limit = eventlog.DefaultPageSize
	}
	rows, err := s.db.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM run_events
		WHERE run_id = $1 AND event_seq > $2
		ORDER BY event_seq ASC
		LIMIT $3
	`, runID, afterEventSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []eventlog.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
