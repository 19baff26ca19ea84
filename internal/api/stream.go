package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flitsinc/runhub/internal/eventlog"
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultBatchSize    = eventlog.DefaultPageSize
	DefaultKeepalive    = 15 * time.Second
)

// StreamOptions tunes the event stream tail. Zero values select defaults.
type StreamOptions struct {
	PollInterval time.Duration
	BatchSize    int
	Keepalive    time.Duration
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	o.BatchSize = eventlog.ClampLimit(o.BatchSize)
	if o.Keepalive <= 0 {
		o.Keepalive = DefaultKeepalive
	}
	return o
}

// frameSink receives stream output. SSE and WebSocket each provide one.
type frameSink interface {
	Event(ctx context.Context, evt eventlog.Event) error
	Keepalive(ctx context.Context) error
}

// streamRun tails runID's log after cursor into sink and returns the last
// delivered sequence once the run is terminal and drained. The run state is
// read before each fetch, so an empty fetch that follows a terminal read
// means every event of the run has been delivered.
func (s *Server) streamRun(ctx context.Context, runID string, cursor int64, sink frameSink) (int64, error) {
	s.setup()
	log := s.Runs.Log()
	wake, unsubscribe := log.Notifier().Subscribe(runID)
	defer unsubscribe()

	keepalive := time.NewTicker(s.Stream.Keepalive)
	defer keepalive.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}
		terminal, err := s.runTerminal(ctx, runID)
		if err != nil {
			return cursor, err
		}
		events, err := log.ListAfter(ctx, runID, cursor, s.Stream.BatchSize)
		if err != nil {
			return cursor, err
		}
		for _, evt := range events {
			if err := sink.Event(ctx, evt); err != nil {
				return cursor, err
			}
			cursor = evt.EventSeq
		}
		if len(events) == 0 && terminal {
			return cursor, nil
		}
		if terminal || len(events) >= s.Stream.BatchSize {
			continue
		}

		timer := time.NewTimer(s.Stream.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return cursor, ctx.Err()
		case <-wake:
		case <-timer.C:
		case <-keepalive.C:
			if err := sink.Keepalive(ctx); err != nil {
				timer.Stop()
				return cursor, err
			}
		}
		timer.Stop()
	}
}

// runTerminal reports whether runID has finished. Terminal states never
// change, so they are cached and later polls skip the store.
func (s *Server) runTerminal(ctx context.Context, runID string) (bool, error) {
	if s.terminal != nil {
		if _, ok := s.terminal.Get(runID); ok {
			return true, nil
		}
	}
	run, err := s.Runs.Get(ctx, runID)
	if err != nil {
		return false, err
	}
	if !run.State.Terminal() {
		return false, nil
	}
	if s.terminal != nil {
		s.terminal.Add(runID, run.State)
	}
	return true, nil
}

// streamCursor resolves the resume point. A Last-Event-ID header from a
// reconnecting client wins over the afterEventSeq the URL was opened with.
func streamCursor(r *http.Request) (int64, error) {
	if header := r.Header.Get("Last-Event-ID"); header != "" {
		return parseSeq(header)
	}
	return parseSeq(r.URL.Query().Get("afterEventSeq"))
}

func (s *Server) trackStream(ctx context.Context, delta int64) {
	if s.conns != nil {
		s.conns.Add(ctx, delta)
	}
}

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (k *sseSink) Event(_ context.Context, evt eventlog.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(k.w, "id: %d\nevent: %s\ndata: %s\n\n", evt.EventSeq, evt.EventType, payload); err != nil {
		return err
	}
	k.flusher.Flush()
	return nil
}

func (k *sseSink) Keepalive(context.Context) error {
	if _, err := k.w.Write([]byte(": keepalive\n\n")); err != nil {
		return err
	}
	k.flusher.Flush()
	return nil
}

func (k *sseSink) end(runID string, lastEventSeq int64) {
	payload, _ := json.Marshal(map[string]any{"runId": runID, "lastEventSeq": lastEventSeq})
	_, _ = fmt.Fprintf(k.w, "event: end\ndata: %s\n\n", payload)
	k.flusher.Flush()
}

func (k *sseSink) abort(err error) {
	payload, _ := json.Marshal(map[string]any{"error": err.Error()})
	_, _ = fmt.Fprintf(k.w, "event: error\ndata: %s\n\n", payload)
	k.flusher.Flush()
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	cursor, err := streamCursor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.Runs.Get(r.Context(), runID); err != nil {
		s.fail(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ctx := r.Context()
	s.streams.Add(1)
	defer s.streams.Done()
	s.trackStream(ctx, 1)
	defer s.trackStream(context.WithoutCancel(ctx), -1)

	sink := &sseSink{w: w, flusher: flusher}
	last, err := s.streamRun(ctx, runID, cursor, sink)
	if err != nil {
		if ctx.Err() == nil {
			s.logger().Warn("event stream aborted", "run_id", runID, "cursor", last, "error", err)
			sink.abort(err)
		}
		return
	}
	sink.end(runID, last)
}
