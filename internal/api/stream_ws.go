package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/flitsinc/runhub/internal/eventlog"
)

const wsPingTimeout = 10 * time.Second

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

type wsPinger interface {
	Ping(ctx context.Context) error
}

// wsSink sends one text message per event. Keepalives are protocol pings
// when the writer supports them.
type wsSink struct {
	w wsWriter
}

func (k wsSink) Event(ctx context.Context, evt eventlog.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return k.w.Write(ctx, websocket.MessageText, payload)
}

func (k wsSink) Keepalive(ctx context.Context) error {
	pinger, ok := k.w.(wsPinger)
	if !ok {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
	defer cancel()
	return pinger.Ping(pingCtx)
}

func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request, runID string) {
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

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// The stream is one-way; CloseRead services control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.streams.Add(1)
	defer s.streams.Done()
	s.trackStream(ctx, 1)
	defer s.trackStream(context.WithoutCancel(ctx), -1)

	last, err := s.streamRun(ctx, runID, cursor, wsSink{w: conn})
	if err != nil {
		if ctx.Err() == nil {
			s.logger().Warn("websocket stream aborted", "run_id", runID, "cursor", last, "error", err)
		}
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}
