package api

import (
	"net/http"
	"time"

	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/runs"
)

type leaseBody struct {
	WorkerID string `json:"workerId"`
	LeaseMs  int64  `json:"leaseMs,omitempty"`
}

func (b leaseBody) lease() time.Duration {
	return time.Duration(b.LeaseMs) * time.Millisecond
}

type claimNextBody struct {
	WorkerID string             `json:"workerId"`
	LeaseMs  int64              `json:"leaseMs,omitempty"`
	Modes    []runs.RuntimeMode `json:"modes,omitempty"`
}

type completeBody struct {
	WorkerID string         `json:"workerId"`
	Result   map[string]any `json:"result,omitempty"`
}

type failBody struct {
	WorkerID     string `json:"workerId"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type cancelBody struct {
	Reason string `json:"reason,omitempty"`
}

type appendBody struct {
	TaskSessionID string         `json:"taskSessionId,omitempty"`
	EventType     string         `json:"eventType"`
	DedupeKey     string         `json:"dedupeKey,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		items, err := s.Runs.List(r.Context(), runs.ListFilter{
			TaskSessionID: q.Get("sessionId"),
			State:         runs.State(q.Get("state")),
			Limit:         parseInt(q.Get("limit"), runs.DefaultListLimit),
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if items == nil {
			items = []runs.TaskRun{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": items})
	case http.MethodPost:
		var req runs.CreateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		run, created, err := s.Runs.Create(r.Context(), req)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, run)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var body claimNextBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	run, ok, err := s.Runs.ClaimNext(r.Context(), runs.ClaimRequest{
		WorkerID:      body.WorkerID,
		LeaseDuration: time.Duration(body.LeaseMs) * time.Millisecond,
		Modes:         body.Modes,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/runs/")
	if len(segments) == 0 {
		writeError(w, http.StatusNotFound, errNotFound("run"))
		return
	}
	runID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		run, err := s.Runs.Get(r.Context(), runID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}
	if len(segments) > 2 {
		writeError(w, http.StatusNotFound, errNotFound("route"))
		return
	}

	switch segments[1] {
	case "claim":
		s.handleRunClaim(w, r, runID)
	case "heartbeat":
		s.handleRunHeartbeat(w, r, runID)
	case "complete":
		s.handleRunComplete(w, r, runID)
	case "fail":
		s.handleRunFail(w, r, runID)
	case "cancel":
		s.handleRunCancel(w, r, runID)
	case "events":
		s.handleRunEvents(w, r, runID)
	case "stream":
		s.handleRunStream(w, r, runID)
	case "ws":
		s.handleRunWS(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("route"))
	}
}

func (s *Server) handleRunClaim(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var body leaseBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	run, err := s.Runs.Claim(r.Context(), runID, body.WorkerID, body.lease())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunHeartbeat(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var body leaseBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	run, err := s.Runs.Heartbeat(r.Context(), runID, body.WorkerID, body.lease())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunComplete(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var body completeBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	run, err := s.Runs.Complete(r.Context(), runID, body.WorkerID, body.Result)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunFail(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var body failBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	run, err := s.Runs.Fail(r.Context(), runID, body.WorkerID, body.ErrorCode, body.ErrorMessage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var body cancelBody
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	run, err := s.Runs.RequestCancel(r.Context(), runID, body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	switch r.Method {
	case http.MethodGet:
		after, err := parseSeq(r.URL.Query().Get("afterEventSeq"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if _, err := s.Runs.Get(r.Context(), runID); err != nil {
			s.fail(w, r, err)
			return
		}
		limit := parseInt(r.URL.Query().Get("limit"), eventlog.DefaultPageSize)
		page, err := s.Runs.Log().Page(r.Context(), runID, after, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	case http.MethodPost:
		var body appendBody
		if err := decodeJSON(w, r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		evt, err := s.Runs.Append(r.Context(), runID, eventlog.Draft{
			TaskSessionID: body.TaskSessionID,
			EventType:     body.EventType,
			DedupeKey:     body.DedupeKey,
			Payload:       body.Payload,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, evt)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/sessions/")
	if len(segments) != 2 {
		writeError(w, http.StatusNotFound, errNotFound("route"))
		return
	}
	sessionID := segments[0]
	switch segments[1] {
	case "status":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		view, err := s.Runs.SessionStatus(r.Context(), sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case "runs":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		items, err := s.Runs.List(r.Context(), runs.ListFilter{
			TaskSessionID: sessionID,
			State:         runs.State(r.URL.Query().Get("state")),
			Limit:         parseInt(r.URL.Query().Get("limit"), runs.DefaultListLimit),
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if items == nil {
			items = []runs.TaskRun{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": items})
	case "pending":
		if r.Method != http.MethodDelete {
			writeMethodNotAllowed(w)
			return
		}
		if s.Gate == nil {
			writeError(w, http.StatusNotImplemented, errNotFound("pending bridge"))
			return
		}
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "session cleared"
		}
		cleared := s.Gate.Bridge().ClearSession(sessionID, reason)
		writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
	default:
		writeError(w, http.StatusNotFound, errNotFound("route"))
	}
}
