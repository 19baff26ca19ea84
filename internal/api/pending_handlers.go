package api

import (
	"fmt"
	"net/http"

	"github.com/flitsinc/runhub/internal/pending"
	"github.com/flitsinc/runhub/internal/permission"
)

type rejectBody struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handlePendingList(kind pending.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		if s.Gate == nil {
			writeError(w, http.StatusNotImplemented, errNotFound("pending bridge"))
			return
		}
		items := s.Gate.Bridge().Pending(pending.Filter{
			SessionID: r.URL.Query().Get("sessionId"),
			Kind:      kind,
		})
		writeJSON(w, http.StatusOK, map[string]any{"pending": items})
	}
}

func (s *Server) handlePendingItem(kind pending.Kind) http.HandlerFunc {
	prefix := "/api/" + string(kind) + "s/"
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Gate == nil {
			writeError(w, http.StatusNotImplemented, errNotFound("pending bridge"))
			return
		}
		segments := pathSegments(r.URL.Path, prefix)
		switch {
		case len(segments) == 1 && segments[0] == "ask":
			if r.Method != http.MethodPost {
				writeMethodNotAllowed(w)
				return
			}
			if kind == pending.KindPermission {
				s.handlePermissionAsk(w, r)
			} else {
				s.handleQuestionAsk(w, r)
			}
		case len(segments) == 1:
			if r.Method != http.MethodGet {
				writeMethodNotAllowed(w)
				return
			}
			req, ok := s.Gate.Bridge().Get(segments[0])
			if !ok || req.Kind != kind {
				writeError(w, http.StatusNotFound, errNotFound(string(kind)+" request"))
				return
			}
			writeJSON(w, http.StatusOK, req)
		case len(segments) == 2 && segments[1] == "reply":
			s.handlePendingReply(w, r, kind, segments[0])
		case len(segments) == 2 && segments[1] == "reject":
			s.handlePendingReject(w, r, kind, segments[0])
		default:
			writeError(w, http.StatusNotFound, errNotFound("route"))
		}
	}
}

// handlePermissionAsk holds the request open until the gate resolves it.
// Rule verdicts answer immediately.
func (s *Server) handlePermissionAsk(w http.ResponseWriter, r *http.Request) {
	var req permission.ToolRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	decision, err := s.Gate.Check(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleQuestionAsk(w http.ResponseWriter, r *http.Request) {
	var req permission.QuestionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	answers, err := s.Gate.AskQuestions(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answers": answers})
}

// handlePendingReply resolves id. Unknown ids, and ids of the other kind,
// answer resolved=false rather than an error so late replies that race a
// teardown stay harmless.
func (s *Server) handlePendingReply(w http.ResponseWriter, r *http.Request, kind pending.Kind, id string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var reply pending.Reply
	if err := decodeJSON(w, r, &reply); err != nil {
		s.fail(w, r, err)
		return
	}
	if reply.Decision != "" && !reply.Decision.Valid() {
		s.fail(w, r, fmt.Errorf("%w: unknown reply %q", pending.ErrInvalid, reply.Decision))
		return
	}
	if kind == pending.KindQuestion && reply.Decision != pending.Reject && len(reply.Answers) == 0 {
		s.fail(w, r, fmt.Errorf("%w: answers are required", pending.ErrInvalid))
		return
	}
	resolved := false
	if req, ok := s.Gate.Bridge().Get(id); ok && req.Kind == kind {
		var err error
		if resolved, err = s.Gate.Reply(id, reply); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": resolved})
}

func (s *Server) handlePendingReject(w http.ResponseWriter, r *http.Request, kind pending.Kind, id string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var body rejectBody
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	resolved := false
	if req, ok := s.Gate.Bridge().Get(id); ok && req.Kind == kind {
		resolved = s.Gate.Reject(id, body.Reason)
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": resolved})
}
