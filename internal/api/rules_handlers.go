package api

import (
	"fmt"
	"net/http"

	"github.com/flitsinc/runhub/internal/rules"
)

type rulesBody struct {
	Rules []rules.Rule `json:"rules"`
}

type evaluateBody struct {
	Permission rules.Permission `json:"permission"`
	Pattern    string           `json:"pattern,omitempty"`
	Patterns   []string         `json:"patterns,omitempty"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if s.Gate == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("rule engine"))
		return
	}
	rs := s.Gate.Rules()
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var body rulesBody
		if err := decodeJSON(w, r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		if err := rs.Set(body.Rules); err != nil {
			s.fail(w, r, err)
			return
		}
	case http.MethodPost:
		var body rulesBody
		if err := decodeJSON(w, r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		if err := rs.Add(body.Rules...); err != nil {
			s.fail(w, r, err)
			return
		}
	case http.MethodDelete:
		rs.Clear()
	default:
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, rulesBody{Rules: rs.List()})
}

func (s *Server) handleRulesItem(w http.ResponseWriter, r *http.Request) {
	if s.Gate == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("rule engine"))
		return
	}
	rs := s.Gate.Rules()
	segments := pathSegments(r.URL.Path, "/api/rules/")
	if len(segments) != 1 {
		writeError(w, http.StatusNotFound, errNotFound("route"))
		return
	}
	switch segments[0] {
	case "reset":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		rs.Reset()
		writeJSON(w, http.StatusOK, rulesBody{Rules: rs.List()})
	case "evaluate":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var body evaluateBody
		if err := decodeJSON(w, r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		if !body.Permission.Valid() {
			s.fail(w, r, fmt.Errorf("%w: unknown permission %q", rules.ErrInvalidRule, body.Permission))
			return
		}
		targets := body.Patterns
		if body.Pattern != "" {
			targets = append([]string{body.Pattern}, targets...)
		}
		if len(targets) == 0 {
			s.fail(w, r, fmt.Errorf("%w: pattern is required", rules.ErrInvalidRule))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"action": rs.EvaluateAll(body.Permission, targets)})
	case "config":
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, rs.Config())
		case http.MethodPut:
			var cfg rules.Config
			if err := decodeJSON(w, r, &cfg); err != nil {
				s.fail(w, r, err)
				return
			}
			if err := rs.SetConfig(cfg); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, rs.Config())
		default:
			writeMethodNotAllowed(w)
		}
	default:
		writeError(w, http.StatusNotFound, errNotFound("route"))
	}
}
