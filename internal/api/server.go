package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/pending"
	"github.com/flitsinc/runhub/internal/permission"
	"github.com/flitsinc/runhub/internal/rules"
	"github.com/flitsinc/runhub/internal/runs"
)

const maxBodyBytes = 4 << 20

type Server struct {
	Runs      *runs.Engine
	Gate      *permission.Gate
	Stream    StreamOptions
	Metrics   http.Handler
	Logger    *slog.Logger
	StartedAt time.Time
	Info      DiagnosticsInfo

	setupOnce sync.Once
	terminal  *lru.Cache[string, runs.State]
	conns     metric.Int64UpDownCounter
	streams   sync.WaitGroup
}

func (s *Server) setup() {
	s.setupOnce.Do(func() {
		s.Stream = s.Stream.withDefaults()
		cache, err := lru.New[string, runs.State](4096)
		if err == nil {
			s.terminal = cache
		}
		s.conns, err = otel.Meter("github.com/flitsinc/runhub/internal/api").Int64UpDownCounter(
			"runhub.stream.connections",
			metric.WithDescription("Open event stream connections."),
		)
		if err != nil {
			s.logger().Warn("create stream connection counter", "error", err)
		}
	})
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) Handler() http.Handler {
	s.setup()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/claim", s.handleClaimNext)
	mux.HandleFunc("/api/runs/", s.handleRunItem)
	mux.HandleFunc("/api/sessions/", s.handleSessions)
	mux.HandleFunc("/api/permissions", s.handlePendingList(pending.KindPermission))
	mux.HandleFunc("/api/permissions/", s.handlePendingItem(pending.KindPermission))
	mux.HandleFunc("/api/questions", s.handlePendingList(pending.KindQuestion))
	mux.HandleFunc("/api/questions/", s.handlePendingItem(pending.KindQuestion))
	mux.HandleFunc("/api/rules", s.handleRules)
	mux.HandleFunc("/api/rules/", s.handleRulesItem)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics)
	}

	return accessLog(s.logger(), mux)
}

// Wait blocks until open streams have returned. Call it after the HTTP
// server has shut down so stream loops are not cut mid-write.
func (s *Server) Wait() {
	s.streams.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// fail maps err onto an HTTP status and writes it. Unexpected errors are
// logged; client mistakes are not.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	body := map[string]any{"error": err.Error(), "kind": kind}
	if conflict, ok := runs.AsConflict(err); ok {
		body["state"] = conflict.State
		body["reason"] = conflict.Reason
	}
	var rejected *pending.RejectedError
	if errors.As(err, &rejected) {
		body["requestId"] = rejected.ID
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, runs.ErrValidation),
		errors.Is(err, eventlog.ErrInvalidDraft),
		errors.Is(err, pending.ErrInvalid),
		errors.Is(err, rules.ErrInvalidRule),
		errors.As(err, &tooLarge):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, runs.ErrNotFound), errors.Is(err, eventlog.ErrUnknownRun):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, runs.ErrConflict),
		errors.Is(err, runs.ErrVersionConflict),
		errors.Is(err, eventlog.ErrSessionMismatch):
		return http.StatusConflict, "conflict"
	case errors.Is(err, permission.ErrDenied):
		return http.StatusForbidden, "denied"
	case errors.Is(err, pending.ErrRejected):
		return http.StatusForbidden, "rejected"
	case errors.Is(err, pending.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

type badRequestError struct {
	err error
}

func (e badRequestError) Error() string { return "invalid request body: " + e.err.Error() }
func (e badRequestError) Unwrap() error { return runs.ErrValidation }

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return badRequestError{err: err}
	}
	return nil
}

// decodeOptionalJSON accepts an empty body and leaves dest untouched.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return badRequestError{err: err}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseSeq(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || seq < 0 {
		return 0, &runs.ValidationError{Field: "afterEventSeq", Message: "must be a non-negative integer"}
	}
	return seq, nil
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// pathSegments splits the path below prefix into non-empty segments.
func pathSegments(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
