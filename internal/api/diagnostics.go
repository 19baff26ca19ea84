package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/flitsinc/runhub/internal/pending"
)

type DiagnosticsInfo struct {
	HTTPAddr string `json:"http_addr"`
	DataDir  string `json:"data_dir"`
	Backend  string `json:"backend"`
	Version  string `json:"version,omitempty"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Goroutines    int             `json:"goroutines"`
	Info          DiagnosticsInfo `json:"info"`
	Stream        map[string]any  `json:"stream"`
	Pending       map[string]any  `json:"pending"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		Info:          s.Info,
		Stream: map[string]any{
			"poll_interval_ms": s.Stream.PollInterval.Milliseconds(),
			"batch_size":       s.Stream.BatchSize,
		},
		Pending: map[string]any{},
	}
	if s.Runs != nil {
		resp.Stream["subscribers"] = s.Runs.Log().Notifier().SubscriberCount()
	}
	if s.Gate != nil {
		resp.Pending["permissions"] = len(s.Gate.Bridge().Pending(pending.Filter{Kind: pending.KindPermission}))
		resp.Pending["questions"] = len(s.Gate.Bridge().Pending(pending.Filter{Kind: pending.KindQuestion}))
		resp.Pending["rules"] = len(s.Gate.Rules().List())
	}
	writeJSON(w, http.StatusOK, resp)
}
