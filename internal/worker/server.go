package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/flitsinc/runhub/internal/runs"
)

type dispatchRequest struct {
	RunID       string           `json:"runId"`
	RuntimeMode runs.RuntimeMode `json:"runtimeMode,omitempty"`
}

// Handler exposes the worker for push dispatch. POST /dispatch claims the
// named run and answers 202 once the lease is held; execution continues in
// the background under ctx. GET /status reports load.
func (w *Worker) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/dispatch", func(wr http.ResponseWriter, r *http.Request) {
		w.handleDispatch(ctx, wr, r)
	})
	mux.HandleFunc("/status", w.handleStatus)
	return mux
}

// Wait blocks until every dispatched run has been handled.
func (w *Worker) Wait() {
	w.dispatched.Wait()
}

func (w *Worker) accepts(mode runs.RuntimeMode) bool {
	return len(w.Modes) == 0 || mode == "" || slices.Contains(w.Modes, mode)
}

func (w *Worker) handleDispatch(ctx context.Context, wr http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		wr.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RunID == "" {
		writeJSON(wr, http.StatusBadRequest, map[string]any{"error": "runId is required"})
		return
	}
	if !w.accepts(req.RuntimeMode) {
		writeJSON(wr, http.StatusUnprocessableEntity, map[string]any{"error": "runtime mode not handled by this worker"})
		return
	}
	run, err := w.Lifecycle.Claim(r.Context(), req.RunID, w.ID, w.lease())
	if err != nil {
		status := http.StatusConflict
		if !runs.IsConflict(err) {
			status = http.StatusBadGateway
		}
		writeJSON(wr, status, map[string]any{"error": err.Error()})
		return
	}
	w.dispatched.Add(1)
	go func() {
		defer w.dispatched.Done()
		if _, err := w.Process(ctx, run); err != nil {
			w.logger().Warn("dispatched run failed", "run_id", run.RunID, "worker_id", w.ID, "error", err)
		}
	}()
	writeJSON(wr, http.StatusAccepted, run)
}

func (w *Worker) handleStatus(wr http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		wr.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(wr, http.StatusOK, map[string]any{
		"workerId":  w.ID,
		"active":    w.Active(),
		"processed": w.Processed(),
		"modes":     w.Modes,
	})
}

func writeJSON(wr http.ResponseWriter, status int, payload any) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	_ = json.NewEncoder(wr).Encode(payload)
}
