package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/flitsinc/runhub/internal/api"
	"github.com/flitsinc/runhub/internal/client"
	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/pending"
	"github.com/flitsinc/runhub/internal/permission"
	"github.com/flitsinc/runhub/internal/rules"
	"github.com/flitsinc/runhub/internal/runs"
	"github.com/flitsinc/runhub/internal/state"
	"github.com/flitsinc/runhub/internal/testutil"
	"github.com/flitsinc/runhub/internal/worker"
)

type frame struct {
	id    string
	event string
	data  string
}

func TestRunFlowEndToEnd(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}

	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	logger := testutil.DiscardLogger()
	notifier := eventlog.NewNotifier()
	store := state.NewStore(db)
	engine := runs.NewEngine(store,
		runs.WithLogger(logger),
		runs.WithEventLog(eventlog.NewLog(store, eventlog.WithNotifier(notifier))),
	)
	ruleset, err := rules.NewRuleset(rules.Defaults())
	if err != nil {
		t.Fatalf("ruleset: %v", err)
	}
	gate := permission.NewGate(ruleset, pending.NewBridge(), permission.WithAppender(engine), permission.WithLogger(logger))
	server := &api.Server{
		Runs:   engine,
		Gate:   gate,
		Stream: api.StreamOptions{PollInterval: 20 * time.Millisecond},
		Logger: logger,
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	httpClient := ts.Client()
	ctx := context.Background()

	createResp := doJSON(t, httpClient, http.MethodPost, ts.URL+"/api/runs", map[string]any{
		"taskSessionId":    "session-1",
		"runtimeMode":      "build",
		"clientRequestKey": "turn-1",
		"input":            map[string]any{"prompt": "fix the build"},
	})
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("create status: %d", createResp.StatusCode)
	}
	var created runs.TaskRun
	decodeJSON(t, createResp, &created)
	if created.State != runs.StateQueued {
		t.Fatalf("expected queued run, got %s", created.State)
	}

	// The agent asks before editing; the user answers "always" over HTTP.
	rc := client.New(ts.URL, httpClient)
	decided := make(chan permission.Decision, 1)
	askErr := make(chan error, 1)
	go func() {
		decision, err := rc.AskPermission(ctx, permission.ToolRequest{
			SessionID:  "session-1",
			RunID:      created.RunID,
			Permission: rules.PermEdit,
			Patterns:   []string{"src/main.go"},
		})
		if err != nil {
			askErr <- err
			return
		}
		decided <- decision
	}()

	var requestID string
	deadline := time.Now().Add(5 * time.Second)
	for requestID == "" {
		if time.Now().After(deadline) {
			t.Fatalf("permission request never became pending")
		}
		listResp := doJSON(t, httpClient, http.MethodGet, ts.URL+"/api/permissions?sessionId=session-1", nil)
		var listed struct {
			Pending []pending.Request `json:"pending"`
		}
		decodeJSON(t, listResp, &listed)
		if len(listed.Pending) == 1 {
			requestID = listed.Pending[0].ID
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	replyResp := doJSON(t, httpClient, http.MethodPost, ts.URL+"/api/permissions/"+requestID+"/reply", map[string]any{"reply": "always"})
	if replyResp.StatusCode != http.StatusOK {
		t.Fatalf("reply status: %d", replyResp.StatusCode)
	}
	replyResp.Body.Close()

	select {
	case decision := <-decided:
		if !decision.Asked || decision.Reply != pending.Always {
			t.Fatalf("unexpected decision: %+v", decision)
		}
	case err := <-askErr:
		t.Fatalf("ask permission: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("ask never resolved")
	}

	// The recorded rule now answers the same target without asking.
	again, err := rc.AskPermission(ctx, permission.ToolRequest{SessionID: "session-1", Permission: rules.PermEdit, Patterns: []string{"src/main.go"}})
	if err != nil {
		t.Fatalf("second ask: %v", err)
	}
	if again.Asked {
		t.Fatalf("expected the always rule to answer without asking")
	}

	script := `read -r input
case "$input" in *'"prompt":"fix the build"'*) ;; *) exit 3 ;; esac
echo '{"type":"agent.message","payload":{"text":"patched"},"dedupeKey":"msg-1"}'
echo '{"type":"result","result":{"files":1}}'`
	w := &worker.Worker{
		ID:        "worker-1",
		Lifecycle: rc,
		Executor:  &worker.CommandExecutor{Command: []string{"sh", "-c", script}, Logger: logger},
		Modes:     []runs.RuntimeMode{runs.ModeBuild},
		Lease:     time.Minute,
		Logger:    logger,
	}
	ran, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("worker run: %v", err)
	}
	if !ran {
		t.Fatalf("expected the worker to claim the run")
	}

	final, err := rc.Get(ctx, created.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.State != runs.StateCompleted || final.Result["files"] != float64(1) {
		t.Fatalf("unexpected final run: state=%s result=%v", final.State, final.Result)
	}

	want := []string{
		runs.EventCreated,
		permission.EventPermissionAsked,
		permission.EventPermissionReplied,
		runs.EventStarted,
		"agent.message",
		runs.EventCompleted,
	}
	frames := readStream(t, httpClient, ts.URL+"/api/runs/"+created.RunID+"/stream", "")
	assertFrames(t, frames, want, 1)

	// A reconnecting client resumes after the last id it saw.
	frames = readStream(t, httpClient, ts.URL+"/api/runs/"+created.RunID+"/stream?afterEventSeq=1", "4")
	assertFrames(t, frames, want[4:], 5)
}

func assertFrames(t *testing.T, frames []frame, want []string, firstSeq int) {
	t.Helper()
	if len(frames) != len(want)+1 {
		t.Fatalf("expected %d frames, got %d: %+v", len(want)+1, len(frames), frames)
	}
	for i, name := range want {
		if frames[i].event != name {
			t.Fatalf("frame %d: expected %s, got %s", i, name, frames[i].event)
		}
		if frames[i].id != strconv.Itoa(firstSeq+i) {
			t.Fatalf("frame %d: expected id %d, got %s", i, firstSeq+i, frames[i].id)
		}
	}
	end := frames[len(frames)-1]
	if end.event != "end" {
		t.Fatalf("expected end frame, got %s", end.event)
	}
	var summary struct {
		LastEventSeq int64 `json:"lastEventSeq"`
	}
	if err := json.Unmarshal([]byte(end.data), &summary); err != nil {
		t.Fatalf("decode end frame: %v", err)
	}
	if summary.LastEventSeq != int64(firstSeq+len(want)-1) {
		t.Fatalf("unexpected end cursor: %d", summary.LastEventSeq)
	}
}

func readStream(t *testing.T, httpClient *http.Client, url, lastEventID string) []frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build stream request: %v", err)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status: %d", resp.StatusCode)
	}

	var frames []frame
	var current frame
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.event != "" {
				frames = append(frames, current)
				if current.event == "end" || current.event == "error" {
					return frames
				}
			}
			current = frame{}
		case strings.HasPrefix(line, "id: "):
			current.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return frames
}

func doJSON(t *testing.T, httpClient *http.Client, method, url string, payload any) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
