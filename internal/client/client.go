// Package client talks to a runhub server over its JSON API. It implements
// the worker lifecycle so remote workers share code with in-process ones.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/pending"
	"github.com/flitsinc/runhub/internal/permission"
	"github.com/flitsinc/runhub/internal/runs"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: httpClient}
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// StatusError is an API failure that does not map onto a domain error.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("runhub api: status %d: %s", e.Code, e.Message)
}

type errorBody struct {
	Error     string     `json:"error"`
	Kind      string     `json:"kind"`
	State     runs.State `json:"state"`
	Reason    string     `json:"reason"`
	RequestID string     `json:"requestId"`
}

func (c *Client) Create(ctx context.Context, req runs.CreateRequest) (runs.TaskRun, bool, error) {
	var run runs.TaskRun
	status, err := c.do(ctx, http.MethodPost, "/api/runs", "create", "", req, &run)
	if err != nil {
		return runs.TaskRun{}, false, err
	}
	return run, status == http.StatusCreated, nil
}

func (c *Client) Get(ctx context.Context, runID string) (runs.TaskRun, error) {
	var run runs.TaskRun
	_, err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), "get", runID, nil, &run)
	return run, err
}

func (c *Client) List(ctx context.Context, filter runs.ListFilter) ([]runs.TaskRun, error) {
	q := url.Values{}
	if filter.TaskSessionID != "" {
		q.Set("sessionId", filter.TaskSessionID)
	}
	if filter.State != "" {
		q.Set("state", string(filter.State))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out struct {
		Runs []runs.TaskRun `json:"runs"`
	}
	path := "/api/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	_, err := c.do(ctx, http.MethodGet, path, "list", "", nil, &out)
	return out.Runs, err
}

func (c *Client) ClaimNext(ctx context.Context, req runs.ClaimRequest) (runs.TaskRun, bool, error) {
	body := map[string]any{"workerId": req.WorkerID, "leaseMs": req.LeaseDuration.Milliseconds()}
	if len(req.Modes) > 0 {
		body["modes"] = req.Modes
	}
	var run runs.TaskRun
	status, err := c.do(ctx, http.MethodPost, "/api/runs/claim", "claim", "", body, &run)
	if err != nil {
		return runs.TaskRun{}, false, err
	}
	if status == http.StatusNoContent {
		return runs.TaskRun{}, false, nil
	}
	return run, true, nil
}

func (c *Client) Claim(ctx context.Context, runID, workerID string, lease time.Duration) (runs.TaskRun, error) {
	return c.runAction(ctx, runID, "claim", map[string]any{"workerId": workerID, "leaseMs": lease.Milliseconds()})
}

func (c *Client) Heartbeat(ctx context.Context, runID, workerID string, extend time.Duration) (runs.TaskRun, error) {
	return c.runAction(ctx, runID, "heartbeat", map[string]any{"workerId": workerID, "leaseMs": extend.Milliseconds()})
}

func (c *Client) Complete(ctx context.Context, runID, workerID string, result map[string]any) (runs.TaskRun, error) {
	return c.runAction(ctx, runID, "complete", map[string]any{"workerId": workerID, "result": result})
}

func (c *Client) Fail(ctx context.Context, runID, workerID, errorCode, errorMessage string) (runs.TaskRun, error) {
	return c.runAction(ctx, runID, "fail", map[string]any{
		"workerId":     workerID,
		"errorCode":    errorCode,
		"errorMessage": errorMessage,
	})
}

func (c *Client) RequestCancel(ctx context.Context, runID, reason string) (runs.TaskRun, error) {
	return c.runAction(ctx, runID, "cancel", map[string]any{"reason": reason})
}

func (c *Client) Append(ctx context.Context, runID string, d eventlog.Draft) (eventlog.Event, error) {
	body := map[string]any{"eventType": d.EventType}
	if d.TaskSessionID != "" {
		body["taskSessionId"] = d.TaskSessionID
	}
	if d.DedupeKey != "" {
		body["dedupeKey"] = d.DedupeKey
	}
	if d.Payload != nil {
		body["payload"] = d.Payload
	}
	var evt eventlog.Event
	_, err := c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/events", "append", runID, body, &evt)
	return evt, err
}

// Events fetches one page of a run's log.
func (c *Client) Events(ctx context.Context, runID string, afterEventSeq int64, limit int) (eventlog.Page, error) {
	q := url.Values{}
	q.Set("afterEventSeq", strconv.FormatInt(afterEventSeq, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page eventlog.Page
	_, err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/events?"+q.Encode(), "events", runID, nil, &page)
	return page, err
}

// AskPermission blocks until the server resolves req. Rule denials and
// human rejections come back as permission.ErrDenied and pending.ErrRejected.
func (c *Client) AskPermission(ctx context.Context, req permission.ToolRequest) (permission.Decision, error) {
	var decision permission.Decision
	_, err := c.do(ctx, http.MethodPost, "/api/permissions/ask", "ask", req.RunID, req, &decision)
	return decision, err
}

func (c *Client) AskQuestions(ctx context.Context, req permission.QuestionRequest) ([][]string, error) {
	var out struct {
		Answers [][]string `json:"answers"`
	}
	_, err := c.do(ctx, http.MethodPost, "/api/questions/ask", "ask", req.RunID, req, &out)
	return out.Answers, err
}

func (c *Client) runAction(ctx context.Context, runID, action string, body any) (runs.TaskRun, error) {
	var run runs.TaskRun
	_, err := c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/"+action, action, runID, body, &run)
	return run, err
}

func (c *Client) do(ctx context.Context, method, path, op, runID string, payload, dest any) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, decodeError(resp, op, runID)
	}
	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	return resp.StatusCode, nil
}

// decodeError turns an API error body back into the domain error the
// server started from, so callers can use errors.Is across the wire.
func decodeError(resp *http.Response, op, runID string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &runs.ValidationError{Message: body.Error}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", runs.ErrNotFound, body.Error)
	case http.StatusConflict:
		reason := body.Reason
		if reason == "" {
			reason = body.Error
		}
		return &runs.ConflictError{RunID: runID, Op: op, State: body.State, Reason: reason}
	case http.StatusForbidden:
		if body.Kind == "rejected" {
			return &pending.RejectedError{ID: body.RequestID, Reason: body.Error}
		}
		return fmt.Errorf("%w: %s", permission.ErrDenied, body.Error)
	case http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s", pending.ErrTimeout, body.Error)
	default:
		return &StatusError{Code: resp.StatusCode, Message: body.Error}
	}
}
