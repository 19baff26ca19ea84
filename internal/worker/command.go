package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/runs"
)

const (
	maxLineBytes   = 1 << 20
	stderrTailSize = 4 << 10
	killDelay      = 5 * time.Second

	// EventOutput carries stdout lines that are not JSON.
	EventOutput = "agent.output"
)

// CommandExecutor runs an external agent process per run. The process gets
// the run as JSON on stdin and reports on stdout, one JSON object per line:
//
//	{"type":"agent.message","payload":{...},"dedupeKey":"m1"}
//	{"type":"result","result":{...}}
//	{"type":"error","code":"bad_input","message":"..."}
//
// Any other line is recorded as an agent.output event.
type CommandExecutor struct {
	Command []string
	Dir     string
	Env     []string
	Logger  *slog.Logger
}

type commandInput struct {
	RunID         string           `json:"runId"`
	TaskSessionID string           `json:"taskSessionId"`
	RuntimeMode   runs.RuntimeMode `json:"runtimeMode"`
	Attempt       int              `json:"attempt"`
	Input         map[string]any   `json:"input,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

type outputLine struct {
	Type      string          `json:"type"`
	Payload   map[string]any  `json:"payload,omitempty"`
	DedupeKey string          `json:"dedupeKey,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func (c *CommandExecutor) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *CommandExecutor) Execute(ctx context.Context, run runs.TaskRun, emit EmitFunc) (map[string]any, error) {
	if len(c.Command) == 0 {
		return nil, &Failure{Code: "misconfigured", Message: "worker command is empty"}
	}
	stdin, err := json.Marshal(commandInput{
		RunID:         run.RunID,
		TaskSessionID: run.TaskSessionID,
		RuntimeMode:   run.RuntimeMode,
		Attempt:       run.Attempt,
		Input:         run.Input,
		Metadata:      run.Metadata,
	})
	if err != nil {
		return nil, err
	}

	dir := c.Dir
	if dir == "" {
		tmpDir, err := os.MkdirTemp("", "runhub-run-")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(tmpDir)
		dir = tmpDir
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"RUNHUB_RUN_ID="+run.RunID,
		"RUNHUB_SESSION_ID="+run.TaskSessionID,
		"RUNHUB_RUNTIME_MODE="+string(run.RuntimeMode),
		"RUNHUB_ATTEMPT="+strconv.Itoa(run.Attempt),
		"RUNHUB_WORKDIR="+dir,
	)
	cmd.Stdin = bytes.NewReader(append(stdin, '\n'))
	// Ask the agent to stop first; WaitDelay escalates to a kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = killDelay
	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, &Failure{Code: "start_failed", Message: err.Error()}
	}

	var (
		result   map[string]any
		reported *Failure
		emitErr  error
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var out outputLine
		if err := json.Unmarshal(line, &out); err != nil || out.Type == "" {
			emitErr = errors.Join(emitErr, emit(ctx, eventlog.Draft{
				EventType: EventOutput,
				Payload:   map[string]any{"text": string(line)},
			}))
			continue
		}
		switch out.Type {
		case "result":
			result = decodeResult(out.Result)
		case "error":
			code := out.Code
			if code == "" {
				code = "agent_error"
			}
			reported = &Failure{Code: code, Message: out.Message}
		default:
			emitErr = errors.Join(emitErr, emit(ctx, eventlog.Draft{
				EventType: out.Type,
				DedupeKey: out.DedupeKey,
				Payload:   out.Payload,
			}))
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if emitErr != nil {
		c.logger().Warn("record agent events", "run_id", run.RunID, "error", emitErr)
	}
	if reported != nil {
		return nil, reported
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, &Failure{Code: "exit_" + strconv.Itoa(exitErr.ExitCode()), Message: msg}
		}
		return nil, &Failure{Code: "exec_failed", Message: msg}
	}
	if scanErr != nil {
		return nil, &Failure{Code: "bad_output", Message: scanErr.Error()}
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

// decodeResult normalizes the result value to an object. Objects pass
// through, other JSON values are wrapped under "result".
func decodeResult(data []byte) map[string]any {
	if len(data) == 0 {
		return map[string]any{}
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return map[string]any{}
	}
	switch typed := raw.(type) {
	case map[string]any:
		if typed == nil {
			return map[string]any{}
		}
		return typed
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"result": typed}
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// ParseCommand splits a command line on whitespace. Quoting is not
// interpreted; wrap complex commands in a script.
func ParseCommand(line string) ([]string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	return fields, nil
}
