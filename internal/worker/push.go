package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flitsinc/runhub/internal/runs"
)

const pushTimeout = 10 * time.Second

// Pusher announces claimable runs to a worker's /dispatch endpoint. It is
// a latency optimization: polling workers find the same runs without it.
type Pusher struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger

	wg sync.WaitGroup
}

// Notify posts run in the background. Its signature matches
// runs.WithClaimableHook.
func (p *Pusher) Notify(run runs.TaskRun) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		if err := p.post(ctx, run); err != nil {
			p.logger().Debug("dispatch push not accepted", "run_id", run.RunID, "error", err)
		}
	}()
}

// Wait blocks until in-flight pushes finish.
func (p *Pusher) Wait() {
	p.wg.Wait()
}

func (p *Pusher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pusher) post(ctx context.Context, run runs.TaskRun) error {
	body, err := json.Marshal(dispatchRequest{RunID: run.RunID, RuntimeMode: run.RuntimeMode})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
