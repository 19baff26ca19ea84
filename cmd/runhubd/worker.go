package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/runhub/internal/client"
	"github.com/flitsinc/runhub/internal/runs"
	"github.com/flitsinc/runhub/internal/worker"
)

func newWorkerCmd(a *app) *cobra.Command {
	var command string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim runs from a runhub server and execute them with an agent command",
		Long: `Claim runs from a runhub server and execute them with an agent command.

The command receives the run as JSON on stdin and may write JSON lines to
stdout: {"type":"result","result":{...}} completes the run,
{"type":"error","code":"...","message":"..."} fails it, and any other
object with a "type" is appended to the run's event log.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if command != "" {
				a.cfg.Worker.Command = command
			}
			if err := a.cfg.Worker.Validate(); err != nil {
				return err
			}
			return a.work(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "agent command line (overrides RUNHUB_WORKER_COMMAND)")
	return cmd
}

func (a *app) work(ctx context.Context) error {
	wc, logger := a.cfg.Worker, a.logger
	argv, err := worker.ParseCommand(wc.Command)
	if err != nil {
		return err
	}
	modes := make([]runs.RuntimeMode, 0, len(wc.Modes))
	for _, raw := range wc.Modes {
		mode, err := runs.ParseRuntimeMode(raw)
		if err != nil {
			return err
		}
		modes = append(modes, mode)
	}

	w := &worker.Worker{
		ID:           wc.ID,
		Lifecycle:    client.New(wc.APIURL, &http.Client{}),
		Executor:     &worker.CommandExecutor{Command: argv, Logger: logger},
		Modes:        modes,
		Lease:        a.cfg.LeaseDuration,
		PollInterval: wc.PollInterval,
		Concurrency:  wc.Concurrency,
		Logger:       logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	if wc.Addr != "" {
		listener, err := net.Listen("tcp", wc.Addr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		hook := &http.Server{Handler: w.Handler(gctx), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("worker dispatch endpoint listening", "addr", listener.Addr().String())
			if err := hook.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dispatch server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = hook.Shutdown(shutdownCtx)
			w.Wait()
			return nil
		})
	}
	return g.Wait()
}
