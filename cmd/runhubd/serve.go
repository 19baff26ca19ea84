package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/runhub/internal/api"
	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/handoff"
	"github.com/flitsinc/runhub/internal/pending"
	"github.com/flitsinc/runhub/internal/permission"
	"github.com/flitsinc/runhub/internal/rules"
	"github.com/flitsinc/runhub/internal/runs"
	"github.com/flitsinc/runhub/internal/telemetry"
	"github.com/flitsinc/runhub/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, event streams and the lease sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.HTTPAddr = addr
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides RUNHUB_HTTP_ADDR)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	tel, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTelEndpoint,
		Insecure:       cfg.OTelInsecure,
		Metrics:        cfg.MetricsEnabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	notifier := eventlog.NewNotifier()
	log := eventlog.NewLog(be.store, eventlog.WithNotifier(notifier), eventlog.WithLogger(logger))
	opts := []runs.Option{
		runs.WithLogger(logger),
		runs.WithEventLog(log),
		runs.WithDefaultLease(cfg.LeaseDuration),
		runs.WithDefaultMaxAttempts(cfg.MaxAttempts),
	}
	var pusher *worker.Pusher
	if cfg.NotifyURL != "" {
		pusher = &worker.Pusher{URL: cfg.NotifyURL, Logger: logger}
		opts = append(opts, runs.WithClaimableHook(pusher.Notify))
	}
	engine := runs.NewEngine(be.store, opts...)

	initial, err := loadRules(cfg)
	if err != nil {
		return err
	}
	ruleset, err := rules.NewRuleset(initial)
	if err != nil {
		return err
	}
	bridge := pending.NewBridge(pending.WithTimeout(cfg.AskTimeout), pending.WithLogger(logger))
	gate := permission.NewGate(ruleset, bridge, permission.WithAppender(engine), permission.WithLogger(logger))

	server := &api.Server{
		Runs: engine,
		Gate: gate,
		Stream: api.StreamOptions{
			PollInterval: cfg.StreamPollInterval,
			BatchSize:    cfg.StreamBatchSize,
			Keepalive:    cfg.StreamKeepalive,
		},
		Metrics:   tel.Handler(),
		Logger:    logger,
		StartedAt: time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr: cfg.HTTPAddr,
			DataDir:  cfg.DataDir,
			Backend:  be.name,
			Version:  version,
		},
	}

	listener, inherited, err := handoff.Listen(cfg.HTTPAddr)
	if err != nil {
		return err
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return gctx
		},
	}

	g.Go(func() error {
		return runs.NewSweeper(engine, cfg.SweepInterval, logger).Run(gctx)
	})
	if be.listen != nil {
		g.Go(func() error {
			return be.listen(gctx, notifier)
		})
	}
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
			}
			exe, err := os.Executable()
			if err != nil {
				logger.Error("restart failed", "error", err)
				continue
			}
			restarter := &handoff.Restarter{Listener: listener, Args: append([]string{exe}, os.Args[1:]...), Env: os.Environ()}
			proc, err := restarter.Restart()
			if err != nil {
				logger.Error("restart failed", "error", err)
				continue
			}
			logger.Info("handed listener to new process, draining", "pid", proc.Pid)
			stop()
			return nil
		}
	})
	g.Go(func() error {
		logger.Info("runhubd listening", "addr", listener.Addr().String(), "backend", be.name, "version", version, "inherited", inherited)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		if n := bridge.Reset(); n > 0 {
			logger.Info("rejected pending asks", "count", n)
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
			_ = httpServer.Close()
		}
		server.Wait()
		return nil
	})

	err = g.Wait()
	if pusher != nil {
		pusher.Wait()
	}
	return err
}
