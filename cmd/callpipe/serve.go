package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/call-pipeline/internal/invoker"
	"github.com/ahmethakanbesel/call-pipeline/internal/job"
	"github.com/ahmethakanbesel/call-pipeline/internal/platform/redis"
	"github.com/ahmethakanbesel/call-pipeline/internal/server"
)

const httpShutdownTimeout = 10 * time.Second

func serveCmd(a *app) *cobra.Command {
	var port string
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers, recovery and the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Port = port
			}
			if cmd.Flags().Changed("workers") {
				a.cfg.Workers = workers
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP port (overrides PORT)")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker goroutines (overrides WORKERS)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	// Workers do not refresh a claim while invoking, so the stalled
	// threshold has to outlast the longest attempt.
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	registry := invoker.NewRegistry()
	registry.Register(invoker.New(
		invoker.WithEndpoint(cfg.ProcessEndpoint),
		invoker.WithInternalToken(cfg.InternalToken),
	))

	pool := job.NewWorkerPool(a.jobs, registry, cfg.Workers,
		job.WithPollInterval(cfg.PollInterval),
		job.WithInvokeTimeout(cfg.InvokeTimeout),
		job.WithShutdownGrace(cfg.ShutdownGrace),
		job.WithPoolCallStatus(a.calls),
	)
	a.svc.SetNotify(pool.Notify)

	var bus *redis.Bus
	if cfg.RedisAddr != "" {
		var err error
		if bus, err = redis.Open(ctx, cfg.RedisAddr, cfg.RedisChannel); err != nil {
			return err
		}
		defer func() { _ = bus.Close() }()
		a.svc.SetNotify(func() {
			pool.Notify()
			bus.Notify()
		})
	}

	// Jobs left active by a previous process are handed back before workers
	// start claiming.
	if _, err := a.svc.RecoverStaleJobs(ctx); err != nil {
		slog.Error("failed to recover stale jobs", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// HTTP server: gctx is the BaseContext, so requests are cancelled as
	// soon as any component stops.
	srv := server.New(gctx, cfg.Port, a.svc, a.calls)

	g.Go(func() error {
		pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return job.NewJanitor(a.svc, cfg.RecoveryInterval, cfg.CompletedRetention, cfg.AutoRecover).Run(gctx)
	})
	if bus != nil {
		g.Go(func() error {
			// Losing the subscription only costs latency; workers keep polling.
			if err := bus.Subscribe(gctx, pool.Notify); err != nil {
				slog.Error("wake-up subscription ended, falling back to polling", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	pool.Notify()
	slog.Info("callpipe started", "port", cfg.Port, "workers", cfg.Workers, "kinds", registry.Kinds(), "redis", cfg.RedisAddr != "")

	err := g.Wait()
	slog.Info("callpipe stopped")
	return err
}
