package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahmethakanbesel/call-pipeline/internal/config"
	"github.com/ahmethakanbesel/call-pipeline/internal/job"
	"github.com/ahmethakanbesel/call-pipeline/internal/platform/sqlite"
	callrepo "github.com/ahmethakanbesel/call-pipeline/internal/repository/call"
	jobrepo "github.com/ahmethakanbesel/call-pipeline/internal/repository/job"
)

// app holds what every subcommand needs once the store is open.
type app struct {
	cfg   config.Config
	db    *sqlite.DB
	jobs  *jobrepo.Repository
	calls *callrepo.Repository
	svc   *job.Service
}

func newRootCmd() *cobra.Command {
	a := &app{}

	var dbPath, logLevel string
	root := &cobra.Command{
		Use:           "callpipe",
		Short:         "Durable job queue for uploaded call recordings",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.cfg = config.Load()
			if cmd.Flags().Changed("db") {
				a.cfg.DBPath = dbPath
			}
			if cmd.Flags().Changed("log-level") {
				a.cfg.LogLevel = logLevel
			}
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), a.cfg.LogLevel, a.cfg.LogFormat))
			if cmd.Name() == "help" {
				return nil
			}
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the job store (overrides DB_PATH)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	root.AddCommand(
		serveCmd(a),
		enqueueCmd(a),
		getCmd(a),
		listCmd(a),
		stalledCmd(a),
		resubmitCmd(a),
		retryCmd(a),
	)
	return root
}

// open connects to the store and verifies it. An unreachable store is the
// one condition callpipe treats as fatal.
func (a *app) open(ctx context.Context) error {
	db, err := sqlite.Open(a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("job store unreachable: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(pctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("job store unreachable: %w", err)
	}

	a.db = db
	a.jobs = jobrepo.NewRepository(db.DB)
	a.calls = callrepo.NewRepository(db.DB)
	a.svc = job.NewService(a.jobs,
		job.WithCallStatus(a.calls),
		job.WithRetryPolicy(a.cfg.MaxAttempts, job.Backoff{Base: a.cfg.BackoffBase, Max: a.cfg.BackoffMax}),
		job.WithStalledThreshold(a.cfg.StalledThreshold),
	)
	slog.Debug("job store opened", "path", a.cfg.DBPath)
	return nil
}

func (a *app) close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}
