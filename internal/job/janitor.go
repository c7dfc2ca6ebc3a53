package job

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically resubmits stalled jobs and purges old completed ones.
type Janitor struct {
	svc         *Service
	interval    time.Duration
	retention   time.Duration
	autoRecover bool
}

func NewJanitor(svc *Service, interval, retention time.Duration, autoRecover bool) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{svc: svc, interval: interval, retention: retention, autoRecover: autoRecover}
}

// Run sweeps once per interval until ctx is cancelled. Sweep failures are
// logged; they never stop the loop.
func (jn *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(jn.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			jn.Sweep(ctx)
		}
	}
}

func (jn *Janitor) Sweep(ctx context.Context) {
	if jn.autoRecover {
		if _, err := jn.svc.RecoverStaleJobs(ctx); err != nil && ctx.Err() == nil {
			slog.Error("janitor: recover stalled jobs", "error", err)
		}
	}
	if jn.retention > 0 {
		if _, err := jn.svc.PurgeCompleted(ctx, jn.retention); err != nil && ctx.Err() == nil {
			slog.Error("janitor: purge completed jobs", "error", err)
		}
	}
}
