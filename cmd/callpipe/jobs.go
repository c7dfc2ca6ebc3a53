package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahmethakanbesel/call-pipeline/internal/job"
	"github.com/ahmethakanbesel/call-pipeline/internal/platform/redis"
)

func enqueueCmd(a *app) *cobra.Command {
	var req job.EnqueueRequest
	var kind string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a call for processing after its upload completed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Kind = job.Kind(kind)

			closeBus, err := a.publishOnEnqueue(cmd.Context())
			if err != nil {
				return err
			}
			defer closeBus()

			j, err := a.svc.Enqueue(cmd.Context(), req)
			if errors.Is(err, job.ErrDuplicateJob) && j != nil {
				slog.Info("call already queued", "job", j.ID, "status", j.Status)
				return printJSON(cmd.OutOrStdout(), j)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
	cmd.Flags().StringVar(&req.CallID, "call", "", "call id (required)")
	cmd.Flags().StringVar(&req.UserID, "user", "", "uploading user id (required)")
	cmd.Flags().StringVar(&req.OrgID, "org", "", "organization id")
	cmd.Flags().StringVar(&req.FileURL, "file-url", "", "absolute URL of the uploaded recording (required)")
	cmd.Flags().StringVar(&req.FileName, "file-name", "", "original file name")
	cmd.Flags().StringVar(&kind, "kind", string(job.KindProcessCall), "job kind")
	_ = cmd.MarkFlagRequired("call")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("file-url")
	return cmd
}

// publishOnEnqueue wakes running servers through Redis when it is
// configured. The publish is synchronous since the CLI exits right after.
func (a *app) publishOnEnqueue(ctx context.Context) (func(), error) {
	if a.cfg.RedisAddr == "" {
		return func() {}, nil
	}
	bus, err := redis.Open(ctx, a.cfg.RedisAddr, a.cfg.RedisChannel)
	if err != nil {
		return nil, err
	}
	a.svc.SetNotify(func() {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := bus.Publish(pctx); err != nil {
			slog.Warn("wake-up publish failed; workers will poll", "error", err)
		}
	})
	return func() { _ = bus.Close() }, nil
}

func getCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.svc.Get(cmd.Context(), job.GetJobRequest{ID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
}

func listCmd(a *app) *cobra.Command {
	var status, callID, kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := a.svc.List(cmd.Context(), job.ListJobsRequest{
				Status: job.Status(status),
				CallID: callID,
				Kind:   job.Kind(kind),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), nonNil(jobs))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, active, completed or failed")
	cmd.Flags().StringVar(&callID, "call", "", "only jobs for this call")
	cmd.Flags().StringVar(&kind, "kind", "", "only jobs of this kind")
	return cmd
}

func stalledCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "stalled",
		Short: "List active jobs that stopped reporting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := a.svc.FindStalled(cmd.Context(), job.FindStalledRequest{OlderThan: olderThan})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), nonNil(jobs))
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum idle time (defaults to STALLED_THRESHOLD)")
	return cmd
}

func resubmitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <job-id>",
		Short: "Hand a stalled job back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.svc.Resubmit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
}

func retryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Queue a fresh job for the call of a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.svc.Retry(cmd.Context(), args[0])
			if errors.Is(err, job.ErrDuplicateJob) && j != nil {
				slog.Info("call already queued", "job", j.ID, "status", j.Status)
				return printJSON(cmd.OutOrStdout(), j)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
}

func nonNil(jobs []job.Job) []job.Job {
	if jobs == nil {
		return []job.Job{}
	}
	return jobs
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
