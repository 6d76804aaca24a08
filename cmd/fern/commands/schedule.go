package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fernhq/fern/pkg/fern/scheduler"
	"github.com/fernhq/fern/pkg/fern/store"
)

// newScheduleCmd creates the `fern schedule` command group.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled jobs",
		Long: `List, create and cancel scheduled jobs on the running daemon.

Examples:
  fern schedule list
  fern schedule list --status pending
  fern schedule create --in 30m --prompt "check the oven"
  fern schedule create --cron "0 9 * * 1-5" --prompt "morning briefing" --channel discord --to 1234567890
  fern schedule cancel job_0192d5e8a7b14f3c9e2b8a1d4c5f6e7d`,
	}
	cmd.AddCommand(newScheduleListCmd(), newScheduleCreateCmd(), newScheduleCancelCmd())
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE:  runScheduleList,
	}
	cmd.Flags().String("status", "", "filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().Int("limit", 50, "maximum number of jobs to show")
	return cmd
}

func runScheduleList(cmd *cobra.Command, _ []string) error {
	client, err := newDaemonClient(cmd)
	if err != nil {
		return err
	}
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	var out struct {
		Jobs []*store.Job `json:"jobs"`
	}
	req := map[string]any{"status": status, "limit": limit}
	if err := client.do(ctx, http.MethodPost, "/internal/scheduler/list", req, &out); err != nil {
		return err
	}

	if len(out.Jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	for _, job := range out.Jobs {
		when := job.ScheduledAt.Local().Format("2006-01-02 15:04")
		if job.CronExpr != "" {
			when = fmt.Sprintf("%s (cron %s)", when, job.CronExpr)
		}
		fmt.Printf("%s  %-9s  %-9s  %s\n", job.ID, job.Type, job.Status, when)
		fmt.Printf("    %s\n", truncate(job.Prompt, 100))
		if job.LastError != "" {
			fmt.Printf("    last error: %s\n", truncate(job.LastError, 100))
		}
	}
	return nil
}

func newScheduleCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a scheduled job",
		Long: `Create a job that runs the prompt against the agent when due.
Exactly one of --at, --in or --cron selects the schedule. With --channel
and --to the job output is announced on that channel.`,
		RunE: runScheduleCreate,
	}
	cmd.Flags().String("prompt", "", "prompt the agent runs when the job fires")
	cmd.Flags().String("at", "", "absolute fire time, RFC 3339 (e.g. 2026-09-01T09:00:00Z)")
	cmd.Flags().String("in", "", "relative delay (e.g. 30m, 2h)")
	cmd.Flags().String("cron", "", "recurring 5-field cron expression")
	cmd.Flags().String("channel", "", "announce channel for the job output")
	cmd.Flags().String("to", "", "announce recipient for the job output")
	return cmd
}

func runScheduleCreate(cmd *cobra.Command, _ []string) error {
	client, err := newDaemonClient(cmd)
	if err != nil {
		return err
	}

	prompt, _ := cmd.Flags().GetString("prompt")
	at, _ := cmd.Flags().GetString("at")
	in, _ := cmd.Flags().GetString("in")
	cronExpr, _ := cmd.Flags().GetString("cron")
	channel, _ := cmd.Flags().GetString("channel")
	to, _ := cmd.Flags().GetString("to")

	req := scheduler.CreateRequest{Prompt: prompt, CronExpr: cronExpr}
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("parsing --at: %w", err)
		}
		req.ScheduledAt = &t
	}
	if in != "" {
		d, err := time.ParseDuration(in)
		if err != nil {
			return fmt.Errorf("parsing --in: %w", err)
		}
		ms := d.Milliseconds()
		req.DelayMS = &ms
	}
	if channel != "" && to != "" {
		req.Metadata = map[string]string{"channel": channel, "to": to}
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	var job store.Job
	if err := client.do(ctx, http.MethodPost, "/internal/scheduler/create", req, &job); err != nil {
		return err
	}
	fmt.Printf("created %s, next fire %s\n", job.ID, job.ScheduledAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func newScheduleCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE:  runScheduleCancel,
	}
}

func runScheduleCancel(cmd *cobra.Command, args []string) error {
	client, err := newDaemonClient(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	path := "/internal/scheduler/cancel/" + args[0]
	if err := client.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return err
	}
	fmt.Println("cancelled", args[0])
	return nil
}
