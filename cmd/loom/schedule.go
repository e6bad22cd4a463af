package main

import (
	"encoding/json"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/engine"
	"github.com/loomctl/loom/internal/scheduler"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/validate"
	"github.com/loomctl/loom/pkg/schema"
)

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron-scheduled workflow runs",
	}
	cmd.AddCommand(
		newScheduleAddCmd(opts),
		newScheduleLsCmd(opts),
		newScheduleRmCmd(opts),
		newScheduleDaemonCmd(opts),
	)
	return cmd
}

func newScheduleAddCmd(opts *rootOptions) *cobra.Command {
	var (
		cron   string
		inputs []string
	)

	cmd := &cobra.Command{
		Use:   "add <workflow.yaml>",
		Short: "Schedule a workflow document on a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := schema.ParseFile(args[0])
			if err != nil {
				return err
			}
			v, err := validate.New()
			if err != nil {
				return err
			}
			if err := v.ValidateDefinition(def); err != nil {
				return err
			}

			in, err := parsePairs(inputs, "input")
			if err != nil {
				return err
			}
			raw, err := json.Marshal(def)
			if err != nil {
				return err
			}

			st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			sched := scheduler.New(st, nil, slog.Default())
			next, err := sched.NextRun(cron, time.Now().UTC())
			if err != nil {
				return err
			}

			job := &store.ScheduledJob{
				ID:             uuid.NewString(),
				WorkflowName:   def.Name,
				Definition:     raw,
				CronExpression: cron,
				Inputs:         in,
				Enabled:        true,
				NextRunAt:      &next,
			}
			if err := st.CreateScheduledJob(cmd.Context(), job); err != nil {
				return err
			}
			cmd.Printf("scheduled %s as %s, next run %s\n",
				def.Name, job.ID, next.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&cron, "cron", "", "cron expression (5 fields)")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "workflow input as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}

func newScheduleLsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, err := st.ListScheduledJobs(cmd.Context(), store.ScheduledJobFilter{})
			if err != nil {
				return err
			}
			for _, job := range jobs {
				next := "-"
				if job.NextRunAt != nil {
					next = job.NextRunAt.Format(time.RFC3339)
				}
				state := "enabled"
				if !job.Enabled {
					state = "disabled"
				}
				cmd.Printf("%s  %-20s  %-16s  %s  next %s\n",
					job.ID, job.WorkflowName, job.CronExpression, state, next)
			}
			return nil
		},
	}
}

func newScheduleRmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <job-id>",
		Short: "Delete a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.DeleteScheduledJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func newScheduleDaemonCmd(opts *rootOptions) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			eng, _, err := opts.buildEngine(st, nil)
			if err != nil {
				return err
			}
			runner := engine.NewRunner(eng, workers)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sched := scheduler.New(st, runner, slog.Default())
			if err := sched.RecoverMissed(ctx); err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			if err := sched.Stop(); err != nil {
				return err
			}
			runner.Shutdown()
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 4, "max concurrent runs")
	return cmd
}
