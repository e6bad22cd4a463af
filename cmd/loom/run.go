package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/diagram"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/streaming"
	"github.com/loomctl/loom/internal/validate"
	"github.com/loomctl/loom/pkg/schema"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		inputs []string
		dryRun bool
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow document",
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
			if report := v.Validate(def); !report.Valid() {
				printReport(cmd, report)
				return fmt.Errorf("%s: %d validation error(s)", args[0], len(report.Errors))
			}

			if dryRun {
				model, err := diagram.Build(def)
				if err != nil {
					return err
				}
				cmd.Print(diagram.RenderText(model))
				return nil
			}

			in, err := parsePairs(inputs, "input")
			if err != nil {
				return err
			}

			st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			var hub streaming.EventHub
			if follow {
				hub = streaming.NewMemoryHub()
			}
			eng, _, err := opts.buildEngine(st, hub)
			if err != nil {
				return err
			}

			stop := func() {}
			if follow {
				stop, err = followEvents(cmd, hub)
				if err != nil {
					return err
				}
			}
			run, err := eng.Start(cmd.Context(), def, in)
			stop()
			if err != nil {
				return err
			}
			return printRun(cmd, run)
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "workflow input as key=value (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the execution plan instead of running")
	cmd.Flags().BoolVar(&follow, "follow", false, "stream run events to stderr")
	return cmd
}

// followEvents prints hub events until the returned stop function is called.
func followEvents(cmd *cobra.Command, hub streaming.EventHub) (func(), error) {
	ch, cancel, err := hub.Subscribe(cmd.Context(), streaming.EventFilter{})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			if evt.StepID != "" {
				cmd.PrintErrf("  %-22s %s\n", evt.EventType, evt.StepID)
			} else {
				cmd.PrintErrf("  %s\n", evt.EventType)
			}
		}
	}()
	return func() {
		cancel()
		// cancel removes the subscriber but does not close the channel;
		// nothing publishes after the walk returns, so stop the printer.
		select {
		case <-done:
		default:
		}
	}, nil
}

func printRun(cmd *cobra.Command, run *store.Run) error {
	cmd.Printf("run:    %s\n", run.ID)
	cmd.Printf("status: %s\n", run.Status)

	switch run.Status {
	case schema.RunStatusSuspended:
		cmd.Printf("suspended at: %s\n", run.SuspendedStep)
		if run.Prompt != "" {
			cmd.Printf("prompt: %s\n", run.Prompt)
		}
		cmd.Printf("resume with: loom resume %s --answer %s=<value>\n", run.ID, run.SuspendedStep)
		return nil
	case schema.RunStatusFailed:
		if len(run.Error) > 0 {
			var lerr schema.LoomError
			if json.Unmarshal(run.Error, &lerr) == nil && lerr.Message != "" {
				return fmt.Errorf("run failed: [%s] %s", lerr.Code, lerr.Message)
			}
		}
		return fmt.Errorf("run failed")
	}
	return nil
}
