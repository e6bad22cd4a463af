package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/actions"
	"github.com/loomctl/loom/internal/validate"
	"github.com/loomctl/loom/pkg/schema"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow document without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := schema.ParseFile(args[0])
			if err != nil {
				return err
			}

			registry := actions.NewRegistry()
			if err := actions.RegisterBuiltins(registry, actions.BuiltinConfig{}); err != nil {
				return err
			}

			vopts := []validate.Option{validate.WithActionLookup(registry)}
			if strict {
				vopts = append(vopts, validate.WithStrict())
			}
			v, err := validate.New(vopts...)
			if err != nil {
				return err
			}

			report := v.Validate(def)
			printReport(cmd, report)
			if !report.Valid() {
				return fmt.Errorf("%s: %d validation error(s)", args[0], len(report.Errors))
			}
			cmd.Printf("%s: valid\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	return cmd
}

func printReport(cmd *cobra.Command, report *schema.ValidationReport) {
	for _, issue := range report.Errors {
		cmd.PrintErrf("error   %s: %s (%s)\n", issue.Path, issue.Message, issue.Code)
	}
	for _, issue := range report.Warnings {
		cmd.PrintErrf("warning %s: %s (%s)\n", issue.Path, issue.Message, issue.Code)
	}
}
