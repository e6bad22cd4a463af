package main

import (
	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/validate"
)

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for workflow documents",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(validate.WorkflowSchemaJSON)
		},
	}
}
