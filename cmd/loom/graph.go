package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/diagram"
	"github.com/loomctl/loom/pkg/schema"
)

func newGraphCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <workflow.yaml>",
		Short: "Print the compiled execution graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := schema.ParseFile(args[0])
			if err != nil {
				return err
			}
			model, err := diagram.Build(def)
			if err != nil {
				return err
			}

			switch format {
			case "text":
				cmd.Print(diagram.RenderText(model))
			case "mermaid":
				cmd.Print(diagram.RenderMermaid(model))
			default:
				return fmt.Errorf("unknown format %q: expected text or mermaid", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format: text or mermaid")
	return cmd
}
