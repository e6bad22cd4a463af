package main

import (
	"github.com/spf13/cobra"
)

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var answers []string

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a suspended run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ans, err := parsePairs(answers, "answer")
			if err != nil {
				return err
			}

			st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			eng, _, err := opts.buildEngine(st, nil)
			if err != nil {
				return err
			}

			run, err := eng.Resume(cmd.Context(), args[0], ans)
			if err != nil {
				return err
			}
			return printRun(cmd, run)
		},
	}

	cmd.Flags().StringArrayVarP(&answers, "answer", "a", nil, "answer for a suspended step as step=value (repeatable)")
	return cmd
}
