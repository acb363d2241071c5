package main

import (
	"github.com/spf13/cobra"
)

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print every setting with its value and where it came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := g.resolve()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resolved.Redacted())
		},
	})
	return cmd
}
