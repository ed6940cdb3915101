package main

import (
	"github.com/opst/kjobs/pkg/api/types/definitions"
	"github.com/spf13/cobra"
)

func definitionsCommand(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "definitions",
		Short: "Show job definitions, with their queues and arguments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conf, err := loadConfig(global)
			if err != nil {
				return err
			}
			c, err := connectCluster(ctx, global, conf, nil)
			if err != nil {
				return err
			}
			details := []definitions.Detail{}
			for _, name := range c.holder.Definitions() {
				def, err := c.holder.Resolve(name)
				if err != nil {
					return err
				}
				details = append(details, definitions.ComposeDetail(def))
			}
			return printJSON(cmd.OutOrStdout(), details)
		},
	}
}
