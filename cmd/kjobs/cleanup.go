package main

import (
	"context"

	"github.com/opst/kjobs/pkg/cleanup"
	"github.com/opst/kjobs/pkg/loop/recurring"
	"github.com/spf13/cobra"
)

func cleanupCommand(global *globalFlags) *cobra.Command {
	policy := "once"
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete jobs finished long enough ago",
		Long: `cleanup sweeps jobs owned by this signature.

Jobs observed terminal are scheduled to be deleted after the retention,
and jobs past the schedule are deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := recurring.ParsePolicy(policy)
			if err != nil {
				return err
			}
			return sweep(cmd.Context(), global, p)
		},
	}
	cmd.Flags().StringVar(
		&policy, "policy", policy,
		`"once" = sweep once. "forever[:INTERVAL]" = sweep every INTERVAL until interrupted`,
	)
	return cmd
}

func sweep(ctx context.Context, global *globalFlags, policy recurring.Policy) error {
	conf, err := loadConfig(global)
	if err != nil {
		return err
	}
	c, err := connectCluster(ctx, global, conf, nil)
	if err != nil {
		return err
	}

	stat, err := cleanup.Run(ctx, c.manager, policy)
	logger.Infof("swept %d time(s): marked %d, deleted %d", stat.Sweeps, stat.Marked, stat.Deleted)
	return ignoreCanceled(err)
}
