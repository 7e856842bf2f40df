package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/channel-crawler/internal/server"
	"github.com/JakeFAU/channel-crawler/internal/targets"
)

func newLocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspects and releases channel locks",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Lists stored channel locks",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withAdmin(cmd, func(ctx context.Context, _ *runtime, admin *server.Admin) error {
					locks, err := admin.Locks.List(ctx)
					if err != nil {
						return err
					}
					tw := newTable(cmd.OutOrStdout())
					fmt.Fprintln(tw, "CHANNEL\tHOLDER\tACQUIRED\tLIVE")
					now := time.Now()
					for _, l := range locks {
						live := l.Live(now, admin.Locks.Timeout())
						fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", l.ChannelID, l.HolderID, formatTime(l.AcquiredAt), live)
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "release <channel>",
			Short: "Removes a channel lock regardless of its holder",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				channelID := targets.Normalize(args[0])
				return withAdmin(cmd, func(ctx context.Context, _ *runtime, admin *server.Admin) error {
					if err := admin.Locks.Unlock(ctx, channelID); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "lock on %s released\n", channelID)
					return nil
				})
			},
		},
	)
	return cmd
}
