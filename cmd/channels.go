package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/channel-crawler/internal/server"
	"github.com/JakeFAU/channel-crawler/internal/targets"
)

func newChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspects channel memberships",
	}
	cmd.AddCommand(newChannelsMissingCmd(), newChannelsForgetCmd(), newChannelsResetCmd())
	return cmd
}

func newChannelsMissingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "missing",
		Short: "Prints targets that no identity has joined yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(cmd, func(ctx context.Context, rt *runtime, admin *server.Admin) error {
				required, err := targets.LoadFile(rt.cfg.Targets.File)
				if err != nil {
					return err
				}
				joined, err := admin.Store.JoinedChannels(ctx)
				if err != nil {
					return err
				}
				for _, ch := range targets.Missing(required, joined) {
					fmt.Fprintln(cmd.OutOrStdout(), ch)
				}
				return nil
			})
		},
	}
}

func newChannelsForgetCmd() *cobra.Command {
	var identityID string
	cmd := &cobra.Command{
		Use:   "forget <channel>",
		Short: "Drops memberships of a channel so it is joined again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID := targets.Normalize(args[0])
			return withAdmin(cmd, func(ctx context.Context, _ *runtime, admin *server.Admin) error {
				ids := []string{identityID}
				if identityID == "" {
					records, err := admin.Store.ListIdentities(ctx)
					if err != nil {
						return err
					}
					ids = ids[:0]
					for _, rec := range records {
						ids = append(ids, rec.ID)
					}
				}
				for _, id := range ids {
					if err := admin.Store.DeleteMembership(ctx, id, channelID); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot %s for %d identities\n", channelID, len(ids))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&identityID, "identity", "", "only forget the membership of this identity")
	return cmd
}

func newChannelsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clears every last-crawled time so all channels are due now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(cmd, func(ctx context.Context, _ *runtime, admin *server.Admin) error {
				if err := admin.Store.ResetCrawled(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "crawl times reset")
				return nil
			})
		},
	}
}
