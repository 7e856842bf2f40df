package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/channel-crawler/internal/identity"
	"github.com/JakeFAU/channel-crawler/internal/server"
)

func newIdentitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identities",
		Short: "Inspects and manages the identity pool",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Lists identities with their status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withAdmin(cmd, func(ctx context.Context, _ *runtime, admin *server.Admin) error {
					records, err := admin.Pool.Snapshot(ctx)
					if err != nil {
						return err
					}
					tw := newTable(cmd.OutOrStdout())
					fmt.Fprintln(tw, "ID\tSTATUS\tLAST USED\tREASON")
					for _, rec := range records {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.ID, rec.Status, formatTime(rec.LastUsedAt), rec.Reason)
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Registers the identities of the accounts file and drops the rest",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withAdmin(cmd, func(ctx context.Context, rt *runtime, admin *server.Admin) error {
					specs, err := identity.LoadAccounts(rt.cfg.Identities.File, rt.cfg.Identities.SessionDir)
					if err != nil {
						return err
					}
					if err := admin.Pool.Sync(ctx, specs); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "synced %d identities\n", len(specs))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "reinstate <id>",
			Short: "Returns a banned identity to the rotation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withAdmin(cmd, func(ctx context.Context, _ *runtime, admin *server.Admin) error {
					if err := admin.Pool.Reinstate(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "identity %s reinstated\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "remove <id>",
			Short: "Deletes an identity with its memberships and locks",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withAdmin(cmd, func(ctx context.Context, _ *runtime, admin *server.Admin) error {
					if err := admin.Pool.Remove(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "identity %s removed\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}
