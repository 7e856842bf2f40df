package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/channel-crawler/internal/server"
)

// withAdmin opens the stores for one operator command and closes them after.
func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime, admin *server.Admin) error) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	admin, err := server.OpenAdmin(cmd.Context(), rt.cfg, nil, nil, rt.logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	runErr := fn(cmd.Context(), rt, admin)
	if err := admin.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close stores: %w", err)
	}
	return runErr
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
