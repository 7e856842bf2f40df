// Package cmd defines and implements the CLI commands for the channel-crawler executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/config"
	"github.com/JakeFAU/channel-crawler/internal/logging"
)

// runtimeKeyType is the key for storing the runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what every subcommand starts from: the loaded config and logger.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
}

// newRuntime is the runtime factory. It's a variable so tests can swap it.
var newRuntime = func(cfgFile string, envFiles []string) (*runtime, error) {
	cfg, err := config.Load(cfgFile, envFiles...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return &runtime{cfg: &cfg, logger: logger}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var (
		cfgFile  string
		envFiles []string
	)
	cmd := &cobra.Command{
		Use:   "channel-crawler",
		Short: "Crawls public channels with a pool of rotating identities.",
		Long: `channel-crawler keeps a pool of credentialed identities, joins the
channels listed in the targets file and periodically forwards their newest
messages to the configured sinks. Banned identities leave the rotation until an
operator reinstates them; with a single identity left the crawler falls back to
the priority channels only.`,
		SilenceUsage: true,

		// Load config and logger once and hand them to the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cfgFile, envFiles)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "env files loaded before the environment")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIdentitiesCmd())
	cmd.AddCommand(newChannelsCmd())
	cmd.AddCommand(newLocksCmd())

	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, fmt.Errorf("runtime not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "channel-crawler:", err)
		os.Exit(1)
	}
}
