package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"cellaserv/internal/config"
	"cellaserv/internal/logger"
)

var (
	configPath string
	hostFlag   string
	portFlag   uint16
	verbosity  int
)

var rootCmd = &cobra.Command{
	Use:   "cellaserv",
	Short: "Cellaserv client tools",
	Long: `Command line tools for the cellaserv broker: send requests, publish
and watch events, and bridge the broker to HTTP.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetSilentMode(false)
		logger.SetDebugLevel(verbosity)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "", "broker host (overrides config and CS_HOST)")
	rootCmd.PersistentFlags().Uint16Var(&portFlag, "port", 0, "broker port (overrides config and CS_PORT)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v debug, -vv wire trace)")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(webCmd)
}

// brokerConfig resolves the broker settings: defaults, then config file and
// CS_* environment, then command line flags.
func brokerConfig(ctx context.Context, cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("host") {
		cfg.Host = hostFlag
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = portFlag
	}
	if verbosity == 0 {
		logger.SetDebugLevel(cfg.Debug)
	}
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("broker address is incomplete: %q", cfg.Address())
	}
	return cfg, nil
}
