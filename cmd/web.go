package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cellaserv/internal/web"
)

var webListenAddress string

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Bridge the broker to HTTP",
	Long: `Run an HTTP server exposing broker requests as URLs:

  GET /query/<service>/<action>
  GET /query/<service>/<identification>/<action>

Query string and form parameters become keyword arguments.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := brokerConfig(cmd.Context(), cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		bridge := web.NewBridge(cfg.Dialer())

		done := make(chan error, 1)
		go func() { done <- bridge.Start(webListenAddress) }()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return bridge.Stop(shutdownCtx)
	},
}

func init() {
	webCmd.Flags().StringVar(&webListenAddress, "listen", ":4280", "HTTP listen address")
}
