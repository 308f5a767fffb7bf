package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"cellaserv/internal/cellaserv"
)

var publishCmd = &cobra.Command{
	Use:   "publish <event> [data]",
	Short: "Publish an event",
	Long: `Publish an event on the broker, with optional data. Data that parses
as JSON is sent as-is, anything else as a string:

  cellaserv publish match.start
  cellaserv publish beep '{"duration": 0.5}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := brokerConfig(cmd.Context(), cmd)
		if err != nil {
			return err
		}

		var data []byte
		if len(args) == 2 {
			data = encodeQueryValue(args[1])
		}

		conn, err := cfg.Dialer()()
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", cfg.Address(), err)
		}
		client := cellaserv.NewClient(conn)
		defer client.Close()

		return client.Publish(args[0], data)
	},
}
