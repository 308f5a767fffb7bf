package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"cellaserv/internal/cellaserv"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <event> [event ...]",
	Short: "Watch events and print them",
	Long: `Subscribe to one or more event names or glob patterns and print every
matching event as a JSON line:

  cellaserv subscribe match.start
  cellaserv subscribe 'log.*'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := brokerConfig(cmd.Context(), cmd)
		if err != nil {
			return err
		}

		dispatcher := cellaserv.NewDispatcher("subscribe", "")
		out := json.NewEncoder(cmd.OutOrStdout())
		for _, pattern := range args {
			err := dispatcher.BindEventPattern(pattern, func(event string, data []byte) {
				out.Encode(eventLine(event, data))
			})
			if err != nil {
				return err
			}
		}

		conn, err := cfg.Dialer()()
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", cfg.Address(), err)
		}
		client := cellaserv.NewClient(conn)
		defer client.Close()

		for _, pattern := range args {
			if err := client.Subscribe(pattern); err != nil {
				return err
			}
		}

		err = client.ReadLoop(dispatcher)
		if err == io.EOF || cmd.Context().Err() != nil {
			return nil
		}
		return err
	},
}

// eventLine shapes one received event for output. JSON data is inlined,
// anything else is carried as a string.
func eventLine(event string, data []byte) map[string]any {
	line := map[string]any{"event": event}
	if len(data) == 0 {
		return line
	}
	if json.Valid(data) {
		line["data"] = json.RawMessage(data)
	} else {
		line["data"] = string(data)
	}
	return line
}
