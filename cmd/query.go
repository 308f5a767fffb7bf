package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"cellaserv/internal/cellaserv"
)

var queryCmd = &cobra.Command{
	Use:   "query <service>[/<identification>] <action> [arg ...]",
	Short: "Send a request and print the reply",
	Long: `Send a blocking request to a service and print the reply data.

Arguments of the form key=value are sent as a keyword mapping, bare
arguments as a positional list. Values that parse as JSON are sent as-is,
anything else as a string:

  cellaserv query date time
  cellaserv query ax/left move position=512 speed=80.5
  cellaserv query eval run '"2 + 2"'`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := brokerConfig(cmd.Context(), cmd)
		if err != nil {
			return err
		}

		service, identification := splitServiceName(args[0])
		action := args[1]

		data, err := encodeQueryArgs(args[2:])
		if err != nil {
			return err
		}

		conn, err := cfg.Dialer()()
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", cfg.Address(), err)
		}
		client := cellaserv.NewClient(conn)
		defer client.Close()

		result, err := client.Request(service, identification, action, data)
		if err != nil {
			return err
		}
		if result == nil {
			return nil
		}

		cmd.Println(formatReply(result))
		return nil
	},
}

// splitServiceName splits "ax/left" into service and identification.
func splitServiceName(name string) (string, string) {
	service, identification, _ := strings.Cut(name, "/")
	return service, identification
}

// encodeQueryArgs builds request data from command line arguments. key=value
// arguments form a keyword mapping, bare arguments a positional list; mixing
// the two is an error since the wire carries one or the other.
func encodeQueryArgs(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}

	kwargs := make(map[string]json.RawMessage)
	var positional []json.RawMessage
	for _, arg := range args {
		if key, value, ok := strings.Cut(arg, "="); ok && key != "" {
			kwargs[key] = encodeQueryValue(value)
			continue
		}
		positional = append(positional, encodeQueryValue(arg))
	}

	switch {
	case len(kwargs) > 0 && len(positional) > 0:
		return nil, fmt.Errorf("cannot mix key=value and positional arguments")
	case len(kwargs) > 0:
		return json.Marshal(kwargs)
	}
	return json.Marshal(positional)
}

func encodeQueryValue(value string) json.RawMessage {
	if json.Valid([]byte(value)) {
		return json.RawMessage(value)
	}
	quoted, _ := json.Marshal(value)
	return quoted
}

// formatReply pretty-prints JSON reply data, anything else verbatim.
func formatReply(data []byte) string {
	if !json.Valid(data) {
		return string(data)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}
