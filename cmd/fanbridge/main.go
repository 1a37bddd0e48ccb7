// fanbridge connects a serial distance-sensor/fan device to HTTP and
// WebSocket clients.
//
// Usage:
//
//	fanbridge serve --serial-port /dev/ttyUSB0 --port 3001
//	fanbridge serve --config fanbridge.yaml --debug
//	fanbridge ports
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fanbridge",
		Short: "Bridge a distance-sensor fan to HTTP and WebSocket clients",
		Long: `fanbridge reads distance readings from a serial device, combines them with
presence detections from a camera, and switches the fan on when a person is
close. Clients watch and control it over HTTP and WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newPortsCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fanbridge %s\n", version)
		},
	}
}
