package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/relay/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "relay",
	Short: "A TCP broadcast server",
	Long: `relay accepts TCP connections and rebroadcasts every message a client
sends to every connected client, the sender included.

Messages are length prefixed frames, see the protocol package for details.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(SendCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the command line, exiting non-zero if the command fails.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
