package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaywave/gateway/cmd/gateway/commands"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "relaywave - real-time collaboration gateway",
	Long: `relaywave is a WebSocket gateway for workspace presence, chat,
live note collaboration, and task/agenda fan-out, backed by a shared-state
service with a local cache and circuit breaker.

Available commands:
  serve    - Start the collaboration gateway
  version  - Show version information`,
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
