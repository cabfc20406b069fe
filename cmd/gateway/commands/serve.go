package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/relaywave/gateway/config"
	"github.com/relaywave/gateway/errors"
	"github.com/relaywave/gateway/gateway"
	"github.com/relaywave/gateway/logger"
)

// ServeCmd starts the real-time collaboration gateway.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server", "start"},
	Short:   "Start the relaywave collaboration gateway",
	Long:    `Launch the WebSocket gateway: presence, chat, note collaboration, and task/agenda fan-out over a shared-state backed transport hub.`,
	RunE:    runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := logger.InitializeForEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Cleanup()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	printStartupBanner(cfg)

	srv := gateway.New(cfg)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "gateway failed to start")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() { shutdownDone <- srv.Stop() }()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("gateway stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nforce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
