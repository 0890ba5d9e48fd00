// Package main is the entry point for the midterm binary. It supports
// two subcommands:
//
//   - serve: runs the multiplexer server (REST API + WebSocket channels)
//   - host:  runs a single PTY host process, spawned by the server
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/midterm-sh/midterm/internal/cmd"
	"github.com/midterm-sh/midterm/internal/config"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (service manager).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we
		// print the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	conf, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rootCmd, err := newCmd(conf)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return rootCmd.ExecuteContext(ctx)
}

// newCmd constructs the root Cobra command and registers the serve and
// host subcommands.
func newCmd(conf *config.Config) (*cobra.Command, error) {
	c := &cobra.Command{
		Use:           "midterm",
		Short:         "Midterm: a terminal multiplexer served over the web.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd, err := cmd.NewServeCommand(conf, version)
	if err != nil {
		return nil, err
	}

	c.AddCommand(serveCmd, cmd.NewHostCommand())

	return c, nil
}
