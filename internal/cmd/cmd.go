// Package cmd defines the cobra commands for the midterm binary.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/midterm-sh/midterm/internal/cmd/host"
	"github.com/midterm-sh/midterm/internal/cmd/server"
	"github.com/midterm-sh/midterm/internal/config"
)

// NewServeCommand builds the `serve` subcommand, which runs the
// long-lived multiplexer server.
func NewServeCommand(conf *config.Config, version string) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the server that owns terminal sessions and the web endpoints",
		Example: "midterm serve --address=127.0.0.1:8377",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := server.Config{
				Address:         conf.ServerAddress(),
				AllowedOrigins:  conf.ServerAllowedOrigins(),
				SettingsPath:    conf.ServerSettingsPath(),
				Debug:           conf.ServerDebugEnabled(),
				ScrollbackBytes: conf.SessionScrollbackBytes(),
				ExitGrace:       conf.SessionExitGrace(),
				SweepInterval:   conf.SessionSweepInterval(),
				UpdateEnabled:   conf.UpdateEnabled(),
				UpdateURL:       conf.UpdateURL(),
				UpdateInterval:  conf.UpdateInterval(),
			}

			return server.NewServer(version).Run(cmd.Context(), cfg)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.ServerOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}

// NewHostCommand builds the hidden `host` subcommand. The server
// spawns one host process per session; users never invoke it directly.
func NewHostCommand() *cobra.Command {
	var cfg host.Config

	cmd := &cobra.Command{
		Use:    "host",
		Short:  "Run a single PTY host process (spawned by the server)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return host.Run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.SessionID, "session-id", "", "session identifier")
	fs.StringVar(&cfg.Shell, "shell", "", "shell executable path or kind name")
	fs.IntVar(&cfg.Cols, "cols", 80, "initial terminal columns")
	fs.IntVar(&cfg.Rows, "rows", 24, "initial terminal rows")
	fs.StringVar(&cfg.WorkingDirectory, "cwd", "", "shell working directory")
	fs.StringVar(&cfg.RunAsUser, "run-as-user", "", "user to run the shell as")
	_ = cmd.MarkFlagRequired("session-id")

	return cmd
}
