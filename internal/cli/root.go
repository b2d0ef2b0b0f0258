package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/saveenergy/speedkit/internal/config"
	"github.com/saveenergy/speedkit/internal/logging"
	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
)

const (
	exitSuccess   = 0
	exitFailure   = 1
	exitUsage     = 2
	exitInterrupt = 130
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// app is the state shared by all subcommands of one invocation.
type app struct {
	version string
	file    *config.File
	stdout  io.Writer
	stderr  io.Writer
	// isTerminal reports whether stdout is an interactive terminal.
	isTerminal func() bool
}

// NewRootCommand builds the speedkit command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{version: version, isTerminal: stdoutIsTerminal}

	root := &cobra.Command{
		Use:   "speedkit",
		Short: "Network quality measurement: latency, download and upload",
		Long: `speedkit measures network quality against measurement peers.

  A run probes UDP latency, then measures download and upload throughput
  with parallel TCP streams. When a phase fails on one target the run falls
  back to the next configured target.

  Quick start:
    speedkit peer                         # on the remote host
    speedkit run --target peer.example
    speedkit run --target a.example --target b.example --output json
    speedkit monitor --interval 15m --target peer.example`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.stdout = cmd.OutOrStdout()
			a.stderr = cmd.ErrOrStderr()

			levelName, _ := cmd.Flags().GetString("log-level")
			level, err := logging.ParseLevel(levelName)
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			logging.GetLogger().SetLevel(level)

			path, _ := cmd.Flags().GetString("config")
			file, err := config.Load(path)
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			a.file = file
			if file.LogLevel != "" && !cmd.Flags().Changed("log-level") {
				if level, err := logging.ParseLevel(file.LogLevel); err == nil {
					logging.GetLogger().SetLevel(level)
				}
			}
			return nil
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "config file path (default $XDG_CONFIG_HOME/speedkit/config.yaml)")
	root.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("catalog-db", "", "target catalog database path")

	root.AddCommand(
		newRunCommand(a),
		newPeerCommand(a),
		newMonitorCommand(a),
		newTargetsCommand(a),
		newMCPCommand(a),
		newVersionCommand(a),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, version string, args []string) int {
	root := NewRootCommand(version)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitSuccess
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "speedkit: error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "speedkit: error: %v\n", err)
	if pkgerrors.CodeOf(err) == pkgerrors.ErrCodeInvalidConfig {
		return exitUsage
	}
	return exitFailure
}

func (a *app) catalogPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("catalog-db"); p != "" {
		return p
	}
	if a.file != nil && a.file.Catalog != "" {
		return a.file.Catalog
	}
	return config.DefaultCatalogPath()
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "speedkit %s\n", a.version)
		},
	}
}
