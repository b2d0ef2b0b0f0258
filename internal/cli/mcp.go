package cli

import (
	"github.com/spf13/cobra"

	"github.com/saveenergy/speedkit/internal/mcp"
)

func newMCPCommand(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve measurements as MCP tools over stdio",
		Long: `Serve the measure and latency_probe tools over the Model Context
Protocol on stdin/stdout. Targets, ports and phase settings from the
config file, SPEEDKIT_* variables and flags become the defaults for
every tool call.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Tool calls may name their own targets, so an empty list is
			// only checked when a call relies on it.
			cfg, err := a.resolveConfig(cmd.Context(), cmd, f)
			if err != nil {
				return err
			}
			if len(cfg.Targets) > 0 {
				if err := cfg.Validate(); err != nil {
					return &exitError{code: exitUsage, err: err}
				}
			}
			opts, cleanup := a.measurementOptions(cfg, f)
			defer cleanup()
			return mcp.New(cfg, a.version, opts...).ServeStdio()
		},
	}
	addRunFlags(cmd, f)
	return cmd
}
