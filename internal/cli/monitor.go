package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/saveenergy/speedkit/internal/monitor"
	"github.com/saveenergy/speedkit/pkg/diagnostic"
	"github.com/saveenergy/speedkit/pkg/speed"
	"github.com/saveenergy/speedkit/pkg/types"
)

func newMonitorCommand(a *app) *cobra.Command {
	f := &runFlags{}
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Measure repeatedly on a fixed interval",
		Long: `Measure repeatedly on a fixed interval and print one JSON line per run.
Runs never overlap; a run that outlasts the interval delays the next one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if interval <= 0 {
				return &exitError{code: exitUsage, err: fmt.Errorf("--interval must be positive, got %s", interval)}
			}
			cfg, err := a.buildConfig(ctx, cmd, f)
			if err != nil {
				return err
			}
			opts, cleanup := a.measurementOptions(cfg, f)
			defer cleanup()

			run := func(ctx context.Context) (*types.MeasurementResult, error) {
				runCfg := cfg
				if f.useCatalog {
					// Catalog order changes as outcomes are recorded.
					if c, err := a.buildConfig(ctx, cmd, f); err == nil {
						runCfg = c
					}
				}
				res, err := speed.Run(ctx, runCfg, opts...)
				if res != nil && f.useCatalog {
					a.recordCatalogOutcomes(ctx, cmd, runCfg, res)
				}
				return res, err
			}

			enc := json.NewEncoder(a.stdout)
			mon, err := monitor.New(interval, run, monitor.WithResultHandler(func(res *types.MeasurementResult, err error) {
				line := jsonReport{Result: res}
				if res != nil {
					line.Interpretation = diagnostic.InterpretResult(res)
				}
				if err != nil {
					line.Error = err.Error()
				}
				enc.Encode(line)
			}))
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			if err := mon.Start(ctx); err != nil {
				return err
			}
			select {
			case <-sigCh:
			case <-ctx.Done():
			}
			return mon.Stop()
		},
	}
	addRunFlags(cmd, f)
	cmd.Flags().DurationVar(&interval, "interval", 15*time.Minute, "time between run starts")
	return cmd
}
