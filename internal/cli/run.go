package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/saveenergy/speedkit/internal/catalog"
	"github.com/saveenergy/speedkit/internal/config"
	"github.com/saveenergy/speedkit/internal/geo"
	"github.com/saveenergy/speedkit/internal/logging"
	"github.com/saveenergy/speedkit/internal/target"
	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/speed"
	"github.com/saveenergy/speedkit/pkg/types"
)

// runFlags are shared by run and monitor.
type runFlags struct {
	targets      []string
	useCatalog   bool
	port         int
	latencyPort  int
	routePort    int
	tls          bool
	skipLatency  bool
	skipDownload bool
	skipUpload   bool
	route        bool
	geo          bool
	geoipDB      string
	asnDB        string
	streams      int
	duration     time.Duration
	timeout      time.Duration
	output       string
	noProgress   bool
}

func addRunFlags(cmd *cobra.Command, f *runFlags) {
	fs := cmd.Flags()
	fs.StringArrayVarP(&f.targets, "target", "t", nil, "target host or host:port, tried in order (repeatable)")
	fs.BoolVar(&f.useCatalog, "catalog", false, "use the targets stored in the catalog")
	fs.IntVar(&f.port, "port", 0, "default data port (default 8081)")
	fs.IntVar(&f.latencyPort, "latency-port", 0, "default latency port (default 8082)")
	fs.IntVar(&f.routePort, "route-port", 0, "route-to-client port on the target (default 8083)")
	fs.BoolVar(&f.tls, "tls", false, "use TLS for data streams")
	fs.BoolVar(&f.skipLatency, "no-latency", false, "skip the latency phase")
	fs.BoolVar(&f.skipDownload, "no-download", false, "skip the download phase")
	fs.BoolVar(&f.skipUpload, "no-upload", false, "skip the upload phase")
	fs.BoolVar(&f.route, "route", false, "ask the target to trace the route back to this client")
	fs.BoolVar(&f.geo, "geo", false, "geolocate the client")
	fs.StringVar(&f.geoipDB, "geoip-db", "", "GeoLite2 City database path")
	fs.StringVar(&f.asnDB, "asn-db", "", "GeoLite2 ASN database path")
	fs.IntVarP(&f.streams, "streams", "s", 0, "parallel streams per throughput phase (default 4)")
	fs.DurationVarP(&f.duration, "duration", "d", 0, "duration of each throughput phase (default 10s)")
	fs.DurationVar(&f.timeout, "timeout", 0, "overall run timeout (default 2m)")
	fs.StringVarP(&f.output, "output", "o", "", "output format: plain, json, ndjson (default: interactive on a terminal, plain otherwise)")
	fs.BoolVar(&f.noProgress, "no-progress", false, "hide progress in interactive output")
}

// buildConfig is resolveConfig followed by validation.
func (a *app) buildConfig(ctx context.Context, cmd *cobra.Command, f *runFlags) (speed.Config, error) {
	cfg, err := a.resolveConfig(ctx, cmd, f)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, &exitError{code: exitUsage, err: err}
	}
	return cfg, nil
}

// resolveConfig layers defaults, the config file, SPEEDKIT_* variables and
// explicitly set flags, in that order.
func (a *app) resolveConfig(ctx context.Context, cmd *cobra.Command, f *runFlags) (speed.Config, error) {
	cfg := speed.DefaultConfig()
	if a.file != nil {
		if err := a.file.Apply(&cfg); err != nil {
			return cfg, &exitError{code: exitUsage, err: err}
		}
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return cfg, &exitError{code: exitUsage, err: err}
	}

	changed := cmd.Flags().Changed
	if changed("target") {
		cfg.Targets = append([]string(nil), f.targets...)
	}
	if f.useCatalog {
		store, err := catalog.Open(a.catalogPath(cmd))
		if err != nil {
			return cfg, err
		}
		defer store.Close()
		addrs, err := store.Addresses(ctx)
		if err != nil {
			return cfg, err
		}
		cfg.Targets = append(cfg.Targets[:0:0], addrs...)
	}
	if changed("port") {
		cfg.DataPort = f.port
	}
	if changed("latency-port") {
		cfg.LatencyPort = f.latencyPort
	}
	if changed("route-port") {
		cfg.RouteToClientPort = f.routePort
	}
	if changed("tls") {
		cfg.TLS = f.tls
	}
	if f.skipLatency {
		cfg.Latency = false
	}
	if f.skipDownload {
		cfg.Download = false
	}
	if f.skipUpload {
		cfg.Upload = false
	}
	if changed("route") {
		cfg.RouteLookup = f.route
	}
	if changed("geo") {
		cfg.GeoLookup = f.geo
	}
	if changed("streams") {
		cfg.DownloadStreams = f.streams
		cfg.UploadStreams = f.streams
	}
	if changed("duration") {
		cfg.DownloadDuration = f.duration
		cfg.UploadDuration = f.duration
	}
	if changed("timeout") {
		cfg.RunTimeout = f.timeout
	}
	return cfg, nil
}

// measurementOptions wires the collaborators the config asks for. The
// returned func releases them.
func (a *app) measurementOptions(cfg speed.Config, f *runFlags) ([]speed.Option, func()) {
	var opts []speed.Option
	cleanup := func() {}

	if cfg.GeoLookup {
		cityPath, asnPath := f.geoipDB, f.asnDB
		if a.file != nil {
			if cityPath == "" {
				cityPath = a.file.GeoIPDB
			}
			if asnPath == "" {
				asnPath = a.file.ASNDB
			}
		}
		locator, err := geo.Open(cityPath, asnPath)
		if err != nil {
			logging.Warn("geolocation disabled", logging.F("error", err))
		} else {
			opts = append(opts, speed.WithGeoLocator(locator))
			cleanup = func() { locator.Close() }
		}
	}
	return opts, cleanup
}

func (a *app) outputFormat(f *runFlags) string {
	if f.output != "" {
		return f.output
	}
	if a.file != nil && a.file.Output != "" {
		return a.file.Output
	}
	if a.isTerminal() {
		return "interactive"
	}
	return "plain"
}

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func newRunCommand(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one measurement",
		Long: `Run one measurement: route lookup and geolocation when enabled, then
latency, download and upload against the first target that completes them.

Ctrl-C stops the run and prints what was measured so far.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runOnce(cmd, f)
		},
	}
	addRunFlags(cmd, f)
	return cmd
}

func (a *app) runOnce(cmd *cobra.Command, f *runFlags) error {
	ctx := cmd.Context()
	cfg, err := a.buildConfig(ctx, cmd, f)
	if err != nil {
		return err
	}
	format := a.outputFormat(f)
	formatter, err := newFormatter(format, a.stdout, a.stderr, f.noProgress)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	opts, cleanup := a.measurementOptions(cfg, f)
	defer cleanup()
	opts = append(opts, speed.WithReporter(formatter))

	m, err := speed.New(cfg, opts...)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := m.Start(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			m.Stop()
		case <-done:
		}
	}()
	res := m.Wait()
	close(done)

	if f.useCatalog {
		a.recordCatalogOutcomes(ctx, cmd, cfg, res)
	}

	if err := m.Err(); err != nil {
		// The formatter already printed the failure.
		return &exitError{code: exitFailure}
	}
	if res.Status == types.RunStatusStopped {
		return &exitError{code: exitInterrupt}
	}
	return nil
}

// recordCatalogOutcomes marks the selected target as good and every target
// that failed a fallback phase as bad.
func (a *app) recordCatalogOutcomes(ctx context.Context, cmd *cobra.Command, cfg speed.Config, res *types.MeasurementResult) {
	store, err := catalog.Open(a.catalogPath(cmd))
	if err != nil {
		logging.Warn("catalog: cannot record outcomes", logging.F("error", err))
		return
	}
	defer store.Close()

	entries, err := store.List(ctx)
	if err != nil {
		logging.Warn("catalog: cannot record outcomes", logging.F("error", err))
		return
	}
	defaults := target.Defaults{DataPort: cfg.DataPort, LatencyPort: cfg.LatencyPort, TLS: cfg.TLS}
	byID := make(map[string]string, len(entries))
	for _, e := range entries {
		if t, err := target.Parse(e.Address, defaults); err == nil {
			byID[t.ID()] = e.Address
		}
	}

	failed := map[string]bool{}
	for _, pe := range res.Errors {
		switch pe.Phase {
		case types.PhaseLatency, types.PhaseDownload, types.PhaseUpload:
			if pe.Code != pkgerrors.ErrCodeTimeout {
				failed[pe.Target] = true
			}
		}
	}
	for id := range failed {
		if addr, ok := byID[id]; ok {
			if err := store.RecordOutcome(ctx, addr, false); err != nil {
				logging.Warn("catalog: record failure", logging.F("target", addr), logging.F("error", err))
			}
		}
	}
	if res.Status == types.RunStatusCompleted {
		if addr, ok := byID[res.SelectedTarget]; ok {
			if err := store.RecordOutcome(ctx, addr, true); err != nil {
				logging.Warn("catalog: record success", logging.F("target", addr), logging.F("error", err))
			}
		}
	}
}
