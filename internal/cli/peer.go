package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/saveenergy/speedkit/internal/config"
	"github.com/saveenergy/speedkit/internal/peer"
)

func newPeerCommand(a *app) *cobra.Command {
	var (
		bind        string
		publicHost  string
		dataPort    int
		latencyPort int
		routePort   int
		tls         bool
		certFile    string
		keyFile     string
		certDir     string
		noRoute     bool
		maxConns    int
		routeRate   int
	)
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Serve as a measurement target",
		Long: `Serve as a measurement target: TCP download and upload streams on the
data port, UDP probe echo on the latency port and route-to-client lookups
on the route port.

Route lookups send raw ICMP and need CAP_NET_RAW; disable them with
--no-route when running unprivileged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultPeerConfig()
			if err := cfg.LoadFromEnv(); err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			fs := cmd.Flags()
			if fs.Changed("bind") {
				cfg.BindAddress = bind
			}
			if fs.Changed("public-host") {
				cfg.PublicHost = publicHost
			}
			if fs.Changed("data-port") {
				cfg.DataPort = dataPort
			}
			if fs.Changed("latency-port") {
				cfg.LatencyPort = latencyPort
			}
			if fs.Changed("route-port") {
				cfg.RoutePort = routePort
			}
			if fs.Changed("tls") {
				cfg.TLS = tls
			}
			if certFile != "" {
				cfg.TLSCertFile = certFile
			}
			if keyFile != "" {
				cfg.TLSKeyFile = keyFile
			}
			if certDir != "" {
				cfg.CertDir = certDir
			}
			if noRoute {
				cfg.RouteEnabled = false
			}
			if fs.Changed("max-conns") {
				cfg.MaxConnections = maxConns
			}
			if fs.Changed("route-rate") {
				cfg.RouteTracesPerMinute = routeRate
			}
			if err := cfg.Validate(); err != nil {
				return &exitError{code: exitUsage, err: err}
			}

			srv, err := peer.New(cfg, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "speedkit peer listening: data=%d latency=%d", srv.DataPort(), srv.LatencyPort())
			if cfg.RouteEnabled {
				fmt.Fprintf(a.stdout, " route=%d", srv.RoutePort())
			}
			fmt.Fprintln(a.stdout)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			select {
			case <-sigCh:
			case <-cmd.Context().Done():
			}
			return srv.Close()
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&bind, "bind", "", "bind address (default 0.0.0.0)")
	fs.StringVar(&publicHost, "public-host", "", "host name for the self-signed certificate")
	fs.IntVar(&dataPort, "data-port", 0, "TCP data port (default 8081)")
	fs.IntVar(&latencyPort, "latency-port", 0, "UDP latency port (default 8082)")
	fs.IntVar(&routePort, "route-port", 0, "route lookup port (default 8083)")
	fs.BoolVar(&tls, "tls", false, "serve the data port over TLS")
	fs.StringVar(&certFile, "cert", "", "TLS certificate file (self-signed when empty)")
	fs.StringVar(&keyFile, "key", "", "TLS key file")
	fs.StringVar(&certDir, "cert-dir", "", "directory for the generated self-signed certificate")
	fs.BoolVar(&noRoute, "no-route", false, "disable route-to-client lookups")
	fs.IntVar(&maxConns, "max-conns", 0, "maximum concurrent data connections")
	fs.IntVar(&routeRate, "route-rate", 0, "route lookups per client IP per minute, 0 for no limit (default 6)")
	return cmd
}
