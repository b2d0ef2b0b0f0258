package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// PeerConfig configures the measurement peer: the remote end that serves
// download/upload streams, echoes latency probes and traces routes back to
// clients. A zero port binds an ephemeral one.
type PeerConfig struct {
	BindAddress string
	PublicHost  string

	DataPort    int
	LatencyPort int
	RoutePort   int

	MaxConnections  int
	MaxConnDuration time.Duration
	UDPBufferSize   int

	TLS         bool
	TLSCertFile string
	TLSKeyFile  string
	CertDir     string

	RouteEnabled      bool
	RouteMaxHops      int
	RouteProbeTimeout time.Duration
	// RouteTracesPerMinute limits route lookups per client IP; 0 disables
	// the limit.
	RouteTracesPerMinute int
	ReadHeaderTimeout    time.Duration
}

func DefaultPeerConfig() *PeerConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return &PeerConfig{
		BindAddress:          "0.0.0.0",
		DataPort:             8081,
		LatencyPort:          8082,
		RoutePort:            8083,
		MaxConnections:       64,
		MaxConnDuration:      330 * time.Second,
		UDPBufferSize:        1500,
		TLS:                  false,
		CertDir:              home + "/.speedkit/certs",
		RouteEnabled:         true,
		RouteMaxHops:         30,
		RouteProbeTimeout:    time.Second,
		RouteTracesPerMinute: 6,
		ReadHeaderTimeout:    15 * time.Second,
	}
}

func (c *PeerConfig) LoadFromEnv() error {
	if addr := os.Getenv("SPEEDKIT_PEER_BIND"); addr != "" {
		c.BindAddress = addr
	}
	if host := os.Getenv("SPEEDKIT_PEER_PUBLIC_HOST"); host != "" {
		c.PublicHost = host
	}

	ports := []struct {
		env string
		dst *int
	}{
		{"SPEEDKIT_PEER_DATA_PORT", &c.DataPort},
		{"SPEEDKIT_PEER_LATENCY_PORT", &c.LatencyPort},
		{"SPEEDKIT_PEER_ROUTE_PORT", &c.RoutePort},
	}
	for _, p := range ports {
		if v := os.Getenv(p.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", p.env, v, err)
			}
			*p.dst = n
		}
	}

	if max := os.Getenv("SPEEDKIT_PEER_MAX_CONNECTIONS"); max != "" {
		m, err := strconv.Atoi(max)
		if err != nil || m <= 0 {
			return fmt.Errorf("invalid SPEEDKIT_PEER_MAX_CONNECTIONS %q: must be a positive integer", max)
		}
		c.MaxConnections = m
	}
	if dur := os.Getenv("SPEEDKIT_PEER_MAX_CONN_DURATION"); dur != "" {
		d, err := time.ParseDuration(dur)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid SPEEDKIT_PEER_MAX_CONN_DURATION %q: must be a positive duration (e.g. 300s)", dur)
		}
		c.MaxConnDuration = d
	}

	if enabled := os.Getenv("SPEEDKIT_PEER_TLS"); enabled == "true" || enabled == "1" {
		c.TLS = true
	}
	if cert := os.Getenv("SPEEDKIT_PEER_TLS_CERT_FILE"); cert != "" {
		c.TLSCertFile = cert
	}
	if key := os.Getenv("SPEEDKIT_PEER_TLS_KEY_FILE"); key != "" {
		c.TLSKeyFile = key
	}
	if dir := os.Getenv("SPEEDKIT_PEER_CERT_DIR"); dir != "" {
		c.CertDir = dir
	}

	if route := os.Getenv("SPEEDKIT_PEER_ROUTE"); route == "false" || route == "0" {
		c.RouteEnabled = false
	}
	if hops := os.Getenv("SPEEDKIT_PEER_ROUTE_MAX_HOPS"); hops != "" {
		h, err := strconv.Atoi(hops)
		if err != nil || h <= 0 || h > 64 {
			return fmt.Errorf("invalid SPEEDKIT_PEER_ROUTE_MAX_HOPS %q: must be 1-64", hops)
		}
		c.RouteMaxHops = h
	}
	if rate := os.Getenv("SPEEDKIT_PEER_ROUTE_RATE"); rate != "" {
		r, err := strconv.Atoi(rate)
		if err != nil || r < 0 {
			return fmt.Errorf("invalid SPEEDKIT_PEER_ROUTE_RATE %q: must be traces per minute >= 0", rate)
		}
		c.RouteTracesPerMinute = r
	}

	return nil
}

func (c *PeerConfig) Validate() error {
	if c.BindAddress != "" && net.ParseIP(c.BindAddress) == nil {
		return fmt.Errorf("invalid bind address %q", c.BindAddress)
	}
	for name, p := range map[string]int{"data": c.DataPort, "latency": c.LatencyPort, "route": c.RoutePort} {
		if p < 0 || p > 65535 {
			return fmt.Errorf("invalid %s port: %d", name, p)
		}
	}
	if c.RouteEnabled && c.DataPort != 0 && c.DataPort == c.RoutePort {
		return fmt.Errorf("data port and route port cannot be the same (%d)", c.DataPort)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be > 0")
	}
	if c.MaxConnDuration <= 0 {
		return fmt.Errorf("max connection duration must be > 0")
	}
	if c.UDPBufferSize < 64 || c.UDPBufferSize > 65507 {
		return fmt.Errorf("udp buffer size must be 64-65507")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls cert and key files must be set together")
	}
	if c.TLS && c.TLSCertFile == "" && c.CertDir == "" {
		return fmt.Errorf("tls enabled without certificate files or cert directory")
	}
	if c.RouteEnabled && (c.RouteMaxHops <= 0 || c.RouteMaxHops > 64) {
		return fmt.Errorf("route max hops must be 1-64")
	}
	if c.RouteTracesPerMinute < 0 {
		return fmt.Errorf("route traces per minute must be >= 0")
	}
	return nil
}

func (c *PeerConfig) DataAddress() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.DataPort))
}

func (c *PeerConfig) LatencyAddress() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.LatencyPort))
}

func (c *PeerConfig) RouteAddress() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.RoutePort))
}
