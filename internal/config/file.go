package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/saveenergy/speedkit/pkg/speed"
)

// File is the client configuration file. Unset fields keep the value already
// in the speed.Config it is applied to.
type File struct {
	Targets       []string `yaml:"targets,omitempty"`
	TargetPort    int      `yaml:"target_port,omitempty"`
	TargetPortRTT int      `yaml:"target_port_rtt,omitempty"`
	TLS           *bool    `yaml:"tls,omitempty"`

	RouteLookup       *bool   `yaml:"route_lookup,omitempty"`
	RouteToClientPort int     `yaml:"route_to_client_port,omitempty"`
	GeoLookup         *bool   `yaml:"geo_lookup,omitempty"`
	LocationAccuracy  float64 `yaml:"location_accuracy,omitempty"`
	Latency           *bool   `yaml:"latency,omitempty"`
	Download          *bool   `yaml:"download,omitempty"`
	Upload            *bool   `yaml:"upload,omitempty"`

	LatencyProbes           int      `yaml:"latency_probes,omitempty"`
	MaxProbeLoss            *float64 `yaml:"max_probe_loss,omitempty"`
	ParallelStreamsDownload int      `yaml:"parallel_streams_download,omitempty"`
	ParallelStreamsUpload   int      `yaml:"parallel_streams_upload,omitempty"`
	DownloadBytes           int64    `yaml:"download_bytes,omitempty"`
	UploadBytes             int64    `yaml:"upload_bytes,omitempty"`

	DownloadDuration string `yaml:"download_duration,omitempty"`
	UploadDuration   string `yaml:"upload_duration,omitempty"`
	LatencyInterval  string `yaml:"latency_interval,omitempty"`
	ProbeTimeout     string `yaml:"probe_timeout,omitempty"`
	ProgressInterval string `yaml:"progress_interval,omitempty"`
	ConnectTimeout   string `yaml:"connect_timeout,omitempty"`
	RunTimeout       string `yaml:"run_timeout,omitempty"`
	StartupDelay     string `yaml:"startup_delay,omitempty"`

	GeoIPDB  string `yaml:"geoip_db,omitempty"`
	ASNDB    string `yaml:"asn_db,omitempty"`
	Catalog  string `yaml:"catalog,omitempty"`
	Output   string `yaml:"output,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`
}

// DefaultPath is $XDG_CONFIG_HOME/speedkit/config.yaml, falling back to
// ~/.config. It returns "" when no home directory is known.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "speedkit", "config.yaml")
}

// DefaultCatalogPath is the sqlite target catalog next to the config file.
func DefaultCatalogPath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "speedkit.db"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "speedkit", "targets.db")
}

// Load reads and validates a config file. A missing file at the default path
// is not an error: it returns an empty File.
func Load(path string) (*File, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
		if path == "" {
			return &File{}, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) validate() error {
	for name, p := range map[string]int{
		"target_port":          f.TargetPort,
		"target_port_rtt":      f.TargetPortRTT,
		"route_to_client_port": f.RouteToClientPort,
	} {
		if p < 0 || p > 65535 {
			return fmt.Errorf("%s %d out of range", name, p)
		}
	}
	if f.ParallelStreamsDownload < 0 || f.ParallelStreamsDownload > 64 {
		return fmt.Errorf("parallel_streams_download must be 1-64")
	}
	if f.ParallelStreamsUpload < 0 || f.ParallelStreamsUpload > 64 {
		return fmt.Errorf("parallel_streams_upload must be 1-64")
	}
	if f.MaxProbeLoss != nil && (*f.MaxProbeLoss < 0 || *f.MaxProbeLoss > 1) {
		return fmt.Errorf("max_probe_loss must be within [0, 1]")
	}
	switch f.Output {
	case "", "plain", "json", "ndjson":
	default:
		return fmt.Errorf("output %q must be plain, json or ndjson", f.Output)
	}
	for name, v := range f.durations() {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (f *File) durations() map[string]string {
	return map[string]string{
		"download_duration": f.DownloadDuration,
		"upload_duration":   f.UploadDuration,
		"latency_interval":  f.LatencyInterval,
		"probe_timeout":     f.ProbeTimeout,
		"progress_interval": f.ProgressInterval,
		"connect_timeout":   f.ConnectTimeout,
		"run_timeout":       f.RunTimeout,
		"startup_delay":     f.StartupDelay,
	}
}

// Apply overlays the file onto cfg.
func (f *File) Apply(cfg *speed.Config) error {
	if len(f.Targets) > 0 {
		cfg.Targets = append([]string(nil), f.Targets...)
	}
	setInt(&cfg.DataPort, f.TargetPort)
	setInt(&cfg.LatencyPort, f.TargetPortRTT)
	setInt(&cfg.RouteToClientPort, f.RouteToClientPort)
	setInt(&cfg.LatencyProbes, f.LatencyProbes)
	setInt(&cfg.DownloadStreams, f.ParallelStreamsDownload)
	setInt(&cfg.UploadStreams, f.ParallelStreamsUpload)
	setBool(&cfg.TLS, f.TLS)
	setBool(&cfg.RouteLookup, f.RouteLookup)
	setBool(&cfg.GeoLookup, f.GeoLookup)
	setBool(&cfg.Latency, f.Latency)
	setBool(&cfg.Download, f.Download)
	setBool(&cfg.Upload, f.Upload)
	if f.LocationAccuracy > 0 {
		cfg.LocationAccuracy = f.LocationAccuracy
	}
	if f.MaxProbeLoss != nil {
		cfg.MaxProbeLoss = *f.MaxProbeLoss
	}
	if f.DownloadBytes > 0 {
		cfg.DownloadBytes = f.DownloadBytes
	}
	if f.UploadBytes > 0 {
		cfg.UploadBytes = f.UploadBytes
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"download_duration", f.DownloadDuration, &cfg.DownloadDuration},
		{"upload_duration", f.UploadDuration, &cfg.UploadDuration},
		{"latency_interval", f.LatencyInterval, &cfg.LatencyInterval},
		{"probe_timeout", f.ProbeTimeout, &cfg.ProbeTimeout},
		{"progress_interval", f.ProgressInterval, &cfg.ProgressInterval},
		{"connect_timeout", f.ConnectTimeout, &cfg.ConnectTimeout},
		{"run_timeout", f.RunTimeout, &cfg.RunTimeout},
		{"startup_delay", f.StartupDelay, &cfg.StartupDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// ApplyEnv overlays SPEEDKIT_* environment variables onto cfg. Malformed
// values are errors rather than silently ignored.
func ApplyEnv(cfg *speed.Config) error {
	if v := os.Getenv("SPEEDKIT_TARGETS"); v != "" {
		var targets []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				targets = append(targets, t)
			}
		}
		cfg.Targets = targets
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"SPEEDKIT_TARGET_PORT", &cfg.DataPort},
		{"SPEEDKIT_TARGET_PORT_RTT", &cfg.LatencyPort},
		{"SPEEDKIT_ROUTE_TO_CLIENT_PORT", &cfg.RouteToClientPort},
		{"SPEEDKIT_LATENCY_PROBES", &cfg.LatencyProbes},
		{"SPEEDKIT_PARALLEL_STREAMS_DOWNLOAD", &cfg.DownloadStreams},
		{"SPEEDKIT_PARALLEL_STREAMS_UPLOAD", &cfg.UploadStreams},
	}
	for _, i := range ints {
		v := os.Getenv(i.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid %s %q: must be a positive integer", i.env, v)
		}
		*i.dst = n
	}

	bools := []struct {
		env string
		dst *bool
	}{
		{"SPEEDKIT_TLS", &cfg.TLS},
		{"SPEEDKIT_ROUTE_LOOKUP", &cfg.RouteLookup},
		{"SPEEDKIT_GEO_LOOKUP", &cfg.GeoLookup},
		{"SPEEDKIT_LATENCY", &cfg.Latency},
		{"SPEEDKIT_DOWNLOAD", &cfg.Download},
		{"SPEEDKIT_UPLOAD", &cfg.Upload},
	}
	for _, b := range bools {
		v := os.Getenv(b.env)
		if v == "" {
			continue
		}
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: must be true or false", b.env, v)
		}
		*b.dst = on
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"SPEEDKIT_DOWNLOAD_DURATION", &cfg.DownloadDuration},
		{"SPEEDKIT_UPLOAD_DURATION", &cfg.UploadDuration},
		{"SPEEDKIT_PROGRESS_INTERVAL", &cfg.ProgressInterval},
		{"SPEEDKIT_CONNECT_TIMEOUT", &cfg.ConnectTimeout},
		{"SPEEDKIT_RUN_TIMEOUT", &cfg.RunTimeout},
		{"SPEEDKIT_STARTUP_DELAY", &cfg.StartupDelay},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 {
			return fmt.Errorf("invalid %s %q: must be a duration (e.g. 10s)", d.env, v)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("SPEEDKIT_LOCATION_ACCURACY"); v != "" {
		acc, err := strconv.ParseFloat(v, 64)
		if err != nil || acc < 0 {
			return fmt.Errorf("invalid SPEEDKIT_LOCATION_ACCURACY %q: must be meters >= 0", v)
		}
		cfg.LocationAccuracy = acc
	}
	return nil
}
