package speed

import (
	"fmt"
	"time"

	"github.com/saveenergy/speedkit/internal/target"
	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/types"
)

// Config is the full description of one measurement run. New takes a copy,
// so changing a Config after New has no effect on the run.
type Config struct {
	// Targets are tried in order; the next one is used only when a
	// latency, download or upload phase fails on the current one.
	Targets     []string
	DataPort    int
	LatencyPort int
	TLS         bool

	RouteLookup       bool
	RouteToClientPort int
	GeoLookup         bool
	// LocationAccuracy is the requested accuracy in meters.
	LocationAccuracy float64
	Latency          bool
	Download         bool
	Upload           bool

	LatencyProbes    int
	LatencyInterval  time.Duration
	ProbeTimeout     time.Duration
	MaxProbeLoss     float64
	ProbePayloadSize int

	DownloadStreams  int
	UploadStreams    int
	DownloadDuration time.Duration
	UploadDuration   time.Duration
	// Byte budgets end a stream early; zero means duration only.
	DownloadBytes int64
	UploadBytes   int64

	SampleInterval   time.Duration
	ProgressInterval time.Duration
	ConnectTimeout   time.Duration
	MinWindow        time.Duration

	// RunTimeout bounds the whole run; zero disables it.
	RunTimeout   time.Duration
	StartupDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		DataPort:          8081,
		LatencyPort:       8082,
		RouteToClientPort: 8083,
		LocationAccuracy:  1000,
		Latency:           true,
		Download:          true,
		Upload:            true,
		LatencyProbes:     10,
		LatencyInterval:   100 * time.Millisecond,
		ProbeTimeout:      time.Second,
		MaxProbeLoss:      0.5,
		ProbePayloadSize:  32,
		DownloadStreams:   4,
		UploadStreams:     4,
		DownloadDuration:  10 * time.Second,
		UploadDuration:    10 * time.Second,
		SampleInterval:    100 * time.Millisecond,
		ProgressInterval:  time.Second,
		ConnectTimeout:    10 * time.Second,
		MinWindow:         500 * time.Millisecond,
		RunTimeout:        2 * time.Minute,
	}
}

func (c Config) clone() Config {
	cp := c
	cp.Targets = append([]string(nil), c.Targets...)
	return cp
}

func (c Config) targetDefaults() target.Defaults {
	return target.Defaults{
		DataPort:    c.DataPort,
		LatencyPort: c.LatencyPort,
		TLS:         c.TLS,
	}
}

func (c Config) enabled(p types.Phase) bool {
	switch p {
	case types.PhaseRouteLookup:
		return c.RouteLookup
	case types.PhaseGeoLookup:
		return c.GeoLookup
	case types.PhaseLatency:
		return c.Latency
	case types.PhaseDownload:
		return c.Download
	case types.PhaseUpload:
		return c.Upload
	}
	return false
}

// throughput returns stream count, duration and byte budget for a phase.
func (c Config) throughput(d types.Direction) (int, time.Duration, int64) {
	if d == types.DirectionUpload {
		return c.UploadStreams, c.UploadDuration, c.UploadBytes
	}
	return c.DownloadStreams, c.DownloadDuration, c.DownloadBytes
}

// Validate rejects configurations that cannot run. Every error is
// CONFIG_INVALID.
func (c Config) Validate() error {
	if len(c.Targets) == 0 {
		return pkgerrors.ErrInvalidConfig("target list is empty", nil)
	}
	if err := target.Validate(c.Targets, c.targetDefaults()); err != nil {
		return err
	}

	anyEnabled := false
	for _, p := range types.PhaseOrder {
		anyEnabled = anyEnabled || c.enabled(p)
	}
	if !anyEnabled {
		return pkgerrors.ErrInvalidConfig("no phase enabled", nil)
	}

	if c.RouteLookup && (c.RouteToClientPort <= 0 || c.RouteToClientPort > 65535) {
		return invalid("route-to-client port %d out of range", c.RouteToClientPort)
	}
	if c.GeoLookup && c.LocationAccuracy < 0 {
		return invalid("location accuracy must be >= 0")
	}
	if c.Latency {
		if c.LatencyProbes < 1 {
			return invalid("latency probe count must be at least 1")
		}
		if c.ProbeTimeout <= 0 {
			return invalid("probe timeout must be positive")
		}
		if c.LatencyInterval < 0 {
			return invalid("latency interval must be >= 0")
		}
		if c.MaxProbeLoss < 0 || c.MaxProbeLoss > 1 {
			return invalid("max probe loss must be within [0, 1]")
		}
	}
	if c.Download {
		if c.DownloadStreams < 1 {
			return invalid("download parallel streams must be at least 1")
		}
		if c.DownloadDuration <= 0 {
			return invalid("download duration must be positive")
		}
		if c.DownloadBytes < 0 {
			return invalid("download byte budget must be >= 0")
		}
	}
	if c.Upload {
		if c.UploadStreams < 1 {
			return invalid("upload parallel streams must be at least 1")
		}
		if c.UploadDuration <= 0 {
			return invalid("upload duration must be positive")
		}
		if c.UploadBytes < 0 {
			return invalid("upload byte budget must be >= 0")
		}
	}
	if c.SampleInterval < 0 || c.ProgressInterval < 0 || c.ConnectTimeout < 0 || c.MinWindow < 0 {
		return invalid("intervals and timeouts must be >= 0")
	}
	if c.RunTimeout < 0 || c.StartupDelay < 0 {
		return invalid("run timeout and startup delay must be >= 0")
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return pkgerrors.ErrInvalidConfig(fmt.Sprintf(format, args...), nil)
}
