package types

import "time"

// LatencyResult summarizes one probe burst. RTT fields are in milliseconds
// and only cover successful probes.
type LatencyResult struct {
	MinMs     float64 `json:"min_ms"`
	AvgMs     float64 `json:"avg_ms"`
	MaxMs     float64 `json:"max_ms"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
	JitterMs  float64 `json:"jitter_ms"`
	Probes    int     `json:"probes"`
	Lost      int     `json:"lost"`
	LossRatio float64 `json:"loss_ratio"`
}

// ThroughputResult is the aggregated outcome of one download or upload phase.
type ThroughputResult struct {
	BitsPerSecond     float64       `json:"bits_per_second"`
	Bytes             int64         `json:"bytes"`
	Window            time.Duration `json:"window_ns"`
	StreamsConfigured int           `json:"streams_configured"`
	StreamsSurviving  int           `json:"streams_surviving"`
	Degraded          bool          `json:"degraded"`
}

func (t *ThroughputResult) Mbps() float64 {
	if t == nil {
		return 0
	}
	return t.BitsPerSecond / 1_000_000
}

type Hop struct {
	TTL   int     `json:"ttl"`
	Addr  string  `json:"addr,omitempty"`
	RTTMs float64 `json:"rtt_ms,omitempty"`
}

// RouteInfo is the path from a target back to the client as traced by the
// target. ClientIP is the address the target saw the client connect from.
type RouteInfo struct {
	ClientIP string `json:"client_ip,omitempty"`
	Hops     []Hop  `json:"hops"`
	Complete bool   `json:"complete"`
}

type GeoLocation struct {
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	AccuracyMeters    float64 `json:"accuracy_meters"`
	RequestedAccuracy float64 `json:"requested_accuracy,omitempty"`
	Country           string  `json:"country,omitempty"`
	City              string  `json:"city,omitempty"`
	ASN               uint    `json:"asn,omitempty"`
	Organization      string  `json:"organization,omitempty"`
	IP                string  `json:"ip,omitempty"`
	Source            string  `json:"source"`
}

// PhaseError records one failure observed during a run.
type PhaseError struct {
	Phase   Phase     `json:"phase"`
	Target  string    `json:"target,omitempty"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusFailed    RunStatus = "failed"
)

// MeasurementResult accumulates everything a run produced. A nil phase field
// means the phase produced no result, which is distinct from a zero result.
type MeasurementResult struct {
	ID             string            `json:"id"`
	Status         RunStatus         `json:"status"`
	SelectedTarget string            `json:"selected_target,omitempty"`
	Latency        *LatencyResult    `json:"latency,omitempty"`
	Download       *ThroughputResult `json:"download,omitempty"`
	Upload         *ThroughputResult `json:"upload,omitempty"`
	Route          *RouteInfo        `json:"route,omitempty"`
	Geo            *GeoLocation      `json:"geolocation,omitempty"`
	Errors         []PhaseError      `json:"errors,omitempty"`
	Partial        bool              `json:"partial"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        time.Time         `json:"end_time"`
}

// LastError returns the most recent error recorded for phase, or nil.
func (r *MeasurementResult) LastError(phase Phase) *PhaseError {
	for i := len(r.Errors) - 1; i >= 0; i-- {
		if r.Errors[i].Phase == phase {
			return &r.Errors[i]
		}
	}
	return nil
}

func (r *MeasurementResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
