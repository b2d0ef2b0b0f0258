// Package diagnostic turns a measurement result into grades, ratings and a
// short list of what the connection is good for.
package diagnostic

import (
	"fmt"
	"strings"

	"github.com/saveenergy/speedkit/pkg/types"
)

// Interpretation is the readable verdict on one measurement.
type Interpretation struct {
	Grade           string   `json:"grade"`
	Summary         string   `json:"summary"`
	LatencyRating   string   `json:"latency_rating"`
	SpeedRating     string   `json:"speed_rating"`
	StabilityRating string   `json:"stability_rating"`
	SuitableFor     []string `json:"suitable_for"`
	Concerns        []string `json:"concerns"`
}

// Params are the metrics an interpretation is based on. Zero means not
// measured; PacketLoss (percent) is negative when unknown.
type Params struct {
	DownloadMbps float64
	UploadMbps   float64
	LatencyMs    float64
	JitterMs     float64
	PacketLoss   float64
	Degraded     bool
	Partial      bool
}

// FromResult extracts Params from a result. Missing phases read as not
// measured.
func FromResult(r *types.MeasurementResult) Params {
	p := Params{PacketLoss: -1}
	if r == nil {
		return p
	}
	p.Partial = r.Partial
	if r.Latency != nil {
		p.LatencyMs = r.Latency.AvgMs
		p.JitterMs = r.Latency.JitterMs
		p.PacketLoss = r.Latency.LossRatio * 100
	}
	if r.Download != nil {
		p.DownloadMbps = r.Download.Mbps()
		p.Degraded = p.Degraded || r.Download.Degraded
	}
	if r.Upload != nil {
		p.UploadMbps = r.Upload.Mbps()
		p.Degraded = p.Degraded || r.Upload.Degraded
	}
	return p
}

// InterpretResult is Interpret(FromResult(r)).
func InterpretResult(r *types.MeasurementResult) *Interpretation {
	return Interpret(FromResult(r))
}

func Interpret(p Params) *Interpretation {
	interp := &Interpretation{
		LatencyRating:   rateLatency(p.LatencyMs),
		SpeedRating:     rateSpeed(p.DownloadMbps, p.UploadMbps),
		StabilityRating: rateStability(p.JitterMs, p.PacketLoss),
		SuitableFor:     suitability(p),
		Concerns:        concerns(p),
	}
	interp.Grade = computeGrade(interp.LatencyRating, interp.SpeedRating, interp.StabilityRating)
	interp.Summary = buildSummary(interp.Grade, p)
	return interp
}

func rateLatency(ms float64) string {
	switch {
	case ms <= 0:
		return "unknown"
	case ms <= 20:
		return "excellent"
	case ms <= 50:
		return "good"
	case ms <= 100:
		return "fair"
	default:
		return "poor"
	}
}

// rateSpeed prefers download and uses upload when download was not measured.
func rateSpeed(downMbps, upMbps float64) string {
	speed := downMbps
	if speed <= 0 {
		speed = upMbps
	}
	switch {
	case speed <= 0:
		return "unknown"
	case speed >= 100:
		return "fast"
	case speed >= 25:
		return "good"
	case speed >= 5:
		return "moderate"
	default:
		return "slow"
	}
}

func rateStability(jitterMs, packetLoss float64) string {
	switch {
	case jitterMs <= 0 && packetLoss < 0:
		return "unknown"
	case packetLoss > 2:
		return "unstable"
	case packetLoss > 0.5 || jitterMs > 30:
		return "degraded"
	case jitterMs > 10:
		return "fair"
	}
	return "stable"
}

func suitability(p Params) []string {
	s := []string{}
	if (p.DownloadMbps >= 1 || p.UploadMbps >= 1) && p.LatencyMs < 200 {
		s = append(s, "web_browsing")
	}
	if p.DownloadMbps >= 5 && p.UploadMbps >= 2 && p.LatencyMs < 100 && p.JitterMs < 30 {
		s = append(s, "video_conferencing")
	}
	if p.DownloadMbps >= 25 {
		s = append(s, "streaming_4k")
	} else if p.DownloadMbps >= 5 {
		s = append(s, "streaming_hd")
	}
	// Unknown loss or latency rules gaming out.
	if p.PacketLoss >= 0 && p.LatencyMs > 0 && p.LatencyMs < 50 && p.JitterMs < 15 && p.PacketLoss < 1 {
		s = append(s, "gaming")
	}
	if p.DownloadMbps >= 50 || p.UploadMbps >= 50 {
		s = append(s, "large_transfers")
	}
	return s
}

func concerns(p Params) []string {
	c := []string{}
	if p.LatencyMs > 100 {
		c = append(c, "high_latency")
	}
	if p.JitterMs > 30 {
		c = append(c, "high_jitter")
	}
	if p.PacketLoss > 1 {
		c = append(c, "packet_loss")
	}
	if p.DownloadMbps > 0 && p.DownloadMbps < 5 {
		c = append(c, "slow_download")
	}
	if p.UploadMbps > 0 && p.UploadMbps < 2 {
		c = append(c, "slow_upload")
	}
	if p.Degraded {
		c = append(c, "streams_dropped")
	}
	if p.Partial {
		c = append(c, "incomplete_measurement")
	}
	return c
}

var ratingScore = map[string]int{
	"excellent": 4,
	"fast":      4,
	"stable":    4,
	"good":      3,
	"fair":      2,
	"moderate":  2,
	"degraded":  1,
	"poor":      0,
	"slow":      0,
	"unstable":  0,
	"unknown":   2,
}

// computeGrade maps the summed rating scores (at most 12) to A-F.
func computeGrade(latency, speed, stability string) string {
	score := ratingScore[latency] + ratingScore[speed] + ratingScore[stability]
	switch {
	case score >= 11:
		return "A"
	case score >= 9:
		return "B"
	case score >= 6:
		return "C"
	case score >= 3:
		return "D"
	default:
		return "F"
	}
}

var gradeDesc = map[string]string{
	"A": "Excellent",
	"B": "Good",
	"C": "Fair",
	"D": "Poor",
	"F": "Very poor",
}

func buildSummary(grade string, p Params) string {
	var parts []string
	if p.DownloadMbps > 0 {
		parts = append(parts, fmt.Sprintf("%.0f Mbps down", p.DownloadMbps))
	}
	if p.UploadMbps > 0 {
		parts = append(parts, fmt.Sprintf("%.0f Mbps up", p.UploadMbps))
	}
	if p.LatencyMs > 0 {
		parts = append(parts, fmt.Sprintf("%.0fms latency", p.LatencyMs))
	}

	summary := gradeDesc[grade] + " connection"
	if len(parts) > 0 {
		summary += ": " + strings.Join(parts, ", ")
	}
	return summary
}
