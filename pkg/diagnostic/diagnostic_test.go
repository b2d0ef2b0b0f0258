package diagnostic_test

import (
	"slices"
	"testing"

	"github.com/saveenergy/speedkit/pkg/diagnostic"
	"github.com/saveenergy/speedkit/pkg/types"
)

func TestLatencyRating(t *testing.T) {
	tests := []struct {
		ms   float64
		want string
	}{
		{-5, "unknown"},
		{0, "unknown"},
		{10, "excellent"},
		{20, "excellent"},
		{35, "good"},
		{50, "good"},
		{100, "fair"},
		{200, "poor"},
	}
	for _, tt := range tests {
		got := diagnostic.Interpret(diagnostic.Params{LatencyMs: tt.ms, DownloadMbps: 100}).LatencyRating
		if got != tt.want {
			t.Errorf("latency %vms: got %s, want %s", tt.ms, got, tt.want)
		}
	}
}

func TestSpeedRating(t *testing.T) {
	tests := []struct {
		name     string
		down, up float64
		want     string
	}{
		{"fast", 500, 0, "fast"},
		{"good", 50, 0, "good"},
		{"moderate", 10, 0, "moderate"},
		{"slow", 1, 0, "slow"},
		{"upload only", 0, 150, "fast"},
		{"nothing", 0, 0, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := diagnostic.Interpret(diagnostic.Params{DownloadMbps: tt.down, UploadMbps: tt.up}).SpeedRating
			if got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStabilityRating(t *testing.T) {
	tests := []struct {
		name         string
		jitter, loss float64
		want         string
	}{
		{"unknown", 0, -1, "unknown"},
		{"stable", 2, 0, "stable"},
		{"fair", 15, 0, "fair"},
		{"degraded by jitter", 40, 0, "degraded"},
		{"degraded by loss", 1, 1, "degraded"},
		{"unstable", 1, 5, "unstable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := diagnostic.Interpret(diagnostic.Params{JitterMs: tt.jitter, PacketLoss: tt.loss}).StabilityRating
			if got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGradeAndSummary(t *testing.T) {
	best := diagnostic.Interpret(diagnostic.Params{DownloadMbps: 300, UploadMbps: 100, LatencyMs: 8, JitterMs: 1})
	if best.Grade != "A" {
		t.Fatalf("grade = %s", best.Grade)
	}
	if best.Summary != "Excellent connection: 300 Mbps down, 100 Mbps up, 8ms latency" {
		t.Fatalf("summary = %q", best.Summary)
	}
	for _, want := range []string{"web_browsing", "video_conferencing", "streaming_4k", "gaming", "large_transfers"} {
		if !slices.Contains(best.SuitableFor, want) {
			t.Errorf("missing suitability %s in %v", want, best.SuitableFor)
		}
	}
	if len(best.Concerns) != 0 {
		t.Fatalf("concerns = %v", best.Concerns)
	}

	worst := diagnostic.Interpret(diagnostic.Params{DownloadMbps: 0.5, UploadMbps: 0.2, LatencyMs: 400, JitterMs: 80, PacketLoss: 10})
	if worst.Grade != "F" {
		t.Fatalf("grade = %s", worst.Grade)
	}
	for _, want := range []string{"high_latency", "high_jitter", "packet_loss", "slow_download", "slow_upload"} {
		if !slices.Contains(worst.Concerns, want) {
			t.Errorf("missing concern %s in %v", want, worst.Concerns)
		}
	}
}

func TestInterpretResult(t *testing.T) {
	res := &types.MeasurementResult{
		Partial: true,
		Latency: &types.LatencyResult{AvgMs: 12, JitterMs: 2, LossRatio: 0.25},
		Download: &types.ThroughputResult{
			BitsPerSecond: 80_000_000, StreamsConfigured: 4, StreamsSurviving: 3, Degraded: true,
		},
	}
	p := diagnostic.FromResult(res)
	if p.LatencyMs != 12 || p.PacketLoss != 25 || p.DownloadMbps != 80 || p.UploadMbps != 0 {
		t.Fatalf("params = %+v", p)
	}

	interp := diagnostic.InterpretResult(res)
	for _, want := range []string{"packet_loss", "streams_dropped", "incomplete_measurement"} {
		if !slices.Contains(interp.Concerns, want) {
			t.Errorf("missing concern %s in %v", want, interp.Concerns)
		}
	}
	if slices.Contains(interp.SuitableFor, "gaming") {
		t.Error("25% loss should rule out gaming")
	}

	empty := diagnostic.FromResult(nil)
	if empty.PacketLoss >= 0 {
		t.Fatalf("loss should be unknown without latency, got %v", empty.PacketLoss)
	}
	if diagnostic.Interpret(empty).StabilityRating != "unknown" {
		t.Fatal("expected unknown stability")
	}
}
