package mcp

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/saveenergy/speedkit/internal/config"
	"github.com/saveenergy/speedkit/internal/peer"
	"github.com/saveenergy/speedkit/pkg/speed"
	"github.com/saveenergy/speedkit/pkg/types"
)

func startPeer(t *testing.T) *peer.Server {
	t.Helper()
	cfg := config.DefaultPeerConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.DataPort = 0
	cfg.LatencyPort = 0
	cfg.RouteEnabled = false
	cfg.CertDir = t.TempDir()
	s, err := peer.New(cfg, nil)
	if err != nil {
		t.Fatalf("start peer: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func baseConfig(s *peer.Server) speed.Config {
	cfg := speed.DefaultConfig()
	cfg.Targets = []string{net.JoinHostPort("127.0.0.1", strconv.Itoa(s.DataPort()))}
	cfg.LatencyPort = s.LatencyPort()
	cfg.LatencyProbes = 3
	cfg.LatencyInterval = 10 * time.Millisecond
	cfg.ProbeTimeout = 200 * time.Millisecond
	cfg.DownloadStreams = 2
	cfg.UploadStreams = 2
	cfg.DownloadDuration = 300 * time.Millisecond
	cfg.UploadDuration = 300 * time.Millisecond
	cfg.SampleInterval = 20 * time.Millisecond
	cfg.MinWindow = 50 * time.Millisecond
	return cfg
}

func call(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content %T", res.Content[0])
	}
	return tc.Text
}

func TestHandleMeasure(t *testing.T) {
	s := New(baseConfig(startPeer(t)), "test")

	res, err := s.handleMeasure(context.Background(), call(map[string]any{"upload": false}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", text(t, res))
	}

	var resp measureResponse
	if err := json.Unmarshal([]byte(text(t, res)), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.Status != types.RunStatusCompleted || resp.Result.Upload != nil || resp.Result.Download == nil {
		t.Fatalf("result = %+v", resp.Result)
	}
	if resp.Interpretation == nil || resp.Interpretation.Grade == "" {
		t.Fatalf("interpretation = %+v", resp.Interpretation)
	}
}

func TestHandleMeasureRejectsArguments(t *testing.T) {
	s := New(speed.DefaultConfig(), "test")
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"duration too long", map[string]any{"targets": "a.example", "duration": 600}, "duration"},
		{"too many streams", map[string]any{"targets": "a.example", "streams": 64.0}, "streams"},
		{"no targets", map[string]any{}, "target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.handleMeasure(context.Background(), call(tt.args))
			if err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if !res.IsError || !strings.Contains(text(t, res), tt.want) {
				t.Fatalf("expected tool error mentioning %q, got %q", tt.want, text(t, res))
			}
		})
	}
}

func TestHandleLatencyProbe(t *testing.T) {
	p := startPeer(t)
	s := New(baseConfig(p), "test")

	res, err := s.handleLatencyProbe(context.Background(), call(map[string]any{
		"target": "127.0.0.1",
		"probes": 4,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", text(t, res))
	}
	var out struct {
		Latency types.LatencyResult `json:"latency"`
	}
	if err := json.Unmarshal([]byte(text(t, res)), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Latency.Probes != 4 || out.Latency.Lost != 0 {
		t.Fatalf("latency = %+v", out.Latency)
	}

	res, _ = s.handleLatencyProbe(context.Background(), call(map[string]any{}))
	if !res.IsError {
		t.Fatal("missing target should be a tool error")
	}
	res, _ = s.handleLatencyProbe(context.Background(), call(map[string]any{"target": "127.0.0.1", "probes": 0}))
	if !res.IsError {
		t.Fatal("zero probes should be a tool error")
	}
}
