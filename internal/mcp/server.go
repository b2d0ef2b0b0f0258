// Package mcp serves speedkit measurements as MCP (Model Context Protocol)
// tools over stdio, so agents can spawn `speedkit mcp` and call them
// directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/saveenergy/speedkit/internal/latency"
	"github.com/saveenergy/speedkit/internal/logging"
	"github.com/saveenergy/speedkit/internal/target"
	"github.com/saveenergy/speedkit/pkg/diagnostic"
	"github.com/saveenergy/speedkit/pkg/speed"
	"github.com/saveenergy/speedkit/pkg/types"
)

const (
	maxToolDuration = 60
	maxToolStreams  = 16
)

// Server holds the base configuration every tool call starts from. Tool
// arguments override targets, phases, duration and stream counts.
type Server struct {
	base    speed.Config
	version string
	opts    []speed.Option
}

func New(base speed.Config, version string, opts ...speed.Option) *Server {
	return &Server{base: base, version: version, opts: opts}
}

func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer(
		"speedkit",
		s.version,
		server.WithToolCapabilities(true),
	)

	measureTool := mcp.NewTool("measure",
		mcp.WithDescription("Run a network quality measurement: UDP latency, multi-stream TCP download and upload against the first reachable target. Returns the full result with per-phase errors and a graded interpretation."),
		mcp.WithString("targets",
			mcp.Description("Comma-separated target hosts (host or host:port). Defaults to the configured targets."),
		),
		mcp.WithBoolean("latency", mcp.Description("Run the latency phase (default: true)")),
		mcp.WithBoolean("download", mcp.Description("Run the download phase (default: true)")),
		mcp.WithBoolean("upload", mcp.Description("Run the upload phase (default: true)")),
		mcp.WithNumber("duration",
			mcp.Description("Seconds per download/upload phase, 1-60 (default: configured)"),
		),
		mcp.WithNumber("streams",
			mcp.Description("Parallel streams per throughput phase, 1-16 (default: configured)"),
		),
	)
	srv.AddTool(measureTool, s.handleMeasure)

	probeTool := mcp.NewTool("latency_probe",
		mcp.WithDescription("Send a short burst of UDP probes to one target and return round-trip statistics and loss. Takes about a second."),
		mcp.WithString("target",
			mcp.Required(),
			mcp.Description("Target host or host:port; the latency port comes from configuration"),
		),
		mcp.WithNumber("probes", mcp.Description("Probe count, 1-100 (default: configured)")),
	)
	srv.AddTool(probeTool, s.handleLatencyProbe)

	return srv
}

// ServeStdio blocks until stdin closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.MCPServer())
}

type measureResponse struct {
	Result         *types.MeasurementResult   `json:"result"`
	Interpretation *diagnostic.Interpretation `json:"interpretation"`
	Error          string                     `json:"error,omitempty"`
}

func (s *Server) measureConfig(req mcp.CallToolRequest) (speed.Config, error) {
	cfg := s.base
	cfg.Targets = append([]string(nil), s.base.Targets...)

	if raw := req.GetString("targets", ""); raw != "" {
		cfg.Targets = splitTargets(raw)
	}
	cfg.Latency = req.GetBool("latency", cfg.Latency)
	cfg.Download = req.GetBool("download", cfg.Download)
	cfg.Upload = req.GetBool("upload", cfg.Upload)

	if d := req.GetInt("duration", 0); d != 0 {
		if d < 1 || d > maxToolDuration {
			return cfg, fmt.Errorf("duration must be 1-%d seconds", maxToolDuration)
		}
		cfg.DownloadDuration = time.Duration(d) * time.Second
		cfg.UploadDuration = cfg.DownloadDuration
	}
	if n := req.GetInt("streams", 0); n != 0 {
		if n < 1 || n > maxToolStreams {
			return cfg, fmt.Errorf("streams must be 1-%d", maxToolStreams)
		}
		cfg.DownloadStreams = n
		cfg.UploadStreams = n
	}
	return cfg, nil
}

func splitTargets(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (s *Server) handleMeasure(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg, err := s.measureConfig(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	opts := append([]speed.Option{speed.WithLogger(logging.Discard())}, s.opts...)
	res, err := speed.Run(ctx, cfg, opts...)
	if res == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Measurement failed: %v", err)), nil
	}

	resp := measureResponse{Result: res, Interpretation: diagnostic.InterpretResult(res)}
	if err != nil {
		resp.Error = err.Error()
	}
	return jsonResult(resp)
}

func (s *Server) handleLatencyProbe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entry, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, err := target.Parse(entry, target.Defaults{
		DataPort:    s.base.DataPort,
		LatencyPort: s.base.LatencyPort,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	probes := req.GetInt("probes", s.base.LatencyProbes)
	if probes < 1 || probes > 100 {
		return mcp.NewToolResultError("probes must be 1-100"), nil
	}

	p := latency.Prober{
		Count:       probes,
		Interval:    s.base.LatencyInterval,
		Timeout:     s.base.ProbeTimeout,
		MaxLoss:     1,
		PayloadSize: s.base.ProbePayloadSize,
	}
	res, err := p.Probe(ctx, t)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Latency probe failed: %v", err)), nil
	}
	return jsonResult(struct {
		Target  string               `json:"target"`
		Latency *types.LatencyResult `json:"latency"`
	}{t.ID(), res})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("JSON encoding failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
