package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/saveenergy/speedkit/pkg/diagnostic"
	"github.com/saveenergy/speedkit/pkg/speed"
	"github.com/saveenergy/speedkit/pkg/types"
)

func newFormatter(format string, out, errOut io.Writer, noProgress bool) (speed.Reporter, error) {
	switch format {
	case "plain":
		return &plainFormatter{w: out, errW: errOut}, nil
	case "json":
		return &jsonFormatter{w: out}, nil
	case "ndjson":
		return &ndjsonFormatter{enc: json.NewEncoder(out)}, nil
	case "interactive":
		return &interactiveFormatter{w: out, noProgress: noProgress}, nil
	}
	return nil, fmt.Errorf("unknown output format %q (plain, json, ndjson)", format)
}

// plainFormatter prints key=value lines once the run ends.
type plainFormatter struct {
	w    io.Writer
	errW io.Writer
}

func (f *plainFormatter) MeasurementProgress(speed.Progress) {}

func (f *plainFormatter) MeasurementCompleted(r *types.MeasurementResult, err error) {
	f.write(r)
	if err != nil {
		fmt.Fprintf(f.errW, "speedkit: error: %v\n", err)
	}
}

func (f *plainFormatter) MeasurementStopped(r *types.MeasurementResult) {
	f.write(r)
}

func (f *plainFormatter) write(r *types.MeasurementResult) {
	if r == nil {
		return
	}
	w := f.w
	fmt.Fprintf(w, "id=%s\n", r.ID)
	fmt.Fprintf(w, "status=%s\n", r.Status)
	fmt.Fprintf(w, "partial=%t\n", r.Partial)
	if r.SelectedTarget != "" {
		fmt.Fprintf(w, "target=%s\n", r.SelectedTarget)
	}
	if l := r.Latency; l != nil {
		fmt.Fprintf(w, "latency_min_ms=%.3f\n", l.MinMs)
		fmt.Fprintf(w, "latency_avg_ms=%.3f\n", l.AvgMs)
		fmt.Fprintf(w, "latency_max_ms=%.3f\n", l.MaxMs)
		fmt.Fprintf(w, "latency_p50_ms=%.3f\n", l.P50Ms)
		fmt.Fprintf(w, "latency_p95_ms=%.3f\n", l.P95Ms)
		fmt.Fprintf(w, "jitter_ms=%.3f\n", l.JitterMs)
		fmt.Fprintf(w, "packet_loss_percent=%.2f\n", l.LossRatio*100)
	}
	writeThroughput := func(name string, t *types.ThroughputResult) {
		if t == nil {
			return
		}
		fmt.Fprintf(w, "%s_mbps=%.1f\n", name, t.Mbps())
		fmt.Fprintf(w, "%s_bytes=%d\n", name, t.Bytes)
		fmt.Fprintf(w, "%s_streams=%d/%d\n", name, t.StreamsSurviving, t.StreamsConfigured)
		if t.Degraded {
			fmt.Fprintf(w, "%s_degraded=true\n", name)
		}
	}
	writeThroughput("download", r.Download)
	writeThroughput("upload", r.Upload)
	if rt := r.Route; rt != nil {
		fmt.Fprintf(w, "route_hops=%d\n", len(rt.Hops))
		fmt.Fprintf(w, "route_complete=%t\n", rt.Complete)
	}
	if g := r.Geo; g != nil {
		fmt.Fprintf(w, "geo_lat=%.4f\n", g.Latitude)
		fmt.Fprintf(w, "geo_lon=%.4f\n", g.Longitude)
		fmt.Fprintf(w, "geo_accuracy_m=%.0f\n", g.AccuracyMeters)
		if g.Country != "" {
			fmt.Fprintf(w, "geo_country=%s\n", g.Country)
		}
	}
	for i, pe := range r.Errors {
		phase := string(pe.Phase)
		if phase == "" {
			phase = "config"
		}
		fmt.Fprintf(w, "error_%d=%s %s %s: %s\n", i, phase, pe.Target, pe.Code, pe.Message)
	}
	fmt.Fprintf(w, "duration_seconds=%.1f\n", r.Duration().Seconds())
}

type jsonReport struct {
	Result         *types.MeasurementResult   `json:"result"`
	Interpretation *diagnostic.Interpretation `json:"interpretation,omitempty"`
	Error          string                     `json:"error,omitempty"`
}

// jsonFormatter prints one indented document at the end of the run.
type jsonFormatter struct {
	w io.Writer
}

func (f *jsonFormatter) MeasurementProgress(speed.Progress) {}

func (f *jsonFormatter) MeasurementCompleted(r *types.MeasurementResult, err error) {
	rep := jsonReport{Result: r, Interpretation: diagnostic.InterpretResult(r)}
	if err != nil {
		rep.Error = err.Error()
	}
	f.encode(rep)
}

func (f *jsonFormatter) MeasurementStopped(r *types.MeasurementResult) {
	f.encode(jsonReport{Result: r, Interpretation: diagnostic.InterpretResult(r)})
}

func (f *jsonFormatter) encode(rep jsonReport) {
	enc := json.NewEncoder(f.w)
	enc.SetIndent("", "  ")
	enc.Encode(rep)
}

type ndjsonEvent struct {
	Event    string                   `json:"event"`
	Progress *speed.Progress          `json:"progress,omitempty"`
	Result   *types.MeasurementResult `json:"result,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// ndjsonFormatter streams one JSON object per notification. The monitor
// shares one across runs, so writes are serialized.
type ndjsonFormatter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (f *ndjsonFormatter) emit(ev ndjsonEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enc.Encode(ev)
}

func (f *ndjsonFormatter) MeasurementProgress(p speed.Progress) {
	f.emit(ndjsonEvent{Event: speed.EventProgress.String(), Progress: &p})
}

func (f *ndjsonFormatter) MeasurementCompleted(r *types.MeasurementResult, err error) {
	ev := ndjsonEvent{Event: speed.EventCompleted.String(), Result: r}
	if err != nil {
		ev.Event = speed.EventFailed.String()
		ev.Error = err.Error()
	}
	f.emit(ev)
}

func (f *ndjsonFormatter) MeasurementStopped(r *types.MeasurementResult) {
	f.emit(ndjsonEvent{Event: speed.EventStopped.String(), Result: r})
}

// interactiveFormatter redraws a single progress line and prints a readable
// summary with a grade at the end.
type interactiveFormatter struct {
	w          io.Writer
	noProgress bool
	drawn      bool
}

func (f *interactiveFormatter) MeasurementProgress(p speed.Progress) {
	if f.noProgress {
		return
	}
	fmt.Fprintf(f.w, "\r%-8s %8.1f Mbps  %10s  %d streams  %5.1fs ",
		p.Phase, p.BitsPerSecond/1_000_000, formatBytes(p.Bytes), p.ActiveStreams, p.Elapsed.Seconds())
	f.drawn = true
}

func (f *interactiveFormatter) clearLine() {
	if f.drawn {
		fmt.Fprint(f.w, "\r"+strings.Repeat(" ", 60)+"\r")
		f.drawn = false
	}
}

func (f *interactiveFormatter) MeasurementCompleted(r *types.MeasurementResult, err error) {
	f.clearLine()
	f.summary(r)
	if err != nil {
		fmt.Fprintf(f.w, "\nMeasurement failed: %v\n", err)
	}
}

func (f *interactiveFormatter) MeasurementStopped(r *types.MeasurementResult) {
	f.clearLine()
	fmt.Fprintln(f.w, "Measurement stopped.")
	f.summary(r)
}

func (f *interactiveFormatter) summary(r *types.MeasurementResult) {
	if r == nil {
		return
	}
	w := f.w
	fmt.Fprintln(w, "Results:")
	if r.SelectedTarget != "" {
		fmt.Fprintf(w, "  Target:    %s\n", r.SelectedTarget)
	}
	if l := r.Latency; l != nil {
		fmt.Fprintf(w, "  Latency:   %.2f ms avg (%.2f min, %.2f max, %.2f p95)\n", l.AvgMs, l.MinMs, l.MaxMs, l.P95Ms)
		fmt.Fprintf(w, "  Jitter:    %.2f ms\n", l.JitterMs)
		fmt.Fprintf(w, "  Loss:      %d/%d probes\n", l.Lost, l.Probes)
	}
	if d := r.Download; d != nil {
		fmt.Fprintf(w, "  Download:  %.1f Mbps (%s)%s\n", d.Mbps(), formatBytes(d.Bytes), degradedNote(d))
	}
	if u := r.Upload; u != nil {
		fmt.Fprintf(w, "  Upload:    %.1f Mbps (%s)%s\n", u.Mbps(), formatBytes(u.Bytes), degradedNote(u))
	}
	if rt := r.Route; rt != nil {
		fmt.Fprintf(w, "  Route:     %d hops back to %s\n", len(rt.Hops), rt.ClientIP)
	}
	if g := r.Geo; g != nil {
		place := strings.TrimLeft(strings.Join([]string{g.City, g.Country}, ", "), ", ")
		fmt.Fprintf(w, "  Location:  %.4f, %.4f ±%.0f m %s\n", g.Latitude, g.Longitude, g.AccuracyMeters, place)
	}
	if len(r.Errors) > 0 {
		fmt.Fprintln(w, "  Errors:")
		for _, pe := range r.Errors {
			fmt.Fprintf(w, "    %-9s %s %s\n", pe.Phase, pe.Target, pe.Message)
		}
	}
	if interp := diagnostic.InterpretResult(r); interp != nil {
		fmt.Fprintf(w, "\nGrade %s: %s\n", interp.Grade, interp.Summary)
	}
	fmt.Fprintf(w, "Finished in %s\n", r.Duration().Round(100*time.Millisecond))
}

func degradedNote(t *types.ThroughputResult) string {
	if !t.Degraded {
		return ""
	}
	return fmt.Sprintf(" degraded, %d/%d streams", t.StreamsSurviving, t.StreamsConfigured)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
