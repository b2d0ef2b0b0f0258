package speed

import (
	"errors"
	"testing"

	"github.com/saveenergy/speedkit/pkg/types"
)

func TestGuardDeliversOneTerminal(t *testing.T) {
	var progress, completed, stopped int
	g := newGuard(ReporterFuncs{
		OnProgress:  func(Progress) { progress++ },
		OnCompleted: func(*types.MeasurementResult, error) { completed++ },
		OnStopped:   func(*types.MeasurementResult) { stopped++ },
	})

	g.progress(Progress{})
	if !g.completed(&types.MeasurementResult{}, nil) {
		t.Fatal("first terminal should be delivered")
	}
	if g.stopped(&types.MeasurementResult{}) || g.completed(&types.MeasurementResult{}, nil) {
		t.Fatal("second terminal should be dropped")
	}
	g.progress(Progress{})

	if progress != 1 || completed != 1 || stopped != 0 {
		t.Fatalf("progress=%d completed=%d stopped=%d", progress, completed, stopped)
	}
}

func TestGuardDropsProgressWhileStopping(t *testing.T) {
	var progress int
	g := newGuard(ReporterFuncs{OnProgress: func(Progress) { progress++ }})
	g.stopping.Store(true)
	g.progress(Progress{})
	if progress != 0 {
		t.Fatal("progress delivered after stop was requested")
	}
	if !g.stopped(&types.MeasurementResult{}) {
		t.Fatal("stop notification should still be delivered")
	}
}

func TestNilReporterIsSafe(t *testing.T) {
	g := newGuard(nil)
	g.progress(Progress{})
	g.completed(nil, errors.New("x"))
}

func TestChannelReporter(t *testing.T) {
	tests := []struct {
		name     string
		finish   func(*ChannelReporter)
		wantKind EventKind
	}{
		{"completed", func(c *ChannelReporter) { c.MeasurementCompleted(&types.MeasurementResult{}, nil) }, EventCompleted},
		{"failed", func(c *ChannelReporter) { c.MeasurementCompleted(&types.MeasurementResult{}, errors.New("boom")) }, EventFailed},
		{"stopped", func(c *ChannelReporter) { c.MeasurementStopped(&types.MeasurementResult{}) }, EventStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChannelReporter(1)
			c.MeasurementProgress(Progress{Bytes: 1})
			// Buffer full: dropped instead of blocking.
			c.MeasurementProgress(Progress{Bytes: 2})

			done := make(chan struct{})
			go func() {
				tt.finish(c)
				close(done)
			}()

			var kinds []EventKind
			for ev := range c.C {
				kinds = append(kinds, ev.Kind)
			}
			<-done
			if len(kinds) != 2 || kinds[0] != EventProgress || kinds[1] != tt.wantKind {
				t.Fatalf("events = %v", kinds)
			}
			if !tt.wantKind.Terminal() || EventProgress.Terminal() {
				t.Fatal("terminal classification wrong")
			}
		})
	}
}

func TestStateNames(t *testing.T) {
	tests := map[State]string{
		StateIdle:      "idle",
		StateDownload:  "download",
		StateCompleted: "completed",
		State(99):      "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", s, s.String(), want)
		}
	}
	for _, s := range []State{StateCompleted, StateStopped, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StateUpload.Terminal() {
		t.Error("upload is not terminal")
	}
}
