package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saveenergy/speedkit/internal/logging"
	"github.com/saveenergy/speedkit/pkg/types"
)

func TestMonitorRunsRepeatedly(t *testing.T) {
	var calls atomic.Int64
	results := make(chan error, 16)
	run := func(ctx context.Context) (*types.MeasurementResult, error) {
		n := calls.Add(1)
		if n == 2 {
			return &types.MeasurementResult{Status: types.RunStatusFailed}, errors.New("target down")
		}
		return &types.MeasurementResult{
			Status:   types.RunStatusCompleted,
			Latency:  &types.LatencyResult{AvgMs: 5},
			Download: &types.ThroughputResult{BitsPerSecond: 1e8},
		}, nil
	}

	m, err := New(50*time.Millisecond, run,
		WithLogger(logging.Discard()),
		WithResultHandler(func(_ *types.MeasurementResult, err error) {
			select {
			case results <- err:
			default:
			}
		}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}

	deadline := time.After(5 * time.Second)
	for got := 0; got < 3; got++ {
		select {
		case <-results:
		case <-deadline:
			t.Fatalf("only %d runs finished", got)
		}
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.Runs() < 3 || m.Failures() != 1 {
		t.Fatalf("runs=%d failures=%d", m.Runs(), m.Failures())
	}
	if err := m.Stop(); err == nil {
		t.Fatal("second Stop should fail")
	}
}

func TestStopCancelsInFlightRun(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	run := func(ctx context.Context) (*types.MeasurementResult, error) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return nil, ctx.Err()
	}

	m, err := New(time.Hour, run, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not start immediately")
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !cancelled.Load() {
		t.Fatal("in-flight run was not cancelled")
	}
}

func TestNewRejectsBadArguments(t *testing.T) {
	run := func(context.Context) (*types.MeasurementResult, error) { return nil, nil }
	if _, err := New(0, run); err == nil {
		t.Fatal("zero interval should fail")
	}
	if _, err := New(time.Second, nil); err == nil {
		t.Fatal("nil run should fail")
	}
}
