package metrics_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/saveenergy/speedkit/internal/metrics"
	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/types"
)

func TestCalculateLatency(t *testing.T) {
	tests := []struct {
		name     string
		samples  []time.Duration
		want     types.LatencyResult
		wantZero bool
	}{
		{
			name:     "empty samples",
			samples:  []time.Duration{},
			wantZero: true,
		},
		{
			name:    "single sample",
			samples: []time.Duration{10 * time.Millisecond},
			want: types.LatencyResult{
				MinMs: 10.0,
				MaxMs: 10.0,
				AvgMs: 10.0,
				P50Ms: 10.0,
				P95Ms: 10.0,
			},
		},
		{
			name: "multiple samples",
			samples: []time.Duration{
				1 * time.Millisecond,
				2 * time.Millisecond,
				3 * time.Millisecond,
				4 * time.Millisecond,
				5 * time.Millisecond,
			},
			want: types.LatencyResult{
				MinMs:    1.0,
				MaxMs:    5.0,
				AvgMs:    3.0,
				P50Ms:    3.0,
				P95Ms:    5.0,
				JitterMs: 1.0,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := metrics.CalculateLatency(tt.samples)
			if tt.wantZero {
				if got != (types.LatencyResult{}) {
					t.Fatalf("expected zero result, got %+v", got)
				}
				return
			}
			if got != tt.want {
				t.Fatalf("CalculateLatency = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCalculateJitter(t *testing.T) {
	tests := []struct {
		name    string
		samples []time.Duration
		want    float64
	}{
		{"none", nil, 0},
		{"single", []time.Duration{5 * time.Millisecond}, 0},
		{"steady", []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}, 0},
		{"alternating", []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond}, 10},
		{"unsorted order is kept", []time.Duration{30 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := metrics.CalculateJitter(tt.samples); math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("CalculateJitter = %v, want %v", got, tt.want)
			}
		})
	}
}

func linearStream(id int, start time.Time, d time.Duration, total int64) types.StreamRecord {
	end := start.Add(d)
	return types.StreamRecord{
		ID:     id,
		Status: types.StreamStatusCompleted,
		Start:  start,
		End:    end,
		Bytes:  total,
		Samples: []types.Sample{
			{Time: start, Bytes: 0},
			{Time: start.Add(d / 2), Bytes: total / 2},
			{Time: end, Bytes: total},
		},
	}
}

func ended(r types.StreamRecord, reason types.EndReason) types.StreamRecord {
	r.Reason = reason
	return r
}

func TestAggregateThroughput(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	failed := types.StreamRecord{
		ID:     2,
		Status: types.StreamStatusFailed,
		Start:  t0,
		End:    t0.Add(200 * time.Millisecond),
		Bytes:  999,
		Err:    errors.New("reset"),
	}

	tests := []struct {
		name         string
		records      []types.StreamRecord
		configured   int
		wantBps      float64
		wantBytes    int64
		wantWindow   time.Duration
		wantSurvive  int
		wantDegraded bool
	}{
		{
			name: "equal streams",
			records: []types.StreamRecord{
				linearStream(0, t0, time.Second, 1000),
				linearStream(1, t0, time.Second, 1000),
			},
			configured:  2,
			wantBps:     16000,
			wantBytes:   2000,
			wantWindow:  time.Second,
			wantSurvive: 2,
		},
		{
			name: "longer stream is cut at the earliest end",
			records: []types.StreamRecord{
				linearStream(0, t0, time.Second, 1000),
				linearStream(1, t0, 2*time.Second, 4000),
			},
			configured:  2,
			wantBps:     24000,
			wantBytes:   3000,
			wantWindow:  time.Second,
			wantSurvive: 2,
		},
		{
			name: "failed stream excluded and run degraded",
			records: []types.StreamRecord{
				linearStream(0, t0, time.Second, 1000),
				linearStream(1, t0, time.Second, 1000),
				failed,
			},
			configured:   3,
			wantBps:      16000,
			wantBytes:    2000,
			wantWindow:   time.Second,
			wantSurvive:  2,
			wantDegraded: true,
		},
		{
			name: "stream closed early by the peer keeps the full window",
			records: []types.StreamRecord{
				ended(linearStream(0, t0, time.Second, 1000), types.EndDeadline),
				ended(linearStream(1, t0, 100*time.Millisecond, 500), types.EndEOF),
				ended(linearStream(2, t0, time.Second, 1000), types.EndDeadline),
				ended(linearStream(3, t0, time.Second, 1000), types.EndDeadline),
			},
			configured:  4,
			wantBps:     28000,
			wantBytes:   3500,
			wantWindow:  time.Second,
			wantSurvive: 4,
		},
		{
			name: "byte budget ends the window",
			records: []types.StreamRecord{
				ended(linearStream(0, t0, 500*time.Millisecond, 1000), types.EndBudget),
				ended(linearStream(1, t0, time.Second, 1000), types.EndDeadline),
			},
			configured:  2,
			wantBps:     24000,
			wantBytes:   1500,
			wantWindow:  500 * time.Millisecond,
			wantSurvive: 2,
		},
		{
			name: "only early closers fall back to the earliest end",
			records: []types.StreamRecord{
				ended(linearStream(0, t0, 500*time.Millisecond, 1000), types.EndEOF),
				ended(linearStream(1, t0, time.Second, 1000), types.EndEOF),
			},
			configured:  2,
			wantBps:     24000,
			wantBytes:   1500,
			wantWindow:  500 * time.Millisecond,
			wantSurvive: 2,
		},
		{
			name: "stream without samples uses its totals",
			records: []types.StreamRecord{
				{ID: 0, Status: types.StreamStatusCompleted, Start: t0, End: t0.Add(2 * time.Second), Bytes: 500},
			},
			configured:  1,
			wantBps:     2000,
			wantBytes:   500,
			wantWindow:  2 * time.Second,
			wantSurvive: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := metrics.AggregateThroughput(tt.records, tt.configured, 100*time.Millisecond)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got.BitsPerSecond-tt.wantBps) > 1e-6 {
				t.Fatalf("bps = %v, want %v", got.BitsPerSecond, tt.wantBps)
			}
			if got.Bytes != tt.wantBytes {
				t.Fatalf("bytes = %d, want %d", got.Bytes, tt.wantBytes)
			}
			if got.Window != tt.wantWindow {
				t.Fatalf("window = %s, want %s", got.Window, tt.wantWindow)
			}
			if got.StreamsSurviving != tt.wantSurvive || got.Degraded != tt.wantDegraded {
				t.Fatalf("surviving=%d degraded=%v", got.StreamsSurviving, got.Degraded)
			}
			if got.StreamsConfigured != tt.configured {
				t.Fatalf("configured = %d", got.StreamsConfigured)
			}
		})
	}
}

func TestAggregateThroughputAllFailed(t *testing.T) {
	t0 := time.Now()
	cause := errors.New("refused")
	records := []types.StreamRecord{
		{ID: 0, Status: types.StreamStatusFailed, Start: t0, End: t0, Err: cause},
		{ID: 1, Status: types.StreamStatusFailed, Start: t0, End: t0, Err: errors.New("other")},
	}
	got, err := metrics.AggregateThroughput(records, 2, 0)
	if got != nil {
		t.Fatalf("expected no result, got %+v", got)
	}
	if pkgerrors.CodeOf(err) != pkgerrors.ErrCodeConnectionFailed {
		t.Fatalf("code = %q", pkgerrors.CodeOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatal("first stream error should be the cause")
	}
}

func TestAggregateThroughputTooShort(t *testing.T) {
	t0 := time.Now()
	tests := []struct {
		name      string
		records   []types.StreamRecord
		minWindow time.Duration
	}{
		{
			name: "zero length window",
			records: []types.StreamRecord{
				{ID: 0, Status: types.StreamStatusCompleted, Start: t0, End: t0, Bytes: 100},
			},
		},
		{
			name:      "below minimum",
			records:   []types.StreamRecord{linearStream(0, t0, 500*time.Millisecond, 1000)},
			minWindow: time.Second,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := metrics.AggregateThroughput(tt.records, 1, tt.minWindow)
			if got != nil {
				t.Fatalf("expected no result, got %+v", got)
			}
			if !errors.Is(err, pkgerrors.ErrPhaseTooShortKind) {
				t.Fatalf("expected PHASE_TOO_SHORT, got %v", err)
			}
		})
	}
}

func TestBytesAt(t *testing.T) {
	t0 := time.Unix(1000, 0)
	samples := []types.Sample{
		{Time: t0, Bytes: 0},
		{Time: t0.Add(time.Second), Bytes: 100},
		{Time: t0.Add(2 * time.Second), Bytes: 100},
		{Time: t0.Add(4 * time.Second), Bytes: 500},
	}
	tests := []struct {
		at   time.Time
		want float64
	}{
		{t0.Add(-time.Second), 0},
		{t0, 0},
		{t0.Add(500 * time.Millisecond), 50},
		{t0.Add(1500 * time.Millisecond), 100},
		{t0.Add(3 * time.Second), 300},
		{t0.Add(10 * time.Second), 500},
	}
	for _, tt := range tests {
		if got := metrics.BytesAt(samples, tt.at); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("BytesAt(%s) = %v, want %v", tt.at.Sub(t0), got, tt.want)
		}
	}
	if metrics.BytesAt(nil, t0) != 0 {
		t.Fatal("empty curve must read as zero")
	}
}
