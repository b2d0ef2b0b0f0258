package metrics

import (
	"fmt"
	"time"

	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/types"
)

// AggregateThroughput turns the stream records of one phase into a single
// rate. Only completed streams count. The window ends at the earliest end
// among survivors that ran their full course (deadline or byte budget), so a
// straggler does not inflate the total. A survivor the peer closed early
// contributes what it moved up to its own end. When no survivor ran its full
// course the earliest survivor end is used. The window starts at the earliest
// survivor start.
//
// A window shorter than minWindow, or empty, yields PHASE_TOO_SHORT rather
// than a rate.
func AggregateThroughput(records []types.StreamRecord, configured int, minWindow time.Duration) (*types.ThroughputResult, error) {
	var survivors []types.StreamRecord
	var firstErr error
	for _, r := range records {
		if r.Status == types.StreamStatusCompleted {
			survivors = append(survivors, r)
			continue
		}
		if firstErr == nil {
			firstErr = r.Err
		}
	}
	if len(survivors) == 0 {
		return nil, pkgerrors.ErrConnectionFailed(
			fmt.Sprintf("no stream completed (%d configured)", configured), firstErr)
	}

	windowStart := survivors[0].Start
	for _, r := range survivors[1:] {
		if r.Start.Before(windowStart) {
			windowStart = r.Start
		}
	}
	windowEnd, ok := earliestEnd(survivors, true)
	if !ok {
		windowEnd, _ = earliestEnd(survivors, false)
	}

	elapsed := windowEnd.Sub(windowStart)
	if elapsed <= 0 || elapsed < minWindow {
		return nil, pkgerrors.ErrPhaseTooShort(
			fmt.Sprintf("measurement window %s is shorter than %s", elapsed, minWindow))
	}

	var total float64
	for _, r := range survivors {
		samples := curve(r)
		n := BytesAt(samples, windowEnd) - BytesAt(samples, r.Start)
		if n > 0 {
			total += n
		}
	}

	return &types.ThroughputResult{
		BitsPerSecond:     total * 8 / elapsed.Seconds(),
		Bytes:             int64(total),
		Window:            elapsed,
		StreamsConfigured: configured,
		StreamsSurviving:  len(survivors),
		Degraded:          len(survivors) < configured,
	}, nil
}

// earliestEnd returns the minimum End over records, or over those that ran
// their full course when fullOnly is set.
func earliestEnd(records []types.StreamRecord, fullOnly bool) (time.Time, bool) {
	var end time.Time
	found := false
	for _, r := range records {
		if fullOnly && !r.Reason.Full() {
			continue
		}
		if !found || r.End.Before(end) {
			end = r.End
			found = true
		}
	}
	return end, found
}

// curve returns the stream's samples, or a two-point line from its start and
// end totals when it recorded none.
func curve(r types.StreamRecord) []types.Sample {
	if len(r.Samples) > 0 {
		return r.Samples
	}
	return []types.Sample{
		{Time: r.Start, Bytes: 0},
		{Time: r.End, Bytes: r.Bytes},
	}
}

// BytesAt linearly interpolates a cumulative byte curve at t. Before the
// first sample it returns the first value, after the last the last value.
func BytesAt(samples []types.Sample, t time.Time) float64 {
	if len(samples) == 0 {
		return 0
	}
	if !t.After(samples[0].Time) {
		return float64(samples[0].Bytes)
	}
	for i := 1; i < len(samples); i++ {
		cur := samples[i]
		if t.After(cur.Time) {
			continue
		}
		prev := samples[i-1]
		span := cur.Time.Sub(prev.Time)
		if span <= 0 {
			return float64(cur.Bytes)
		}
		frac := float64(t.Sub(prev.Time)) / float64(span)
		return float64(prev.Bytes) + frac*float64(cur.Bytes-prev.Bytes)
	}
	return float64(samples[len(samples)-1].Bytes)
}
