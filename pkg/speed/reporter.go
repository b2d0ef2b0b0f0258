package speed

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/saveenergy/speedkit/pkg/types"
)

// Progress is an interim throughput estimate during a download or upload
// phase. Elapsed is measured from the start of the phase.
type Progress struct {
	RunID         string        `json:"run_id"`
	Phase         types.Phase   `json:"phase"`
	Target        string        `json:"target"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	BitsPerSecond float64       `json:"bits_per_second"`
	Bytes         int64         `json:"bytes"`
	ActiveStreams int           `json:"active_streams"`
}

// Reporter receives run notifications. Each run delivers any number of
// progress calls followed by exactly one of MeasurementCompleted or
// MeasurementStopped. err is nil for a completed run and the terminal error
// for a failed one. Calls come from the run goroutine and never overlap.
type Reporter interface {
	MeasurementProgress(Progress)
	MeasurementCompleted(*types.MeasurementResult, error)
	MeasurementStopped(*types.MeasurementResult)
}

type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
	EventFailed
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventStopped:
		return "stopped"
	}
	return "unknown"
}

// Terminal reports whether no further events follow this one.
func (k EventKind) Terminal() bool {
	return k != EventProgress
}

type Event struct {
	Kind     EventKind
	Progress *Progress
	Result   *types.MeasurementResult
	Err      error
}

// ChannelReporter turns notifications into Events on C. Progress events are
// dropped when the buffer is full; the terminal event always arrives and C
// is closed after it.
type ChannelReporter struct {
	C chan Event
}

func NewChannelReporter(buffer int) *ChannelReporter {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelReporter{C: make(chan Event, buffer)}
}

func (c *ChannelReporter) MeasurementProgress(p Progress) {
	select {
	case c.C <- Event{Kind: EventProgress, Progress: &p}:
	default:
	}
}

func (c *ChannelReporter) MeasurementCompleted(r *types.MeasurementResult, err error) {
	kind := EventCompleted
	if err != nil {
		kind = EventFailed
	}
	c.C <- Event{Kind: kind, Result: r, Err: err}
	close(c.C)
}

func (c *ChannelReporter) MeasurementStopped(r *types.MeasurementResult) {
	c.C <- Event{Kind: EventStopped, Result: r}
	close(c.C)
}

// ReporterFuncs adapts plain functions to Reporter. Nil fields are skipped.
type ReporterFuncs struct {
	OnProgress  func(Progress)
	OnCompleted func(*types.MeasurementResult, error)
	OnStopped   func(*types.MeasurementResult)
}

func (f ReporterFuncs) MeasurementProgress(p Progress) {
	if f.OnProgress != nil {
		f.OnProgress(p)
	}
}

func (f ReporterFuncs) MeasurementCompleted(r *types.MeasurementResult, err error) {
	if f.OnCompleted != nil {
		f.OnCompleted(r, err)
	}
}

func (f ReporterFuncs) MeasurementStopped(r *types.MeasurementResult) {
	if f.OnStopped != nil {
		f.OnStopped(r)
	}
}

// guard enforces the delivery contract on top of any Reporter: one terminal
// notification, nothing after it, and no progress once a stop was asked for.
type guard struct {
	r        Reporter
	mu       sync.Mutex
	done     bool
	stopping atomic.Bool
}

func newGuard(r Reporter) *guard {
	if r == nil {
		r = ReporterFuncs{}
	}
	return &guard{r: r}
}

func (g *guard) progress(p Progress) {
	if g.stopping.Load() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done || g.stopping.Load() {
		return
	}
	g.r.MeasurementProgress(p)
}

func (g *guard) completed(r *types.MeasurementResult, err error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return false
	}
	g.done = true
	g.r.MeasurementCompleted(r, err)
	return true
}

func (g *guard) stopped(r *types.MeasurementResult) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return false
	}
	g.done = true
	g.r.MeasurementStopped(r)
	return true
}
