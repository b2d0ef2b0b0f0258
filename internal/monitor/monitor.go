package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/saveenergy/speedkit/internal/logging"
	"github.com/saveenergy/speedkit/pkg/diagnostic"
	"github.com/saveenergy/speedkit/pkg/types"
)

// RunFunc performs one measurement.
type RunFunc func(ctx context.Context) (*types.MeasurementResult, error)

// Monitor repeats a measurement on a fixed interval. Runs never overlap: a
// run that outlasts the interval delays the next one.
type Monitor struct {
	interval time.Duration
	run      RunFunc
	onResult func(*types.MeasurementResult, error)
	logger   *logging.Logger

	scheduler gocron.Scheduler
	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	runs      atomic.Int64
	failures  atomic.Int64
}

type Option func(*Monitor)

// WithResultHandler is called after every run, from the scheduler goroutine.
func WithResultHandler(fn func(*types.MeasurementResult, error)) Option {
	return func(m *Monitor) { m.onResult = fn }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func New(interval time.Duration, run RunFunc, opts ...Option) (*Monitor, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("monitor interval must be positive, got %s", interval)
	}
	if run == nil {
		return nil, fmt.Errorf("monitor needs a run function")
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	m := &Monitor{
		interval:  interval,
		run:       run,
		logger:    logging.NewLogger("monitor"),
		scheduler: scheduler,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start schedules the first run immediately and one every interval after.
// Cancelling ctx stops an in-flight run but not the schedule; use Stop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("monitor is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() { m.runOnce(runCtx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create measurement job: %w", err)
	}

	m.cancel = cancel
	m.scheduler.Start()
	m.running = true
	m.logger.Info("monitor started", logging.F("interval", m.interval))
	return nil
}

// Stop cancels any in-flight run and waits for it to return.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return fmt.Errorf("monitor is not running")
	}
	m.cancel()
	if err := m.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	m.running = false
	m.logger.Info("monitor stopped",
		logging.F("runs", m.runs.Load()),
		logging.F("failures", m.failures.Load()))
	return nil
}

// Runs is the number of finished runs; Failures how many of them ended with
// an error.
func (m *Monitor) Runs() int64     { return m.runs.Load() }
func (m *Monitor) Failures() int64 { return m.failures.Load() }

func (m *Monitor) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := m.run(ctx)
	m.runs.Add(1)
	if err != nil {
		m.failures.Add(1)
	}
	m.logSummary(res, err)
	if m.onResult != nil {
		m.onResult(res, err)
	}
}

func (m *Monitor) logSummary(res *types.MeasurementResult, err error) {
	fields := []logging.Field{logging.F("run", m.runs.Load())}
	if res != nil {
		interp := diagnostic.InterpretResult(res)
		fields = append(fields,
			logging.F("status", string(res.Status)),
			logging.F("target", res.SelectedTarget),
			logging.F("grade", interp.Grade),
			logging.F("partial", res.Partial))
		if res.Latency != nil {
			fields = append(fields, logging.F("latency_ms", res.Latency.AvgMs))
		}
		if res.Download != nil {
			fields = append(fields, logging.F("download_mbps", res.Download.Mbps()))
		}
		if res.Upload != nil {
			fields = append(fields, logging.F("upload_mbps", res.Upload.Mbps()))
		}
	}
	if err != nil {
		m.logger.Warn("measurement failed", append(fields, logging.F("error", err))...)
		return
	}
	m.logger.Info("measurement finished", fields...)
}
