package speed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saveenergy/speedkit/internal/latency"
	"github.com/saveenergy/speedkit/internal/logging"
	"github.com/saveenergy/speedkit/internal/metrics"
	"github.com/saveenergy/speedkit/internal/route"
	"github.com/saveenergy/speedkit/internal/stream"
	"github.com/saveenergy/speedkit/internal/target"
	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/types"
)

type State int

const (
	StateIdle State = iota
	StateSelectingTarget
	StateRouteLookup
	StateGeoLookup
	StateLatency
	StateDownload
	StateUpload
	StateCompleted
	StateStopped
	StateFailed
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateSelectingTarget: "selecting_target",
	StateRouteLookup:     "route_lookup",
	StateGeoLookup:       "geo_lookup",
	StateLatency:         "latency",
	StateDownload:        "download",
	StateUpload:          "upload",
	StateCompleted:       "completed",
	StateStopped:         "stopped",
	StateFailed:          "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateFailed
}

func stateFor(p types.Phase) State {
	switch p {
	case types.PhaseRouteLookup:
		return StateRouteLookup
	case types.PhaseGeoLookup:
		return StateGeoLookup
	case types.PhaseLatency:
		return StateLatency
	case types.PhaseDownload:
		return StateDownload
	case types.PhaseUpload:
		return StateUpload
	}
	return StateIdle
}

var (
	errStopped    = errors.New("measurement stopped")
	errRunTimeout = errors.New("run timeout exceeded")
)

type Option func(*Measurement)

func WithReporter(r Reporter) Option {
	return func(m *Measurement) { m.reporter = newGuard(r) }
}

func WithGeoLocator(g GeoLocator) Option {
	return func(m *Measurement) { m.geo = g }
}

func WithRouteLookup(r RouteLookup) Option {
	return func(m *Measurement) { m.route = r }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Measurement) { m.logger = l }
}

// WithDialer replaces the dialer for every connection the run opens to a
// target: TCP data streams and the UDP latency socket.
func WithDialer(d Dialer) Option {
	return func(m *Measurement) { m.dialer = d }
}

// WithTLSConfig sets the client TLS configuration for targets with TLS
// enabled. ServerName defaults to the target host.
func WithTLSConfig(c *tls.Config) Option {
	return func(m *Measurement) { m.tlsConfig = c }
}

// Measurement is one run of the phase sequence against the configured
// targets. It is started once and ends in Completed, Stopped or Failed.
type Measurement struct {
	id        string
	cfg       Config
	reporter  *guard
	geo       GeoLocator
	route     RouteLookup
	logger    *logging.Logger
	dialer    Dialer
	tlsConfig *tls.Config

	mu      sync.Mutex
	state   State
	started bool
	cancel  context.CancelCauseFunc
	done    chan struct{}
	result  *types.MeasurementResult
	err     error
}

// New validates cfg and prepares a run. An invalid configuration fails here
// with CONFIG_INVALID, before any phase could run.
func New(cfg Config, opts ...Option) (*Measurement, error) {
	cfg = cfg.clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Measurement{
		id:       uuid.NewString(),
		cfg:      cfg,
		reporter: newGuard(nil),
		route:    &route.Client{HandshakeTimeout: cfg.ConnectTimeout},
		logger:   logging.GetLogger(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(logging.F("run", m.id))
	return m, nil
}

func (m *Measurement) ID() string {
	return m.id
}

func (m *Measurement) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Measurement) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.logger.Debug("state changed",
			logging.F("from", prev.String()),
			logging.F("to", s.String()))
	}
}

// Start launches the run in its own goroutine. Cancelling ctx has the same
// effect as Stop.
func (m *Measurement) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("measurement %s already started", m.id)
	}
	m.started = true

	runCtx, cancel := context.WithCancelCause(ctx)
	m.cancel = cancel
	var stopTimeout context.CancelFunc = func() {}
	if m.cfg.RunTimeout > 0 {
		runCtx, stopTimeout = context.WithTimeoutCause(runCtx, m.cfg.RunTimeout, errRunTimeout)
	}

	go func() {
		defer close(m.done)
		defer cancel(nil)
		defer stopTimeout()
		m.run(runCtx)
	}()
	return nil
}

// Stop asks the run to end. It returns immediately; the run emits a single
// MeasurementStopped once every phase goroutine has exited. Stop after the
// run ended, or before Start, does nothing.
func (m *Measurement) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	m.reporter.stopping.Store(true)
	cancel(errStopped)
}

// Wait blocks until the run ended and returns its result. It returns nil
// when the measurement was never started.
func (m *Measurement) Wait() *types.MeasurementResult {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return nil
	}
	<-m.done
	return m.result
}

// Err waits like Wait and returns the terminal error: nil when the run
// completed or was stopped.
func (m *Measurement) Err() error {
	if m.Wait() == nil {
		return nil
	}
	return m.err
}

// Run is New, Start and Wait in one call.
func Run(ctx context.Context, cfg Config, opts ...Option) (*types.MeasurementResult, error) {
	m, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	res := m.Wait()
	return res, m.Err()
}

func (m *Measurement) run(ctx context.Context) {
	res := &types.MeasurementResult{
		ID:        m.id,
		StartTime: time.Now(),
	}
	m.logger.Info("measurement started", logging.F("targets", len(m.cfg.Targets)))

	if m.cfg.StartupDelay > 0 {
		t := time.NewTimer(m.cfg.StartupDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			m.finishInterrupted(ctx, res, nil)
			return
		case <-t.C:
		}
	}

	resolver := target.NewResolver(m.cfg.Targets, m.cfg.targetDefaults())
	seenSkipped := 0
	var attempt *attemptResult
	var lastErr error

	for {
		if ctx.Err() != nil {
			m.finishInterrupted(ctx, res, attempt)
			return
		}
		m.setState(StateSelectingTarget)
		t, ok := resolver.Next()
		for _, err := range resolver.Skipped()[seenSkipped:] {
			m.recordError(res, "", "", err)
			seenSkipped++
		}
		if !ok {
			err := pkgerrors.ErrTargetExhausted(
				fmt.Sprintf("all %d targets failed", resolver.Visited()), lastErr)
			m.finishFailed(res, attempt, err)
			return
		}

		m.logger.Info("target selected", logging.F("target", t.String()))
		attempt = &attemptResult{target: t}
		err := m.runSequence(ctx, t, attempt, res)
		if ctx.Err() != nil {
			m.finishInterrupted(ctx, res, attempt)
			return
		}
		if err == nil {
			m.finishCompleted(res, attempt)
			return
		}
		lastErr = err
		if resolver.Remaining() > 0 {
			m.logger.Warn("falling back to next target",
				logging.F("target", t.ID()),
				logging.F("error", err))
		}
	}
}

// attemptResult holds what the phase sequence produced for one target. It is
// discarded when the run falls back to another target.
type attemptResult struct {
	target   types.Target
	route    *types.RouteInfo
	geo      *types.GeoLocation
	latency  *types.LatencyResult
	download *types.ThroughputResult
	upload   *types.ThroughputResult
}

// runSequence runs every enabled phase against t. It returns the first
// error of a phase that triggers fallback; route and geolocation failures
// are recorded and skipped.
func (m *Measurement) runSequence(ctx context.Context, t types.Target, attempt *attemptResult, res *types.MeasurementResult) error {
	for _, phase := range types.PhaseOrder {
		if !m.cfg.enabled(phase) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m.setState(stateFor(phase))
		log := m.logger.With(logging.F("phase", string(phase)), logging.F("target", t.ID()))
		log.Info("phase started")
		started := time.Now()

		var err error
		switch phase {
		case types.PhaseRouteLookup:
			err = m.routePhase(ctx, t, attempt)
		case types.PhaseGeoLookup:
			err = m.geoPhase(ctx, attempt)
		case types.PhaseLatency:
			err = m.latencyPhase(ctx, t, attempt, log)
		case types.PhaseDownload, types.PhaseUpload:
			err = m.throughputPhase(ctx, phase, t, attempt, log)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			m.recordError(res, phase, t.ID(), err)
			log.Warn("phase failed", logging.F("error", err), logging.F("duration", time.Since(started)))
			if phase == types.PhaseRouteLookup || phase == types.PhaseGeoLookup {
				continue
			}
			return err
		}
		log.Info("phase completed", logging.F("duration", time.Since(started)))
	}
	return nil
}

func (m *Measurement) routePhase(ctx context.Context, t types.Target, attempt *attemptResult) error {
	if m.route == nil {
		return pkgerrors.ErrRouteUnavailable("no route lookup configured", nil)
	}
	info, err := m.route.LookupRoute(ctx, t, m.cfg.RouteToClientPort)
	if err != nil {
		if pkgerrors.CodeOf(err) == "" {
			err = pkgerrors.ErrRouteUnavailable("route lookup failed", err)
		}
		return err
	}
	attempt.route = info
	return nil
}

func (m *Measurement) geoPhase(ctx context.Context, attempt *attemptResult) error {
	if m.geo == nil {
		return pkgerrors.ErrLocationUnavailable("no geolocator configured", nil)
	}
	req := GeoRequest{Accuracy: m.cfg.LocationAccuracy}
	if attempt.route != nil {
		req.ClientIP = attempt.route.ClientIP
	}
	loc, err := m.geo.Locate(ctx, req)
	if err != nil {
		if pkgerrors.CodeOf(err) == "" {
			err = pkgerrors.ErrLocationUnavailable("geolocation failed", err)
		}
		return err
	}
	if loc != nil && loc.RequestedAccuracy == 0 {
		loc.RequestedAccuracy = m.cfg.LocationAccuracy
	}
	attempt.geo = loc
	return nil
}

func (m *Measurement) latencyPhase(ctx context.Context, t types.Target, attempt *attemptResult, log *logging.Logger) error {
	p := latency.Prober{
		Count:       m.cfg.LatencyProbes,
		Interval:    m.cfg.LatencyInterval,
		Timeout:     m.cfg.ProbeTimeout,
		MaxLoss:     m.cfg.MaxProbeLoss,
		PayloadSize: m.cfg.ProbePayloadSize,
		Logger:      log,
	}
	if m.dialer != nil {
		p.Dialer = m.dialer
	}
	res, err := p.Probe(ctx, t)
	if err != nil {
		return err
	}
	attempt.latency = res
	log.Info("latency measured",
		logging.F("avg_ms", res.AvgMs),
		logging.F("jitter_ms", res.JitterMs),
		logging.F("loss", res.LossRatio))
	return nil
}

func (m *Measurement) throughputPhase(ctx context.Context, phase types.Phase, t types.Target, attempt *attemptResult, log *logging.Logger) error {
	dir, _ := phase.Direction()
	streams, duration, budget := m.cfg.throughput(dir)

	cfg := stream.Config{
		Direction:        dir,
		Streams:          streams,
		Duration:         duration,
		ByteBudget:       budget,
		SampleInterval:   m.cfg.SampleInterval,
		ProgressInterval: m.cfg.ProgressInterval,
		ConnectTimeout:   m.cfg.ConnectTimeout,
		TLS:              m.tlsConfig,
		Logger:           log,
	}
	if m.dialer != nil {
		cfg.Dialer = m.dialer
	}

	records, err := stream.NewPool(cfg).Run(ctx, t, func(p stream.Progress) {
		m.reporter.progress(Progress{
			RunID:         m.id,
			Phase:         phase,
			Target:        t.ID(),
			Elapsed:       p.Elapsed,
			BitsPerSecond: p.BitsPerSecond,
			Bytes:         p.Bytes,
			ActiveStreams: p.ActiveStreams,
		})
	})
	if err != nil {
		return err
	}

	result, err := metrics.AggregateThroughput(records, streams, m.cfg.MinWindow)
	if err != nil {
		return err
	}
	if result.Degraded {
		log.Warn("phase degraded",
			logging.F("surviving", result.StreamsSurviving),
			logging.F("configured", result.StreamsConfigured))
	}
	log.Info("throughput measured",
		logging.F("mbps", result.Mbps()),
		logging.F("bytes", result.Bytes),
		logging.F("window", result.Window))

	if dir == types.DirectionUpload {
		attempt.upload = result
	} else {
		attempt.download = result
	}
	return nil
}

func (m *Measurement) recordError(res *types.MeasurementResult, phase types.Phase, targetID string, err error) {
	code := pkgerrors.CodeOf(err)
	if code == "" {
		code = pkgerrors.ErrCodeConnectionFailed
	}
	res.Errors = append(res.Errors, types.PhaseError{
		Phase:   phase,
		Target:  targetID,
		Code:    code,
		Message: err.Error(),
		Time:    time.Now(),
	})
}

// assemble copies the attempt's phase results into res. Partial is set when
// an enabled phase has no result.
func (m *Measurement) assemble(res *types.MeasurementResult, attempt *attemptResult, status types.RunStatus) *types.MeasurementResult {
	res.Status = status
	res.EndTime = time.Now()
	if attempt != nil {
		res.SelectedTarget = attempt.target.ID()
		res.Route = attempt.route
		res.Geo = attempt.geo
		res.Latency = attempt.latency
		res.Download = attempt.download
		res.Upload = attempt.upload
	}
	res.Partial = (m.cfg.RouteLookup && res.Route == nil) ||
		(m.cfg.GeoLookup && res.Geo == nil) ||
		(m.cfg.Latency && res.Latency == nil) ||
		(m.cfg.Download && res.Download == nil) ||
		(m.cfg.Upload && res.Upload == nil)
	return res
}

func (m *Measurement) finishCompleted(res *types.MeasurementResult, attempt *attemptResult) {
	m.assemble(res, attempt, types.RunStatusCompleted)
	m.setTerminal(StateCompleted, res, nil)
	m.logger.Info("measurement completed",
		logging.F("target", res.SelectedTarget),
		logging.F("partial", res.Partial),
		logging.F("duration", res.Duration()))
	m.reporter.completed(res, nil)
}

func (m *Measurement) finishFailed(res *types.MeasurementResult, attempt *attemptResult, err error) {
	m.assemble(res, attempt, types.RunStatusFailed)
	res.Partial = true
	m.setTerminal(StateFailed, res, err)
	m.logger.Warn("measurement failed", logging.F("error", err))
	m.reporter.completed(res, err)
}

// finishInterrupted ends a run whose context is done: a run timeout fails
// it, anything else (Stop or parent cancellation) stops it.
func (m *Measurement) finishInterrupted(ctx context.Context, res *types.MeasurementResult, attempt *attemptResult) {
	if errors.Is(context.Cause(ctx), errRunTimeout) {
		err := pkgerrors.ErrTimeout(
			fmt.Sprintf("run exceeded %s", m.cfg.RunTimeout), context.DeadlineExceeded)
		m.recordError(res, m.currentPhase(), "", err)
		m.finishFailed(res, attempt, err)
		return
	}

	m.assemble(res, attempt, types.RunStatusStopped)
	res.Partial = true
	m.setTerminal(StateStopped, res, nil)
	m.logger.Info("measurement stopped")
	m.reporter.stopped(res)
}

func (m *Measurement) setTerminal(s State, res *types.MeasurementResult, err error) {
	m.mu.Lock()
	m.result = res
	m.err = err
	m.mu.Unlock()
	m.setState(s)
}

func (m *Measurement) currentPhase() types.Phase {
	switch m.State() {
	case StateRouteLookup:
		return types.PhaseRouteLookup
	case StateGeoLookup:
		return types.PhaseGeoLookup
	case StateLatency:
		return types.PhaseLatency
	case StateDownload:
		return types.PhaseDownload
	case StateUpload:
		return types.PhaseUpload
	}
	return ""
}
