package stream

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/saveenergy/speedkit/internal/logging"
	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/types"
)

const (
	defaultBufferSize     = 64 * 1024
	defaultSampleInterval = 100 * time.Millisecond
	defaultConnectTimeout = 10 * time.Second
	socketBufferSize      = 256 * 1024
)

// Dialer opens the stream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config describes one throughput phase. Duration bounds every stream;
// ByteBudget, when set, ends a stream early once it moved that many bytes.
// ProgressInterval defaults to SampleInterval.
type Config struct {
	Direction        types.Direction
	Streams          int
	Duration         time.Duration
	ByteBudget       int64
	SampleInterval   time.Duration
	ProgressInterval time.Duration
	ConnectTimeout   time.Duration
	BufferSize       int
	TLS              *tls.Config
	Dialer           Dialer
	Logger           *logging.Logger
}

// Progress is an interim view across all streams of a running phase.
type Progress struct {
	Elapsed       time.Duration
	Bytes         int64
	BitsPerSecond float64
	ActiveStreams int
}

// Pool runs the streams of one phase against one target.
type Pool struct {
	cfg     Config
	payload []byte
	bufPool sync.Pool
}

func NewPool(cfg Config) *Pool {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultSampleInterval
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = cfg.SampleInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	size := cfg.BufferSize
	p := &Pool{
		cfg: cfg,
		bufPool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
	}
	return p
}

func (p *Pool) validate() error {
	if p.cfg.Streams < 1 {
		return pkgerrors.ErrInvalidConfig("stream count must be at least 1", nil)
	}
	if p.cfg.Duration <= 0 {
		return pkgerrors.ErrInvalidConfig("phase duration must be positive", nil)
	}
	if p.cfg.Direction != types.DirectionDownload && p.cfg.Direction != types.DirectionUpload {
		return pkgerrors.ErrInvalidConfig(fmt.Sprintf("unknown direction %q", p.cfg.Direction), nil)
	}
	return nil
}

// Run starts every stream at once, waits for all of them and returns their
// records ordered by stream ID. onProgress, if set, is called from a single
// goroutine at ProgressInterval and never after Run returns.
//
// Run fails with CANCELLED when ctx ends first and with CONNECTION_FAILED
// when no stream completed. Records are returned in both cases.
func (p *Pool) Run(ctx context.Context, target types.Target, onProgress func(Progress)) ([]types.StreamRecord, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.cfg.Direction == types.DirectionUpload && p.payload == nil {
		p.payload = make([]byte, p.cfg.BufferSize)
		if _, err := rand.Read(p.payload); err != nil {
			return nil, fmt.Errorf("generate upload payload: %w", err)
		}
	}

	var abortedAt atomic.Int64
	stopAbort := context.AfterFunc(ctx, func() {
		abortedAt.CompareAndSwap(0, time.Now().UnixNano())
	})
	defer stopAbort()

	start := time.Now()
	deadline := start.Add(p.cfg.Duration)
	streams := make([]*stream, p.cfg.Streams)
	for i := range streams {
		streams[i] = &stream{id: i, pool: p, target: target, deadline: deadline}
	}

	stopTicker := make(chan struct{})
	var tickerWG sync.WaitGroup
	if onProgress != nil {
		tickerWG.Add(1)
		go func() {
			defer tickerWG.Done()
			p.reportProgress(start, streams, stopTicker, onProgress)
		}()
	}

	var g errgroup.Group
	for _, s := range streams {
		g.Go(func() error {
			s.run(ctx)
			return nil
		})
	}
	_ = g.Wait()
	close(stopTicker)
	tickerWG.Wait()

	records := make([]types.StreamRecord, len(streams))
	for i, s := range streams {
		records[i] = s.record()
	}

	if ctx.Err() != nil {
		at := time.Unix(0, abortedAt.Load())
		if abortedAt.Load() == 0 {
			at = time.Now()
		}
		for i := range records {
			trimAfter(&records[i], at)
		}
		return records, pkgerrors.ErrCancelled(fmt.Sprintf("%s phase aborted", p.cfg.Direction))
	}

	var firstErr error
	for _, r := range records {
		if r.Status == types.StreamStatusCompleted {
			return records, nil
		}
		if firstErr == nil {
			firstErr = r.Err
		}
	}
	return records, pkgerrors.ErrConnectionFailed(
		fmt.Sprintf("all %d %s streams failed", len(records), p.cfg.Direction), firstErr)
}

func (p *Pool) reportProgress(start time.Time, streams []*stream, stop <-chan struct{}, onProgress func(Progress)) {
	ticker := time.NewTicker(p.cfg.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			var total int64
			active := 0
			for _, s := range streams {
				total += s.bytes.Load()
				if s.active.Load() {
					active++
				}
			}
			elapsed := now.Sub(start)
			var bps float64
			if elapsed > 0 {
				bps = float64(total) * 8 / elapsed.Seconds()
			}
			onProgress(Progress{
				Elapsed:       elapsed,
				Bytes:         total,
				BitsPerSecond: bps,
				ActiveStreams: active,
			})
		}
	}
}

// trimAfter drops samples newer than at. A stream that had not ended by then
// is marked failed as cancelled; streams that ended earlier are untouched.
func trimAfter(r *types.StreamRecord, at time.Time) {
	if !r.End.IsZero() && !r.End.After(at) {
		return
	}
	kept := r.Samples[:0]
	for _, s := range r.Samples {
		if s.Time.After(at) {
			break
		}
		kept = append(kept, s)
	}
	r.Samples = kept
	r.Bytes = 0
	if len(kept) > 0 {
		r.Bytes = kept[len(kept)-1].Bytes
	}
	r.End = at
	r.Status = types.StreamStatusFailed
	r.Reason = types.EndStopped
	r.Err = pkgerrors.ErrCancelled("stream aborted")
}

func (p *Pool) getBuffer() []byte {
	buf, ok := p.bufPool.Get().([]byte)
	if !ok || len(buf) != p.cfg.BufferSize {
		return make([]byte, p.cfg.BufferSize)
	}
	return buf
}
