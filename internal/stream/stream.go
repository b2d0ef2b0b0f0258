package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/saveenergy/speedkit/internal/logging"
	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/types"
)

// stream is one connection of a phase. Only its own goroutine writes the
// non-atomic fields; the pool reads them after the join.
type stream struct {
	id       int
	pool     *Pool
	target   types.Target
	deadline time.Time

	bytes  atomic.Int64
	active atomic.Bool

	status     types.StreamStatus
	reason     types.EndReason
	start      time.Time
	end        time.Time
	samples    []types.Sample
	lastSample time.Time
	err        error
}

func (s *stream) run(ctx context.Context) {
	cfg := s.pool.cfg
	s.status = types.StreamStatusRunning
	s.start = time.Now()

	conn, err := s.dial(ctx)
	if err != nil {
		s.finish(ctx, err)
		return
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	_ = conn.SetDeadline(s.deadline)
	if _, err := conn.Write([]byte{cfg.Direction.Command()}); err != nil {
		s.finish(ctx, fmt.Errorf("send command: %w", err))
		return
	}

	s.active.Store(true)
	defer s.active.Store(false)
	s.start = time.Now()
	s.appendSample(s.start, 0)

	if cfg.Direction == types.DirectionUpload {
		err = s.upload(conn)
	} else {
		err = s.download(conn)
	}
	s.finish(ctx, err)
}

func (s *stream) dial(ctx context.Context) (net.Conn, error) {
	cfg := s.pool.cfg
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, err := cfg.Dialer.DialContext(dialCtx, "tcp", s.target.DataAddr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.target.DataAddr(), err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetReadBuffer(socketBufferSize)
		_ = tcpConn.SetWriteBuffer(socketBufferSize)
	}
	if !s.target.TLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, s.tlsConfig())
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", s.target.Host, err)
	}
	return tlsConn, nil
}

func (s *stream) tlsConfig() *tls.Config {
	if s.pool.cfg.TLS == nil {
		return &tls.Config{
			ServerName: s.target.Host,
			MinVersion: tls.VersionTLS12,
		}
	}
	cfg := s.pool.cfg.TLS.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = s.target.Host
	}
	return cfg
}

func (s *stream) download(conn net.Conn) error {
	buf := s.pool.getBuffer()
	defer s.pool.bufPool.Put(buf)
	budget := s.pool.cfg.ByteBudget

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			total := s.bytes.Add(int64(n))
			s.maybeSample(total)
			if budget > 0 && total >= budget {
				s.reason = types.EndBudget
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.reason = types.EndEOF
				return nil
			}
			return err
		}
	}
}

func (s *stream) upload(conn net.Conn) error {
	payload := s.pool.payload
	budget := s.pool.cfg.ByteBudget

	for {
		chunk := payload
		if budget > 0 {
			remaining := budget - s.bytes.Load()
			if remaining <= 0 {
				s.reason = types.EndBudget
				return nil
			}
			if remaining < int64(len(chunk)) {
				chunk = chunk[:remaining]
			}
		}
		n, err := conn.Write(chunk)
		if n > 0 {
			s.maybeSample(s.bytes.Add(int64(n)))
		}
		if err != nil {
			return err
		}
	}
}

func (s *stream) maybeSample(total int64) {
	now := time.Now()
	if now.Sub(s.lastSample) >= s.pool.cfg.SampleInterval {
		s.appendSample(now, total)
	}
}

// appendSample keeps Time strictly increasing; a sample at the same instant
// as the previous one replaces it.
func (s *stream) appendSample(at time.Time, total int64) {
	if n := len(s.samples); n > 0 && !at.After(s.samples[n-1].Time) {
		s.samples[n-1].Bytes = total
		return
	}
	s.samples = append(s.samples, types.Sample{Time: at, Bytes: total})
	s.lastSample = at
}

func (s *stream) finish(ctx context.Context, err error) {
	s.end = time.Now()
	total := s.bytes.Load()
	if len(s.samples) > 0 {
		s.appendSample(s.end, total)
	}

	log := s.pool.cfg.Logger.With(
		logging.F("stream", s.id),
		logging.F("target", s.target.ID()),
		logging.F("direction", string(s.pool.cfg.Direction)))

	switch {
	case err == nil:
		s.status = types.StreamStatusCompleted
	case ctx.Err() != nil:
		s.status = types.StreamStatusFailed
		s.reason = types.EndStopped
		s.err = pkgerrors.ErrCancelled("stream aborted")
	case isTimeout(err) && !s.end.Before(s.deadline):
		s.status = types.StreamStatusCompleted
		s.reason = types.EndDeadline
	default:
		s.status = types.StreamStatusFailed
		s.reason = types.EndError
		s.err = pkgerrors.ErrConnectionFailed(fmt.Sprintf("stream %d", s.id), err)
		log.Debug("stream failed", logging.F("error", err), logging.F("bytes", total))
		return
	}
	log.Debug("stream ended",
		logging.F("status", string(s.status)),
		logging.F("reason", string(s.reason)),
		logging.F("bytes", total))
}

func (s *stream) record() types.StreamRecord {
	return types.StreamRecord{
		ID:      s.id,
		Status:  s.status,
		Reason:  s.reason,
		Start:   s.start,
		End:     s.end,
		Bytes:   s.bytes.Load(),
		Samples: s.samples,
		Err:     s.err,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
