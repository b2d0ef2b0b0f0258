package latency

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/saveenergy/speedkit/internal/logging"
	"github.com/saveenergy/speedkit/internal/metrics"
	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/types"
)

// Probe datagram layout: magic, big-endian sequence, send time in unix nanos,
// zero padding. The peer echoes the datagram unchanged.
const (
	probeMagic  = 'P'
	headerSize  = 1 + 4 + 8
	maxPayload  = 1400
	defaultSize = 32
)

const (
	defaultCount    = 10
	defaultInterval = 100 * time.Millisecond
	defaultTimeout  = time.Second
)

// Prober sends a burst of sequential UDP probes to a target's latency port.
// Probes are never retried: a probe with no matching reply within Timeout is
// a loss.
// Dialer opens the probe socket. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Prober struct {
	Count       int
	Interval    time.Duration
	Timeout     time.Duration
	MaxLoss     float64
	PayloadSize int
	Dialer      Dialer
	Logger      *logging.Logger
}

func (p Prober) withDefaults() Prober {
	if p.Count <= 0 {
		p.Count = defaultCount
	}
	if p.Interval < 0 {
		p.Interval = defaultInterval
	}
	if p.Timeout <= 0 {
		p.Timeout = defaultTimeout
	}
	if p.PayloadSize <= 0 {
		p.PayloadSize = defaultSize
	}
	if p.PayloadSize < headerSize {
		p.PayloadSize = headerSize
	}
	if p.PayloadSize > maxPayload {
		p.PayloadSize = maxPayload
	}
	if p.Dialer == nil {
		p.Dialer = &net.Dialer{}
	}
	if p.Logger == nil {
		p.Logger = logging.Discard()
	}
	return p
}

// Probe runs the burst and summarizes successful round trips. It fails with
// CONNECTION_FAILED when the socket cannot be opened, when every probe was
// lost, or when the loss ratio exceeds MaxLoss, and with CANCELLED when ctx
// ends first.
func (p Prober) Probe(ctx context.Context, target types.Target) (*types.LatencyResult, error) {
	p = p.withDefaults()

	conn, err := p.Dialer.DialContext(ctx, "udp", target.LatencyAddr())
	if err != nil {
		if ctx.Err() != nil {
			return nil, pkgerrors.ErrCancelled("latency probe cancelled")
		}
		return nil, pkgerrors.ErrConnectionFailed("open probe socket", err)
	}
	defer conn.Close()

	// Unblock a pending read as soon as ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	packet := make([]byte, p.PayloadSize)
	buf := make([]byte, maxPayload)
	rtts := make([]time.Duration, 0, p.Count)
	lost := 0

	for seq := uint32(0); int(seq) < p.Count; seq++ {
		if seq > 0 && p.Interval > 0 {
			if err := sleep(ctx, p.Interval); err != nil {
				return nil, pkgerrors.ErrCancelled("latency probe cancelled")
			}
		}
		if ctx.Err() != nil {
			return nil, pkgerrors.ErrCancelled("latency probe cancelled")
		}

		rtt, ok, err := p.roundTrip(ctx, conn, packet, buf, seq)
		if err != nil {
			return nil, err
		}
		if !ok {
			lost++
			p.Logger.Debug("probe lost",
				logging.F("target", target.ID()),
				logging.F("seq", seq))
			continue
		}
		rtts = append(rtts, rtt)
	}

	if len(rtts) == 0 {
		return nil, pkgerrors.ErrConnectionFailed(
			fmt.Sprintf("all %d probes lost", p.Count), nil)
	}

	result := metrics.CalculateLatency(rtts)
	result.Probes = p.Count
	result.Lost = lost
	result.LossRatio = float64(lost) / float64(p.Count)

	if result.LossRatio > p.MaxLoss {
		return nil, pkgerrors.ErrConnectionFailed(
			fmt.Sprintf("probe loss %.0f%% exceeds %.0f%%", result.LossRatio*100, p.MaxLoss*100), nil)
	}
	return &result, nil
}

// roundTrip sends one probe and waits for its echo. ok is false on loss; err
// is set only when ctx ended.
func (p Prober) roundTrip(ctx context.Context, conn net.Conn, packet, buf []byte, seq uint32) (time.Duration, bool, error) {
	sent := time.Now()
	packet[0] = probeMagic
	binary.BigEndian.PutUint32(packet[1:5], seq)
	binary.BigEndian.PutUint64(packet[5:13], uint64(sent.UnixNano()))

	if _, err := conn.Write(packet); err != nil {
		if ctx.Err() != nil {
			return 0, false, pkgerrors.ErrCancelled("latency probe cancelled")
		}
		return 0, false, nil
	}

	_ = conn.SetReadDeadline(sent.Add(p.Timeout))
	// The AfterFunc may have fired before the deadline above replaced its own.
	if ctx.Err() != nil {
		return 0, false, pkgerrors.ErrCancelled("latency probe cancelled")
	}

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return 0, false, pkgerrors.ErrCancelled("latency probe cancelled")
			}
			// Timeouts, refused and unreachable all count as a loss.
			return 0, false, nil
		}
		if n < headerSize || buf[0] != probeMagic {
			continue
		}
		if binary.BigEndian.Uint32(buf[1:5]) != seq {
			continue
		}
		return time.Since(sent), true, nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
