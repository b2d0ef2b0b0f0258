package latency

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/types"
)

// startEcho runs a UDP responder on loopback. reply decides, per received
// probe, which datagrams to send back.
func startEcho(t *testing.T, reply func(seq uint32, pkt []byte) [][]byte) types.Target {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pkt := append([]byte(nil), buf[:n]...)
			seq := binary.BigEndian.Uint32(pkt[1:5])
			for _, out := range reply(seq, pkt) {
				_, _ = conn.WriteToUDP(out, addr)
			}
		}
	}()

	port := conn.LocalAddr().(*net.UDPAddr).Port
	return types.Target{Host: "127.0.0.1", DataPort: port, LatencyPort: port}
}

func echo(_ uint32, pkt []byte) [][]byte { return [][]byte{pkt} }

func TestProbeAllSucceed(t *testing.T) {
	target := startEcho(t, echo)
	p := Prober{Count: 5, Interval: 5 * time.Millisecond, Timeout: time.Second}

	got, err := p.Probe(context.Background(), target)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got.Probes != 5 || got.Lost != 0 || got.LossRatio != 0 {
		t.Fatalf("unexpected counts: %+v", got)
	}
	if got.MinMs > got.AvgMs || got.AvgMs > got.MaxMs {
		t.Fatalf("min/avg/max out of order: %+v", got)
	}
	if got.JitterMs < 0 {
		t.Fatalf("negative jitter: %v", got.JitterMs)
	}
}

func TestProbeLossWithinTolerance(t *testing.T) {
	target := startEcho(t, func(seq uint32, pkt []byte) [][]byte {
		if seq%2 == 1 {
			return nil
		}
		return [][]byte{pkt}
	})
	p := Prober{Count: 4, Timeout: 50 * time.Millisecond, MaxLoss: 0.5}

	got, err := p.Probe(context.Background(), target)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got.Lost != 2 || got.LossRatio != 0.5 {
		t.Fatalf("loss = %d (%v), want 2 (0.5)", got.Lost, got.LossRatio)
	}
}

func TestProbeLossAboveTolerance(t *testing.T) {
	target := startEcho(t, func(seq uint32, pkt []byte) [][]byte {
		if seq == 0 {
			return [][]byte{pkt}
		}
		return nil
	})
	p := Prober{Count: 4, Timeout: 50 * time.Millisecond, MaxLoss: 0.5}

	_, err := p.Probe(context.Background(), target)
	if pkgerrors.CodeOf(err) != pkgerrors.ErrCodeConnectionFailed {
		t.Fatalf("expected CONNECTION_FAILED, got %v", err)
	}
}

func TestProbeIgnoresStaleAndForeignReplies(t *testing.T) {
	target := startEcho(t, func(seq uint32, pkt []byte) [][]byte {
		stale := append([]byte(nil), pkt...)
		binary.BigEndian.PutUint32(stale[1:5], seq+100)
		foreign := []byte("hello")
		return [][]byte{stale, foreign, pkt}
	})
	p := Prober{Count: 3, Timeout: time.Second}

	got, err := p.Probe(context.Background(), target)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got.Lost != 0 {
		t.Fatalf("stale replies must not count, lost=%d", got.Lost)
	}
}

func TestProbeNoResponder(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()

	target := types.Target{Host: "127.0.0.1", DataPort: port, LatencyPort: port}
	p := Prober{Count: 2, Timeout: 50 * time.Millisecond, MaxLoss: 1}

	_, err = p.Probe(context.Background(), target)
	if !errors.Is(err, pkgerrors.ErrConnectionFailedKind) {
		t.Fatalf("expected CONNECTION_FAILED, got %v", err)
	}
}

func TestProbeCancelled(t *testing.T) {
	target := startEcho(t, func(uint32, []byte) [][]byte { return nil })
	p := Prober{Count: 10, Timeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := p.Probe(ctx, target)
	if pkgerrors.CodeOf(err) != pkgerrors.ErrCodeCancelled {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancellation not observed mid-wait: %s", elapsed)
	}
}

func TestWithDefaultsClampsPayload(t *testing.T) {
	p := Prober{PayloadSize: 4}.withDefaults()
	if p.PayloadSize != headerSize {
		t.Fatalf("PayloadSize = %d, want %d", p.PayloadSize, headerSize)
	}
	p = Prober{PayloadSize: 1 << 20}.withDefaults()
	if p.PayloadSize != maxPayload {
		t.Fatalf("PayloadSize = %d, want %d", p.PayloadSize, maxPayload)
	}
	if p.Count != defaultCount || p.Timeout != defaultTimeout {
		t.Fatalf("defaults not applied: %+v", p)
	}
}
