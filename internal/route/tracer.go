package route

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/saveenergy/speedkit/pkg/types"
)

// Tracer walks the path to dst one hop at a time. onHop is called in TTL
// order from the calling goroutine. complete reports whether dst answered.
type Tracer interface {
	Trace(ctx context.Context, dst net.IP, onHop func(types.Hop)) (complete bool, err error)
}

// ICMPTracer is a classic echo traceroute over a raw ICMP socket. It needs
// CAP_NET_RAW (or root) to open the socket.
type ICMPTracer struct {
	MaxHops int
	Timeout time.Duration
}

type replyKind int

const (
	replyNone replyKind = iota
	replyHop
	replyDestination
)

func (t ICMPTracer) Trace(ctx context.Context, dst net.IP, onHop func(types.Hop)) (bool, error) {
	if dst == nil {
		return false, fmt.Errorf("no destination address")
	}
	maxHops := t.MaxHops
	if maxHops <= 0 {
		maxHops = 30
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}

	isV4 := dst.To4() != nil
	network, listenAddr, proto := "ip4:icmp", "0.0.0.0", 1
	echoType := icmp.Type(ipv4.ICMPTypeEcho)
	if !isV4 {
		network, listenAddr, proto = "ip6:ipv6-icmp", "::", 58
		echoType = icmp.Type(ipv6.ICMPTypeEchoRequest)
	}

	conn, err := icmp.ListenPacket(network, listenAddr)
	if err != nil {
		return false, fmt.Errorf("open icmp socket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	id := rand.Intn(0xffff)
	buf := make([]byte, 1500)

	for ttl := 1; ttl <= maxHops; ttl++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if isV4 {
			err = conn.IPv4PacketConn().SetTTL(ttl)
		} else {
			err = conn.IPv6PacketConn().SetHopLimit(ttl)
		}
		if err != nil {
			return false, fmt.Errorf("set ttl %d: %w", ttl, err)
		}

		msg := icmp.Message{
			Type: echoType,
			Code: 0,
			Body: &icmp.Echo{ID: id, Seq: ttl, Data: []byte("speedkit")},
		}
		payload, err := msg.Marshal(nil)
		if err != nil {
			return false, fmt.Errorf("marshal echo: %w", err)
		}

		start := time.Now()
		if _, err := conn.WriteTo(payload, &net.IPAddr{IP: dst}); err != nil {
			return false, fmt.Errorf("send probe ttl %d: %w", ttl, err)
		}
		_ = conn.SetReadDeadline(start.Add(timeout))
		if err := ctx.Err(); err != nil {
			return false, err
		}

		hop := types.Hop{TTL: ttl}
		kind := replyNone
		for kind == replyNone {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					break
				}
				return false, fmt.Errorf("read reply: %w", err)
			}
			kind = matchReply(proto, buf[:n], id, ttl)
			if kind != replyNone {
				hop.RTTMs = float64(time.Since(start).Microseconds()) / 1000.0
				if ipAddr, ok := from.(*net.IPAddr); ok {
					hop.Addr = ipAddr.IP.String()
				}
			}
		}

		onHop(hop)
		if kind == replyDestination {
			return true, nil
		}
	}
	return false, nil
}

// matchReply classifies an ICMP message as the echo reply or the
// time-exceeded error belonging to probe (id, seq).
func matchReply(proto int, b []byte, id, seq int) replyKind {
	parsed, err := icmp.ParseMessage(proto, b)
	if err != nil {
		return replyNone
	}

	switch parsed.Type {
	case ipv4.ICMPTypeEchoReply, ipv6.ICMPTypeEchoReply:
		echo, ok := parsed.Body.(*icmp.Echo)
		if ok && echo.ID == id && echo.Seq == seq {
			return replyDestination
		}
	case ipv4.ICMPTypeTimeExceeded, ipv6.ICMPTypeTimeExceeded:
		te, ok := parsed.Body.(*icmp.TimeExceeded)
		if !ok {
			return replyNone
		}
		gotID, gotSeq, ok := quotedEcho(proto, te.Data)
		if ok && gotID == id && gotSeq == seq {
			return replyHop
		}
	}
	return replyNone
}

// quotedEcho extracts the echo ID and sequence from the original datagram
// quoted inside an ICMP error.
func quotedEcho(proto int, data []byte) (int, int, bool) {
	offset := ipv6.HeaderLen
	if proto == 1 {
		if len(data) < ipv4.HeaderLen {
			return 0, 0, false
		}
		offset = int(data[0]&0x0f) * 4
	}
	if len(data) < offset+8 {
		return 0, 0, false
	}
	hdr := data[offset:]
	return int(binary.BigEndian.Uint16(hdr[4:6])), int(binary.BigEndian.Uint16(hdr[6:8])), true
}
