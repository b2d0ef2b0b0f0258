package route

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/types"
)

type fakeTracer struct {
	hops     []types.Hop
	complete bool
	err      error
	gotDst   net.IP
}

func (f *fakeTracer) Trace(ctx context.Context, dst net.IP, onHop func(types.Hop)) (bool, error) {
	f.gotDst = dst
	for _, h := range f.hops {
		onHop(h)
	}
	return f.complete, f.err
}

func startRouteServer(t *testing.T, tracer Tracer) (types.Target, int) {
	t.Helper()
	srv := httptest.NewServer(NewHandler(tracer, 5*time.Second, nil))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return types.Target{Host: u.Hostname(), DataPort: 1, LatencyPort: 1}, port
}

func TestLookupRoute(t *testing.T) {
	tracer := &fakeTracer{
		hops: []types.Hop{
			{TTL: 1, Addr: "10.0.0.1", RTTMs: 1.5},
			{TTL: 2},
			{TTL: 3, Addr: "127.0.0.1", RTTMs: 3.25},
		},
		complete: true,
	}
	target, port := startRouteServer(t, tracer)

	c := &Client{}
	info, err := c.LookupRoute(context.Background(), target, port)
	if err != nil {
		t.Fatalf("LookupRoute: %v", err)
	}
	if info.ClientIP != "127.0.0.1" {
		t.Fatalf("ClientIP = %q", info.ClientIP)
	}
	if !info.Complete || len(info.Hops) != 3 {
		t.Fatalf("unexpected route: %+v", info)
	}
	if info.Hops[2].Addr != "127.0.0.1" || info.Hops[1].Addr != "" {
		t.Fatalf("hops = %+v", info.Hops)
	}
	if !tracer.gotDst.Equal(net.ParseIP("127.0.0.1")) {
		t.Fatalf("trace destination = %v", tracer.gotDst)
	}
}

func TestLookupRouteTraceError(t *testing.T) {
	target, port := startRouteServer(t, &fakeTracer{err: errors.New("operation not permitted")})

	_, err := (&Client{}).LookupRoute(context.Background(), target, port)
	if !errors.Is(err, pkgerrors.ErrRouteUnavailableKind) {
		t.Fatalf("expected ROUTE_UNAVAILABLE, got %v", err)
	}
}

func TestLookupRouteRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	target := types.Target{Host: "127.0.0.1", DataPort: 1, LatencyPort: 1}
	_, err = (&Client{HandshakeTimeout: time.Second}).LookupRoute(context.Background(), target, port)
	if pkgerrors.CodeOf(err) != pkgerrors.ErrCodeRouteUnavailable {
		t.Fatalf("expected ROUTE_UNAVAILABLE, got %v", err)
	}
}

func echoHeader(id, seq int) []byte {
	b := make([]byte, 8)
	b[0] = 8
	binary.BigEndian.PutUint16(b[4:6], uint16(id))
	binary.BigEndian.PutUint16(b[6:8], uint16(seq))
	return b
}

func TestMatchReply(t *testing.T) {
	reply, err := (&icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: 7, Seq: 3, Data: []byte("speedkit")},
	}).Marshal(nil)
	if err != nil {
		t.Fatalf("marshal echo reply: %v", err)
	}

	quoted := make([]byte, ipv4.HeaderLen)
	quoted[0] = 0x45
	quoted = append(quoted, echoHeader(7, 3)...)
	exceeded, err := (&icmp.Message{
		Type: ipv4.ICMPTypeTimeExceeded,
		Body: &icmp.TimeExceeded{Data: quoted},
	}).Marshal(nil)
	if err != nil {
		t.Fatalf("marshal time exceeded: %v", err)
	}

	tests := []struct {
		name string
		msg  []byte
		id   int
		seq  int
		want replyKind
	}{
		{"echo reply matches", reply, 7, 3, replyDestination},
		{"echo reply other seq", reply, 7, 4, replyNone},
		{"time exceeded matches", exceeded, 7, 3, replyHop},
		{"time exceeded other id", exceeded, 8, 3, replyNone},
		{"garbage", []byte{1, 2}, 7, 3, replyNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchReply(1, tt.msg, tt.id, tt.seq); got != tt.want {
				t.Fatalf("matchReply = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuotedEchoShortData(t *testing.T) {
	if _, _, ok := quotedEcho(1, []byte{0x45, 0, 0}); ok {
		t.Fatal("short ipv4 quote accepted")
	}
	if _, _, ok := quotedEcho(58, make([]byte, 20)); ok {
		t.Fatal("short ipv6 quote accepted")
	}
}
