package peer

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/saveenergy/speedkit/internal/config"
	"github.com/saveenergy/speedkit/pkg/types"
)

type stubTracer struct{}

func (stubTracer) Trace(_ context.Context, dst net.IP, onHop func(types.Hop)) (bool, error) {
	onHop(types.Hop{TTL: 1, Addr: dst.String(), RTTMs: 0.1})
	return true, nil
}

func testConfig(t *testing.T) *config.PeerConfig {
	t.Helper()
	cfg := config.DefaultPeerConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.DataPort = 0
	cfg.LatencyPort = 0
	cfg.RoutePort = 0
	cfg.CertDir = t.TempDir()
	return cfg
}

func startPeer(t *testing.T, cfg *config.PeerConfig) *Server {
	t.Helper()
	s, err := New(cfg, stubTracer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func TestDownloadStreamsData(t *testing.T) {
	s := startPeer(t, testConfig(t))

	conn, err := net.DialTimeout("tcp", addr(s.DataPort()), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{'D'}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64*1024)
	n, err := io.ReadAtLeast(conn, buf, 32*1024)
	if err != nil || n < 32*1024 {
		t.Fatalf("read %d bytes: %v", n, err)
	}
}

func TestUploadAcceptsData(t *testing.T) {
	s := startPeer(t, testConfig(t))

	conn, err := net.DialTimeout("tcp", addr(s.DataPort()), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := make([]byte, 64*1024)
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte{'U'}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	for i := 0; i < 16; i++ {
		if _, err := conn.Write(payload); err != nil {
			t.Fatalf("write payload: %v", err)
		}
	}
}

func TestUnknownCommandClosesConnection(t *testing.T) {
	s := startPeer(t, testConfig(t))

	conn, err := net.DialTimeout("tcp", addr(s.DataPort()), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte{'X'})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestProbeEcho(t *testing.T) {
	s := startPeer(t, testConfig(t))

	conn, err := net.Dial("udp", addr(s.LatencyPort()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("not a probe")); err != nil {
		t.Fatalf("write: %v", err)
	}
	probe := []byte{'P', 0, 0, 0, 9, 1, 2, 3, 4, 5, 6, 7, 8}
	if _, err := conn.Write(probe); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != string(probe) {
		t.Fatalf("echo = %v, want %v", buf[:n], probe)
	}
}

func TestTLSDataPort(t *testing.T) {
	cfg := testConfig(t)
	cfg.TLS = true
	s := startPeer(t, cfg)

	conn, err := tls.Dial("tcp", addr(s.DataPort()), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{'D'}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAtLeast(conn, make([]byte, 4096), 1024); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestSelfSignedCertIsReused(t *testing.T) {
	cfg := testConfig(t)
	first, err := TLSConfig(cfg)
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}
	second, err := TLSConfig(cfg)
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}
	if string(first.Certificates[0].Certificate[0]) != string(second.Certificates[0].Certificate[0]) {
		t.Fatal("certificate regenerated instead of reused")
	}
}

func TestRoutePortHealth(t *testing.T) {
	s := startPeer(t, testConfig(t))
	if s.RoutePort() == 0 {
		t.Fatal("route port not bound")
	}
	resp, err := http.Get("http://" + addr(s.RoutePort()) + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRouteDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.RouteEnabled = false
	s := startPeer(t, cfg)
	if s.RoutePort() != 0 {
		t.Fatalf("RoutePort = %d, want 0", s.RoutePort())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 0
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected validation error")
	}
}
