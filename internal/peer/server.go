package peer

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saveenergy/speedkit/internal/config"
	"github.com/saveenergy/speedkit/internal/logging"
	"github.com/saveenergy/speedkit/internal/route"
)

const (
	sendBufferSize = 256 * 1024
	recvBufferSize = 256 * 1024
	randomDataSize = 1024 * 1024

	probeMagic = 'P'
)

// Server is the measurement peer. The data port serves download ('D') and
// upload ('U') streams, the latency port echoes probe datagrams and the
// optional route port answers route-to-client lookups.
type Server struct {
	config         *config.PeerConfig
	tcpListener    net.Listener
	udpConn        *net.UDPConn
	routeListener  net.Listener
	httpServer     *http.Server
	activeTCPConns int64
	maxTCPConns    int64
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
	randomData     []byte
	recvPool       sync.Pool
	closeOnce      sync.Once
	logger         *logging.Logger
}

// New binds every port and starts serving. tracer may be nil, in which case
// an ICMP tracer built from cfg is used.
func New(cfg *config.PeerConfig, tracer route.Tracer) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid peer config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:      cfg,
		maxTCPConns: int64(cfg.MaxConnections),
		ctx:         ctx,
		cancel:      cancel,
		randomData:  make([]byte, randomDataSize),
		recvPool: sync.Pool{
			New: func() interface{} {
				return make([]byte, recvBufferSize)
			},
		},
		logger: logging.NewLogger("peer"),
	}

	if _, err := rand.Read(s.randomData); err != nil {
		cancel()
		return nil, fmt.Errorf("generate random data: %w", err)
	}

	if err := s.listen(tracer); err != nil {
		s.closeListeners()
		cancel()
		return nil, err
	}

	s.wg.Add(2)
	go s.acceptTCP()
	go s.handleUDP()

	if s.routeListener != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(s.routeListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Warn("Route server stopped", logging.F("error", err))
			}
		}()
	}

	fields := []logging.Field{
		logging.F("data", s.tcpListener.Addr().String()),
		logging.F("latency", s.udpConn.LocalAddr().String()),
		logging.F("tls", cfg.TLS),
	}
	if s.routeListener != nil {
		fields = append(fields, logging.F("route", s.routeListener.Addr().String()))
	}
	s.logger.Info("Peer started", fields...)

	return s, nil
}

func (s *Server) listen(tracer route.Tracer) error {
	cfg := s.config

	tcpListener, err := net.Listen("tcp", cfg.DataAddress())
	if err != nil {
		return fmt.Errorf("listen TCP: %w", err)
	}
	s.tcpListener = tcpListener
	if cfg.TLS {
		tlsCfg, err := TLSConfig(cfg)
		if err != nil {
			return err
		}
		s.tcpListener = tls.NewListener(tcpListener, tlsCfg)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.LatencyAddress())
	if err != nil {
		return fmt.Errorf("resolve UDP address: %w", err)
	}
	s.udpConn, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}

	if !cfg.RouteEnabled {
		return nil
	}
	if tracer == nil {
		tracer = route.ICMPTracer{MaxHops: cfg.RouteMaxHops, Timeout: cfg.RouteProbeTimeout}
	}
	s.routeListener, err = net.Listen("tcp", cfg.RouteAddress())
	if err != nil {
		return fmt.Errorf("listen route: %w", err)
	}
	mux := http.NewServeMux()
	var routeHandler http.Handler = route.NewHandler(tracer, time.Duration(cfg.RouteMaxHops+1)*cfg.RouteProbeTimeout, s.logger)
	if cfg.RouteTracesPerMinute > 0 {
		routeHandler = newTraceLimiter(cfg.RouteTracesPerMinute).middleware(routeHandler)
	}
	mux.Handle(route.Path, routeHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return nil
}

// DataPort, LatencyPort and RoutePort report the bound ports, which differ
// from the configured ones when those were zero. RoutePort is 0 when route
// lookups are disabled.
func (s *Server) DataPort() int {
	return s.tcpListener.Addr().(*net.TCPAddr).Port
}

func (s *Server) LatencyPort() int {
	return s.udpConn.LocalAddr().(*net.UDPAddr).Port
}

func (s *Server) RoutePort() int {
	if s.routeListener == nil {
		return 0
	}
	return s.routeListener.Addr().(*net.TCPAddr).Port
}

func (s *Server) acceptTCP() {
	defer s.wg.Done()

	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Warn("TCP accept error", logging.F("error", err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
			_ = tcpConn.SetReadBuffer(recvBufferSize)
			_ = tcpConn.SetWriteBuffer(sendBufferSize)
		}

		if v := atomic.AddInt64(&s.activeTCPConns, 1); v > s.maxTCPConns {
			atomic.AddInt64(&s.activeTCPConns, -1)
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleTCPConnection(conn)
	}
}

func (s *Server) handleTCPConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer atomic.AddInt64(&s.activeTCPConns, -1)

	// Hard duration cap so a client cannot hold a slot forever.
	connCtx, connCancel := context.WithTimeout(s.ctx, s.config.MaxConnDuration)
	defer connCancel()
	stop := context.AfterFunc(connCtx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	cmd := make([]byte, 1)
	if _, err := io.ReadFull(conn, cmd); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch cmd[0] {
	case 'D':
		s.handleDownload(connCtx, conn)
	case 'U':
		s.handleUpload(connCtx, conn)
	default:
		s.logger.Debug("unknown stream command",
			logging.F("command", cmd[0]),
			logging.F("remote", conn.RemoteAddr().String()))
	}
}

func (s *Server) handleDownload(ctx context.Context, conn net.Conn) {
	dataLen := len(s.randomData)
	offset := 0
	chunkSize := sendBufferSize
	if chunkSize > dataLen {
		chunkSize = dataLen
	}
	nextDeadline := time.Now().Add(1 * time.Second)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	for ctx.Err() == nil {
		if time.Now().After(nextDeadline) {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			nextDeadline = time.Now().Add(1 * time.Second)
		}
		end := offset + chunkSize
		if end > dataLen {
			end = dataLen
		}
		if _, err := conn.Write(s.randomData[offset:end]); err != nil {
			return
		}
		offset = end
		if offset == dataLen {
			offset = 0
		}
	}
}

func (s *Server) handleUpload(ctx context.Context, conn net.Conn) {
	buf := s.getRecvBuffer()
	defer s.recvPool.Put(buf)
	nextDeadline := time.Now().Add(1 * time.Second)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for ctx.Err() == nil {
		if time.Now().After(nextDeadline) {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			nextDeadline = time.Now().Add(1 * time.Second)
		}
		if _, err := conn.Read(buf); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && ctx.Err() == nil {
				continue
			}
			return
		}
	}
}

func (s *Server) handleUDP() {
	defer s.wg.Done()

	numReaders := runtime.GOMAXPROCS(0)
	if numReaders < 2 {
		numReaders = 2
	}
	if numReaders > 4 {
		numReaders = 4
	}

	var readersWg sync.WaitGroup
	for i := 0; i < numReaders; i++ {
		readersWg.Add(1)
		go s.udpReader(&readersWg)
	}
	readersWg.Wait()
}

// udpReader echoes probe datagrams back to their sender unchanged. Anything
// not starting with the probe magic is dropped.
func (s *Server) udpReader(wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, s.config.UDPBufferSize)

	for {
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Warn("UDP read error", logging.F("error", err))
			return
		}
		if n == 0 || buf[0] != probeMagic {
			continue
		}
		if _, err := s.udpConn.WriteToUDP(buf[:n], addr); err != nil {
			s.logger.Debug("UDP echo error", logging.F("error", err))
		}
	}
}

func (s *Server) getRecvBuffer() []byte {
	buf, ok := s.recvPool.Get().([]byte)
	if !ok || len(buf) != recvBufferSize {
		return make([]byte, recvBufferSize)
	}
	return buf
}

func (s *Server) closeListeners() {
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.routeListener != nil {
		s.routeListener.Close()
	}
}

// Close stops accepting, aborts open streams and waits for every handler.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.httpServer.Shutdown(ctx)
			cancel()
		}
		s.closeListeners()
		s.wg.Wait()
		s.logger.Info("Peer stopped")
	})
	return nil
}
