package route

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saveenergy/speedkit/internal/logging"
	"github.com/saveenergy/speedkit/pkg/types"
)

// Path is where the peer serves route lookups.
const Path = "/route"

// Messages sent from the peer to the client, in order: one "client", zero
// or more "hop", then exactly one of "done" or "error".
const (
	msgClient = "client"
	msgHop    = "hop"
	msgDone   = "done"
	msgError  = "error"
)

type message struct {
	Type     string           `json:"type"`
	ClientIP string           `json:"client_ip,omitempty"`
	Hop      *types.Hop       `json:"hop,omitempty"`
	Route    *types.RouteInfo `json:"route,omitempty"`
	Error    string           `json:"error,omitempty"`
	Time     int64            `json:"time"`
}

// Handler upgrades the request to a websocket and traces the path back to
// the connecting client, streaming hops as they are discovered.
type Handler struct {
	tracer   Tracer
	timeout  time.Duration
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

func NewHandler(tracer Tracer, timeout time.Duration, logger *logging.Logger) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		tracer:  tracer,
		timeout: timeout,
		upgrader: websocket.Upgrader{
			// Route lookups come from measurement clients, not browsers.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("route upgrade failed", logging.F("error", err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(4096)

	clientIP := remoteIP(r.RemoteAddr)
	if err := conn.WriteJSON(message{Type: msgClient, ClientIP: clientIP, Time: time.Now().Unix()}); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	// The client never sends; a read error means it went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	info := &types.RouteInfo{ClientIP: clientIP, Hops: []types.Hop{}}
	complete, err := h.tracer.Trace(ctx, net.ParseIP(clientIP), func(hop types.Hop) {
		info.Hops = append(info.Hops, hop)
		_ = conn.WriteJSON(message{Type: msgHop, Hop: &hop, Time: time.Now().Unix()})
	})
	if err != nil {
		h.logger.Debug("route trace failed",
			logging.F("client", clientIP),
			logging.F("error", err))
		_ = conn.WriteJSON(message{Type: msgError, Error: err.Error(), Time: time.Now().Unix()})
		return
	}
	info.Complete = complete

	h.logger.Debug("route traced",
		logging.F("client", clientIP),
		logging.F("hops", len(info.Hops)),
		logging.F("complete", complete))
	_ = conn.WriteJSON(message{Type: msgDone, Route: info, Time: time.Now().Unix()})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
