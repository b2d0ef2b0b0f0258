package route

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/types"
)

// Client asks a peer to trace the route back to this host.
type Client struct {
	HandshakeTimeout time.Duration
}

// LookupRoute connects to the peer's route port and collects the trace. Any
// failure is reported as ROUTE_UNAVAILABLE, or CANCELLED when ctx ended.
func (c *Client) LookupRoute(ctx context.Context, target types.Target, port int) (*types.RouteInfo, error) {
	timeout := c.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(target.Host, strconv.Itoa(port)),
		Path:   Path,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pkgerrors.ErrCancelled("route lookup cancelled")
		}
		return nil, pkgerrors.ErrRouteUnavailable("connect to "+u.Host, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	info := &types.RouteInfo{Hops: []types.Hop{}}
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil, pkgerrors.ErrCancelled("route lookup cancelled")
			}
			return nil, pkgerrors.ErrRouteUnavailable("read route", err)
		}

		switch msg.Type {
		case msgClient:
			info.ClientIP = msg.ClientIP
		case msgHop:
			if msg.Hop != nil {
				info.Hops = append(info.Hops, *msg.Hop)
			}
		case msgDone:
			if msg.Route != nil {
				if msg.Route.ClientIP == "" {
					msg.Route.ClientIP = info.ClientIP
				}
				return msg.Route, nil
			}
			return info, nil
		case msgError:
			return nil, pkgerrors.ErrRouteUnavailable("peer trace failed: "+msg.Error, nil)
		}
	}
}
