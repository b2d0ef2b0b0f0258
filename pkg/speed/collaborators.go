package speed

import (
	"context"
	"net"

	"github.com/saveenergy/speedkit/pkg/types"
)

// GeoRequest asks for the client's location. ClientIP is the address a
// target saw the client connect from, when a route lookup found one.
type GeoRequest struct {
	Accuracy float64
	ClientIP string
}

type GeoLocator interface {
	Locate(ctx context.Context, req GeoRequest) (*types.GeoLocation, error)
}

// RouteLookup asks a target to trace the path back to the client, using the
// target's route-to-client port.
type RouteLookup interface {
	LookupRoute(ctx context.Context, target types.Target, port int) (*types.RouteInfo, error)
}

// Dialer opens connections to targets. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
