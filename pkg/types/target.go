package types

import (
	"net"
	"strconv"
)

// Target is one candidate measurement endpoint. DataPort carries the
// download/upload streams, LatencyPort the UDP probes; they may differ.
type Target struct {
	Host        string `json:"host"`
	DataPort    int    `json:"data_port"`
	LatencyPort int    `json:"latency_port"`
	TLS         bool   `json:"tls"`
}

// ID identifies the target in results and logs. Two targets on the same host
// with different data ports are distinct.
func (t Target) ID() string {
	return t.DataAddr()
}

func (t Target) DataAddr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.DataPort))
}

func (t Target) LatencyAddr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.LatencyPort))
}

func (t Target) String() string {
	if t.TLS {
		return t.DataAddr() + " (tls)"
	}
	return t.DataAddr()
}
