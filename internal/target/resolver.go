package target

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/types"
)

// Defaults fill in whatever a target entry leaves out.
type Defaults struct {
	DataPort    int
	LatencyPort int
	TLS         bool
}

// Parse turns one configured entry ("host", "host:port" or "[v6]:port") into
// a Target. Hostnames are normalized to their ASCII form.
func Parse(entry string, d Defaults) (types.Target, error) {
	raw := strings.TrimSpace(entry)
	if raw == "" {
		return types.Target{}, pkgerrors.ErrInvalidConfig("empty target entry", nil)
	}

	host, port := raw, d.DataPort
	if h, p, err := net.SplitHostPort(raw); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return types.Target{}, pkgerrors.ErrInvalidConfig(
				fmt.Sprintf("target %q: invalid port %q", entry, p), err)
		}
		host, port = h, n
	} else {
		host = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	}

	host, err := normalizeHost(host)
	if err != nil {
		return types.Target{}, pkgerrors.ErrInvalidConfig(
			fmt.Sprintf("target %q: invalid host", entry), err)
	}
	if !validPort(port) {
		return types.Target{}, pkgerrors.ErrInvalidConfig(
			fmt.Sprintf("target %q: port %d out of range", entry, port), nil)
	}

	latencyPort := d.LatencyPort
	if latencyPort == 0 {
		latencyPort = port
	}
	if !validPort(latencyPort) {
		return types.Target{}, pkgerrors.ErrInvalidConfig(
			fmt.Sprintf("target %q: latency port %d out of range", entry, latencyPort), nil)
	}

	return types.Target{
		Host:        host,
		DataPort:    port,
		LatencyPort: latencyPort,
		TLS:         d.TLS,
	}, nil
}

func normalizeHost(host string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("empty host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// Resolver hands out configured targets in order. Each target is returned at
// most once; duplicates and invalid entries are skipped.
type Resolver struct {
	entries  []string
	defaults Defaults
	next     int
	visited  int
	seen     map[string]struct{}
	skipped  []error
}

func NewResolver(entries []string, d Defaults) *Resolver {
	cp := make([]string, len(entries))
	copy(cp, entries)
	return &Resolver{
		entries:  cp,
		defaults: d,
		seen:     make(map[string]struct{}),
	}
}

// Next returns the next unvisited valid target, or false when none remain.
func (r *Resolver) Next() (types.Target, bool) {
	for r.next < len(r.entries) {
		entry := r.entries[r.next]
		r.next++

		t, err := Parse(entry, r.defaults)
		if err != nil {
			r.skipped = append(r.skipped, err)
			continue
		}
		key := t.DataAddr()
		if _, dup := r.seen[key]; dup {
			continue
		}
		r.seen[key] = struct{}{}
		r.visited++
		return t, true
	}
	return types.Target{}, false
}

// Remaining is the number of entries not yet examined. Some of them may turn
// out to be invalid or duplicates.
func (r *Resolver) Remaining() int {
	return len(r.entries) - r.next
}

func (r *Resolver) Visited() int {
	return r.visited
}

// Skipped lists the CONFIG_INVALID errors for entries passed over so far.
func (r *Resolver) Skipped() []error {
	out := make([]error, len(r.skipped))
	copy(out, r.skipped)
	return out
}

// Validate reports whether at least one entry parses. It does not advance
// any resolver.
func Validate(entries []string, d Defaults) error {
	var firstErr error
	for _, e := range entries {
		_, err := Parse(e, d)
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		return pkgerrors.ErrInvalidConfig("no targets configured", nil)
	}
	return pkgerrors.ErrInvalidConfig("no valid target", firstErr)
}
