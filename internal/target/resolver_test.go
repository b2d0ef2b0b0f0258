package target

import (
	"errors"
	"testing"

	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/types"
)

var defaults = Defaults{DataPort: 8081, LatencyPort: 8082}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		d       Defaults
		want    types.Target
		wantErr bool
	}{
		{
			name:  "bare host takes default ports",
			entry: "speed.example.net",
			d:     defaults,
			want:  types.Target{Host: "speed.example.net", DataPort: 8081, LatencyPort: 8082},
		},
		{
			name:  "explicit port",
			entry: "speed.example.net:9000",
			d:     defaults,
			want:  types.Target{Host: "speed.example.net", DataPort: 9000, LatencyPort: 8082},
		},
		{
			name:  "latency port falls back to data port",
			entry: "10.0.0.1:9000",
			d:     Defaults{DataPort: 8081},
			want:  types.Target{Host: "10.0.0.1", DataPort: 9000, LatencyPort: 9000},
		},
		{
			name:  "bracketed ipv6 with port",
			entry: "[::1]:9000",
			d:     defaults,
			want:  types.Target{Host: "::1", DataPort: 9000, LatencyPort: 8082},
		},
		{
			name:  "bare ipv6",
			entry: "2001:db8::1",
			d:     defaults,
			want:  types.Target{Host: "2001:db8::1", DataPort: 8081, LatencyPort: 8082},
		},
		{
			name:  "unicode host is punycoded",
			entry: "Bücher.example",
			d:     Defaults{DataPort: 1, TLS: true},
			want:  types.Target{Host: "xn--bcher-kva.example", DataPort: 1, LatencyPort: 1, TLS: true},
		},
		{name: "empty", entry: "  ", d: defaults, wantErr: true},
		{name: "space in host", entry: "bad host", d: defaults, wantErr: true},
		{name: "port zero", entry: "a.example:0", d: defaults, wantErr: true},
		{name: "port not numeric", entry: "a.example:http", d: defaults, wantErr: true},
		{name: "port too large", entry: "a.example:70000", d: defaults, wantErr: true},
		{name: "no default port", entry: "a.example", d: Defaults{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.entry, tt.d)
			if tt.wantErr {
				if !errors.Is(err, pkgerrors.ErrInvalidConfigKind) {
					t.Fatalf("expected CONFIG_INVALID, got %v (%+v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Parse = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolverOrderSkipsAndNeverRevisits(t *testing.T) {
	r := NewResolver([]string{
		"a.example",
		"bad host",
		"b.example:9000",
		"a.example",
		"c.example",
	}, defaults)

	if r.Remaining() != 5 {
		t.Fatalf("Remaining = %d", r.Remaining())
	}

	var hosts []string
	for {
		tgt, ok := r.Next()
		if !ok {
			break
		}
		hosts = append(hosts, tgt.Host)
	}

	want := []string{"a.example", "b.example", "c.example"}
	if len(hosts) != len(want) {
		t.Fatalf("hosts = %v, want %v", hosts, want)
	}
	for i := range want {
		if hosts[i] != want[i] {
			t.Fatalf("hosts = %v, want %v", hosts, want)
		}
	}
	if r.Visited() != 3 {
		t.Fatalf("Visited = %d", r.Visited())
	}
	if r.Remaining() != 0 {
		t.Fatalf("Remaining = %d", r.Remaining())
	}
	skipped := r.Skipped()
	if len(skipped) != 1 || pkgerrors.CodeOf(skipped[0]) != pkgerrors.ErrCodeInvalidConfig {
		t.Fatalf("Skipped = %v", skipped)
	}
	if _, ok := r.Next(); ok {
		t.Fatal("exhausted resolver returned a target")
	}
}

func TestResolverDoesNotAliasInput(t *testing.T) {
	entries := []string{"a.example"}
	r := NewResolver(entries, defaults)
	entries[0] = "changed.example"
	tgt, ok := r.Next()
	if !ok || tgt.Host != "a.example" {
		t.Fatalf("Next = %+v, %v", tgt, ok)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(nil, defaults); pkgerrors.CodeOf(err) != pkgerrors.ErrCodeInvalidConfig {
		t.Fatalf("empty list: %v", err)
	}
	if err := Validate([]string{"bad host"}, defaults); pkgerrors.CodeOf(err) != pkgerrors.ErrCodeInvalidConfig {
		t.Fatalf("all invalid: %v", err)
	}
	if err := Validate([]string{"bad host", "ok.example"}, defaults); err != nil {
		t.Fatalf("one valid entry should pass: %v", err)
	}
}
