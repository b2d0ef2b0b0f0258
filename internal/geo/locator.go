package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/saveenergy/speedkit/internal/logging"
	pkgerrors "github.com/saveenergy/speedkit/pkg/errors"
	"github.com/saveenergy/speedkit/pkg/speed"
	"github.com/saveenergy/speedkit/pkg/types"
)

// Source is reported in GeoLocation.Source for database lookups.
const Source = "geoip2"

// Common install locations of the GeoLite2 databases.
var (
	DefaultCityPaths = []string{
		"/usr/share/GeoIP/GeoLite2-City.mmdb",
		"/usr/local/share/GeoIP/GeoLite2-City.mmdb",
		"/var/lib/GeoIP/GeoLite2-City.mmdb",
	}
	DefaultASNPaths = []string{
		"/usr/share/GeoIP/GeoLite2-ASN.mmdb",
		"/usr/local/share/GeoIP/GeoLite2-ASN.mmdb",
		"/var/lib/GeoIP/GeoLite2-ASN.mmdb",
	}
)

type cityDB interface {
	City(net.IP) (*geoip2.City, error)
	Close() error
}

type asnDB interface {
	ASN(net.IP) (*geoip2.ASN, error)
	Close() error
}

// Locator resolves the client's location from a MaxMind City database and,
// when available, its network from an ASN database. It implements
// speed.GeoLocator.
type Locator struct {
	city   cityDB
	asn    asnDB
	logger *logging.Logger

	// localIP is swapped in tests.
	localIP func() string
}

var _ speed.GeoLocator = (*Locator)(nil)

// Open opens the City database at cityPath and the optional ASN database at
// asnPath. Empty paths try the default locations.
func Open(cityPath, asnPath string) (*Locator, error) {
	city, path, err := openFirst(cityPath, DefaultCityPaths)
	if err != nil {
		return nil, pkgerrors.ErrLocationUnavailable("open city database", err)
	}
	l := &Locator{city: city, logger: logging.NewLogger("geo"), localIP: types.LocalIP}
	l.logger.Debug("city database opened", logging.F("path", path))

	if asn, path, err := openFirst(asnPath, DefaultASNPaths); err == nil {
		l.asn = asn
		l.logger.Debug("asn database opened", logging.F("path", path))
	} else if asnPath != "" {
		city.Close()
		return nil, pkgerrors.ErrLocationUnavailable("open asn database", err)
	}
	return l, nil
}

func openFirst(path string, defaults []string) (*geoip2.Reader, string, error) {
	if path != "" {
		db, err := geoip2.Open(path)
		return db, path, err
	}
	for _, p := range defaults {
		if db, err := geoip2.Open(p); err == nil {
			return db, p, nil
		}
	}
	return nil, "", fmt.Errorf("no database found in %v", defaults)
}

func (l *Locator) Close() error {
	var err error
	if l.asn != nil {
		err = l.asn.Close()
	}
	if cerr := l.city.Close(); cerr != nil {
		err = cerr
	}
	return err
}

// Locate looks up the client IP from req, falling back to the first local
// interface address. Only public addresses are looked up. The database
// accuracy radius is reported as is; it is not clamped to req.Accuracy.
func (l *Locator) Locate(ctx context.Context, req speed.GeoRequest) (*types.GeoLocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.ErrCancelled("geolocation cancelled")
	}

	ipStr := ""
	for _, candidate := range []string{req.ClientIP, l.local()} {
		if types.IsPublicIP(candidate) {
			ipStr = types.StripHostPort(candidate)
			break
		}
	}
	if ipStr == "" {
		return nil, pkgerrors.ErrLocationUnavailable("no public client address to look up", nil)
	}
	ip := net.ParseIP(ipStr)

	rec, err := l.city.City(ip)
	if err != nil {
		return nil, pkgerrors.ErrLocationUnavailable("city lookup for "+ipStr, err)
	}
	if rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		return nil, pkgerrors.ErrLocationUnavailable("no location recorded for "+ipStr, nil)
	}

	loc := &types.GeoLocation{
		Latitude:          rec.Location.Latitude,
		Longitude:         rec.Location.Longitude,
		AccuracyMeters:    float64(rec.Location.AccuracyRadius) * 1000,
		RequestedAccuracy: req.Accuracy,
		Country:           rec.Country.IsoCode,
		City:              rec.City.Names["en"],
		IP:                ipStr,
		Source:            Source,
	}

	if l.asn != nil {
		if a, err := l.asn.ASN(ip); err == nil && a != nil {
			loc.ASN = a.AutonomousSystemNumber
			loc.Organization = a.AutonomousSystemOrganization
		} else if err != nil {
			l.logger.Debug("asn lookup failed", logging.F("ip", ipStr), logging.F("error", err))
		}
	}

	if req.Accuracy > 0 && loc.AccuracyMeters > req.Accuracy {
		l.logger.Debug("location coarser than requested",
			logging.F("accuracy_m", loc.AccuracyMeters),
			logging.F("requested_m", req.Accuracy))
	}
	return loc, nil
}

func (l *Locator) local() string {
	if l.localIP == nil {
		return ""
	}
	return l.localIP()
}
