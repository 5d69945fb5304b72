// Package enrich infers geo and device attributes from the network address
// and user-agent of inbound tracking requests.
package enrich

import (
	"net"

	"github.com/mileusna/useragent"
	"github.com/oschwald/geoip2-golang"
)

// Geo holds the location attributes resolved from a caller's address. Fields
// are empty when the address could not be resolved.
type Geo struct {
	Country string
	Region  string
	City    string
}

// Device holds attributes parsed from a User-Agent header.
type Device struct {
	Type           string
	Browser        string
	BrowserVersion string
	OS             string
	OSVersion      string
}

// Resolver maps a network address to a Geo and a user-agent string to a
// Device. Implementations must be safe for concurrent use.
type Resolver interface {
	Geo(ip string) Geo
	Device(userAgent string) Device
}

type resolver struct {
	reader *geoip2.Reader
}

// New returns a Resolver backed by a MaxMind city database. An empty dbPath
// disables geo lookups; device parsing still works and Geo returns the
// zero value for every address.
func New(dbPath string) (Resolver, error) {
	if dbPath == "" {
		return &resolver{}, nil
	}

	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, err
	}

	return &resolver{reader: reader}, nil
}

func (r *resolver) Geo(ip string) Geo {
	if r.reader == nil {
		return Geo{}
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Geo{}
	}

	record, err := r.reader.City(parsed)
	if err != nil {
		return Geo{}
	}

	geo := Geo{
		Country: record.Country.IsoCode,
		City:    record.City.Names["en"],
	}
	if len(record.Subdivisions) > 0 {
		geo.Region = record.Subdivisions[0].IsoCode
	}

	return geo
}

func (r *resolver) Device(ua string) Device {
	if ua == "" {
		return Device{Type: "desktop"}
	}

	parsed := useragent.Parse(ua)

	dev := Device{
		Browser:        parsed.Name,
		BrowserVersion: parsed.Version,
		OS:             parsed.OS,
		OSVersion:      parsed.OSVersion,
	}

	switch {
	case parsed.Bot:
		dev.Type = "bot"
	case parsed.Mobile:
		dev.Type = "mobile"
	case parsed.Tablet:
		dev.Type = "tablet"
	default:
		dev.Type = "desktop"
	}

	return dev
}
