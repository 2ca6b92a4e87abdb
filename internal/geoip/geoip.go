package geoip

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Locator resolves a client IP to an ISO-3166 alpha-2 country code.
type Locator interface {
	Country(ip string) string
}

// DB looks up countries in a MaxMind GeoLite2/GeoIP2 country database.
type DB struct {
	reader *geoip2.Reader
}

// Open loads the mmdb file at path. An empty path yields a Locator that
// always answers "".
func Open(path string) (Locator, func() error, error) {
	if path == "" {
		return Nop{}, func() error { return nil }, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open geoip db: %w", err)
	}
	db := &DB{reader: reader}
	return db, reader.Close, nil
}

func (d *DB) Country(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() {
		return ""
	}
	record, err := d.reader.Country(parsed)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Nop is used when no database is configured.
type Nop struct{}

func (Nop) Country(string) string { return "" }

// Static maps IPs to fixed countries. Useful in tests.
type Static map[string]string

func (s Static) Country(ip string) string { return s[ip] }
