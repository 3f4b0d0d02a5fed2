// Package geoip resolves source addresses to a location and network owner
// using MaxMind databases.
package geoip

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Location is what the databases know about one address. Fields the
// loaded databases cannot answer stay empty.
type Location struct {
	CountryCode string  `json:"country_code,omitempty"`
	CityName    string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	ASN         uint    `json:"asn,omitempty"`
	ASOrg       string  `json:"as_org,omitempty"`
}

// Service wraps optional City and ASN readers.
type Service struct {
	cityReader *geoip2.Reader
	asnReader  *geoip2.Reader
}

// NewService opens the databases at the given paths. An empty path skips
// that database.
func NewService(cityDBPath, asnDBPath string) (*Service, error) {
	s := &Service{}
	if cityDBPath != "" {
		r, err := geoip2.Open(cityDBPath)
		if err != nil {
			return nil, fmt.Errorf("open city database: %w", err)
		}
		s.cityReader = r
	}
	if asnDBPath != "" {
		r, err := geoip2.Open(asnDBPath)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open asn database: %w", err)
		}
		s.asnReader = r
	}
	return s, nil
}

// Close closes the open databases.
func (s *Service) Close() {
	if s.cityReader != nil {
		s.cityReader.Close()
	}
	if s.asnReader != nil {
		s.asnReader.Close()
	}
}

// Enabled reports whether any database is loaded.
func (s *Service) Enabled() bool {
	return s != nil && (s.cityReader != nil || s.asnReader != nil)
}

// Lookup resolves ipAddress against every loaded database.
func (s *Service) Lookup(ipAddress string) (*Location, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address: %q", ipAddress)
	}
	if !s.Enabled() {
		return nil, errors.New("no geoip database loaded")
	}

	loc := &Location{}
	if s.cityReader != nil {
		record, err := s.cityReader.City(ip)
		if err != nil {
			return nil, fmt.Errorf("city lookup: %w", err)
		}
		loc.CountryCode = record.Country.IsoCode
		loc.CityName = record.City.Names["en"]
		loc.Latitude = record.Location.Latitude
		loc.Longitude = record.Location.Longitude
	}
	if s.asnReader != nil {
		record, err := s.asnReader.ASN(ip)
		if err != nil {
			return nil, fmt.Errorf("asn lookup: %w", err)
		}
		loc.ASN = record.AutonomousSystemNumber
		loc.ASOrg = record.AutonomousSystemOrganization
	}
	return loc, nil
}
