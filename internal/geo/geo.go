// Package geo resolves the traveler's location and conflict-zone flag.
package geo

import (
	"context"
	"fmt"
	"strings"
)

// Coordinates is a latitude/longitude pair in degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Location is where the evaluation applies.
type Location struct {
	City         string      `json:"city"`
	Country      string      `json:"country"`
	Coordinates  Coordinates `json:"coordinates"`
	ConflictZone bool        `json:"conflict_zone"`
}

func (l Location) String() string {
	switch {
	case l.City != "" && l.Country != "":
		return l.City + ", " + l.Country
	case l.City != "":
		return l.City
	default:
		return l.Country
	}
}

// Locator supplies the current location. Implementations wrap a geocoding
// collaborator.
type Locator interface {
	Locate(ctx context.Context) (Location, error)
}

// StaticLocator returns a fixed location.
type StaticLocator struct {
	location Location
}

// StaticOptions configure a StaticLocator.
type StaticOptions struct {
	City              string
	Country           string
	Latitude          *float64
	Longitude         *float64
	ConflictZone      bool
	ConflictCountries []string
}

// NewStaticLocator resolves coordinates from the gazetteer when none are
// given and marks the location as a conflict zone when flagged explicitly or
// when its country is listed.
func NewStaticLocator(opts StaticOptions) (*StaticLocator, error) {
	loc := Location{
		City:         strings.TrimSpace(opts.City),
		Country:      strings.TrimSpace(opts.Country),
		ConflictZone: opts.ConflictZone,
	}
	if (opts.Latitude == nil) != (opts.Longitude == nil) {
		return nil, fmt.Errorf("latitude and longitude must be set together")
	}
	if opts.Latitude != nil {
		loc.Coordinates = Coordinates{Latitude: *opts.Latitude, Longitude: *opts.Longitude}
	} else if c, ok := Lookup(loc.City, loc.Country); ok {
		loc.Coordinates = c
	}
	if loc.Coordinates.Latitude < -90 || loc.Coordinates.Latitude > 90 ||
		loc.Coordinates.Longitude < -180 || loc.Coordinates.Longitude > 180 {
		return nil, fmt.Errorf("coordinates out of range: %+v", loc.Coordinates)
	}
	for _, c := range opts.ConflictCountries {
		if loc.Country != "" && strings.EqualFold(strings.TrimSpace(c), loc.Country) {
			loc.ConflictZone = true
		}
	}
	return &StaticLocator{location: loc}, nil
}

// Locate returns the configured location.
func (s *StaticLocator) Locate(ctx context.Context) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	return s.location, nil
}
