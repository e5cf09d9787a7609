package geo

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/ringsaturn/tzf"
)

// ZoneFinder maps coordinates to an IANA timezone name.
type ZoneFinder interface {
	TimezoneAt(latitude, longitude float64) (string, error)
}

// tzfFinder looks zones up in the polygon data bundled with tzf.
type tzfFinder struct {
	finder tzf.F
}

var (
	defaultFinder    *tzfFinder
	defaultFinderErr error
	defaultOnce      sync.Once
)

// DefaultZoneFinder returns the process-wide tzf finder. The finder holds
// its polygon data in memory, so it is built once and shared.
func DefaultZoneFinder() (ZoneFinder, error) {
	defaultOnce.Do(func() {
		f, err := tzf.NewDefaultFinder()
		if err != nil {
			defaultFinderErr = errors.Wrap(err, "initialize timezone finder")
			return
		}
		defaultFinder = &tzfFinder{finder: f}
	})
	if defaultFinderErr != nil {
		return nil, defaultFinderErr
	}
	return defaultFinder, nil
}

func (f *tzfFinder) TimezoneAt(latitude, longitude float64) (string, error) {
	// tzf takes longitude first.
	name := f.finder.GetTimezoneName(longitude, latitude)
	if name == "" {
		return "", errors.Errorf("no timezone for lat=%f lon=%f", latitude, longitude)
	}
	return name, nil
}
