// Package form owns the birth data entered by the user: the wall-clock
// birth time, the chosen location and its timezone, and the per-field
// validation messages shown next to them.
package form

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	appLog "astroai/internal/log"
	"astroai/internal/model"
	"astroai/internal/timenorm"
)

// Field keys used in FieldErrors.
const (
	FieldDate     = "date"
	FieldLocation = "location"
	FieldTimezone = "timezone"
)

const (
	msgDateRequired     = "date required"
	msgDateInFuture     = "date cannot be in the future"
	msgLocationRequired = "select a location from the list"
)

// Input is a copy of the form state.
type Input struct {
	LocalDateTime *timenorm.LocalDateTime
	LocationLabel string
	Coordinates   *model.Coordinates
	TimezoneID    string
	FieldErrors   map[string]string
}

// Model is the single owner of one form session. It is safe for
// concurrent use.
type Model struct {
	norm timenorm.Normalizer
	now  func() time.Time

	mu    sync.Mutex
	input Input
}

// Option customizes a Model.
type Option func(*Model)

// WithNow replaces the clock used by the future-date check.
func WithNow(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// New creates an empty form whose timezone starts as defaultZone.
func New(defaultZone string, opts ...Option) *Model {
	m := &Model{
		norm: timenorm.Normalizer{DefaultZone: defaultZone},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.input = m.emptyInput()
	return m
}

func (m *Model) emptyInput() Input {
	return Input{
		TimezoneID:  m.norm.DefaultZone,
		FieldErrors: map[string]string{},
	}
}

// SetDate stores the wall-clock birth time and clears the date error.
func (m *Model) SetDate(local timenorm.LocalDateTime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.input.LocalDateTime = &local
	delete(m.input.FieldErrors, FieldDate)
}

// SetLocation stores a selected place. An empty timezone keeps the current
// one. Out-of-range coordinates are rejected and leave the form untouched.
func (m *Model) SetLocation(label string, lat, lon float64, timezone string) error {
	coords := model.Coordinates{Latitude: lat, Longitude: lon}
	if err := coords.Validate(); err != nil {
		return errors.Wrap(err, "set location")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.input.LocationLabel = label
	m.input.Coordinates = &coords
	if tz := strings.TrimSpace(timezone); tz != "" {
		m.input.TimezoneID = tz
	}
	delete(m.input.FieldErrors, FieldLocation)
	delete(m.input.FieldErrors, FieldTimezone)
	return nil
}

// SetErrors replaces all field errors.
func (m *Model) SetErrors(errs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.input.FieldErrors = copyErrors(errs)
}

// Reset returns the form to its initial state.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.input = m.emptyInput()
}

// Snapshot returns a deep copy of the form state.
func (m *Model) Snapshot() Input {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.input
	if in.LocalDateTime != nil {
		local := *in.LocalDateTime
		in.LocalDateTime = &local
	}
	if in.Coordinates != nil {
		coords := *in.Coordinates
		in.Coordinates = &coords
	}
	in.FieldErrors = copyErrors(in.FieldErrors)
	return in
}

// IsComplete reports whether both a date and coordinates are present.
func (m *Model) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.input.LocalDateTime != nil && m.input.Coordinates != nil
}

// Validate recomputes every field error from scratch and reports whether
// the form may be submitted.
func (m *Model) Validate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	errs := map[string]string{}
	in := m.input
	zone := m.norm.Zone(in.TimezoneID)

	_, zoneErr := timenorm.LoadZone(zone)
	if zoneErr != nil {
		errs[FieldTimezone] = fmt.Sprintf("unknown timezone %s", zone)
	}

	switch {
	case in.LocalDateTime == nil:
		errs[FieldDate] = msgDateRequired
	case zoneErr == nil:
		instant, err := timenorm.ToUTC(*in.LocalDateTime, zone)
		if err == nil && instant.After(m.now()) {
			errs[FieldDate] = msgDateInFuture
		}
	}

	if in.Coordinates == nil {
		errs[FieldLocation] = msgLocationRequired
	}

	m.input.FieldErrors = errs
	if len(errs) > 0 {
		appLog.Debug("form validation failed", "errors", errs)
		return false
	}
	return true
}

// DerivePayload converts the current input into a chart request. It
// returns nil without an error while the date or coordinates are missing,
// and a *timenorm.TimezoneError when the zone cannot be loaded. The form
// state is not modified.
func (m *Model) DerivePayload() (*model.BirthPayload, error) {
	m.mu.Lock()
	in := m.input
	m.mu.Unlock()

	if in.LocalDateTime == nil || in.Coordinates == nil {
		return nil, nil
	}

	instant, err := m.norm.ToUTC(*in.LocalDateTime, in.TimezoneID)
	if err != nil {
		return nil, err
	}
	return &model.BirthPayload{
		BirthDate: instant,
		Latitude:  in.Coordinates.Latitude,
		Longitude: in.Coordinates.Longitude,
	}, nil
}

func copyErrors(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
