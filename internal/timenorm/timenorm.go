// Package timenorm converts wall-clock birth times entered in a named IANA
// timezone into absolute UTC instants and back.
//
// Daylight-saving transitions are resolved with a fixed rule instead of the
// unspecified behavior of time.Date:
//
//   - Ambiguous wall times (the repeated hour when clocks fall back) resolve
//     to the earlier instant, i.e. the offset in force before the transition.
//   - Nonexistent wall times (the hour skipped when clocks spring forward)
//     are shifted forward by the length of the gap, i.e. interpreted with the
//     offset in force before the gap. 02:30 on a 02:00→03:00 night becomes
//     03:30 local.
package timenorm

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zone rules must not depend on the host's zoneinfo

	"github.com/pkg/errors"
)

// ErrInvalidTimezone is matched with errors.Is on any *TimezoneError.
var ErrInvalidTimezone = errors.New("invalid timezone")

// TimezoneError reports a timezone identifier that cannot be loaded.
type TimezoneError struct {
	ID    string
	Cause error
}

func (e *TimezoneError) Error() string {
	if e.ID == "" {
		return "invalid timezone: no timezone given"
	}
	return fmt.Sprintf("invalid timezone %q", e.ID)
}

func (e *TimezoneError) Is(target error) bool { return target == ErrInvalidTimezone }

func (e *TimezoneError) Unwrap() error { return e.Cause }

// LocalDateTime is a wall-clock date and time with no zone attached.
type LocalDateTime struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
	Second int
}

// Date builds a LocalDateTime from its fields.
func Date(year int, month time.Month, day, hour, minute, second int) LocalDateTime {
	return LocalDateTime{Year: year, Month: month, Day: day, Hour: hour, Minute: minute, Second: second}
}

// FromTime takes the wall-clock fields of t, discarding its location.
func FromTime(t time.Time) LocalDateTime {
	return Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second())
}

// String formats as "2006-01-02 15:04:05".
func (l LocalDateTime) String() string {
	return l.asUTC().Format(time.DateTime)
}

// IsZero reports whether no fields are set.
func (l LocalDateTime) IsZero() bool {
	return l == LocalDateTime{}
}

// asUTC pins the wall fields to UTC so they can be compared and shifted
// as plain numbers.
func (l LocalDateTime) asUTC() time.Time {
	return time.Date(l.Year, l.Month, l.Day, l.Hour, l.Minute, l.Second, 0, time.UTC)
}

var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseLocal parses a wall-clock value such as "2000-01-01 09:00".
// Values carrying a zone offset are rejected.
func ParseLocal(s string) (LocalDateTime, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return LocalDateTime{}, errors.New("empty date")
	}
	for _, layout := range localLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return FromTime(t), nil
		}
	}
	return LocalDateTime{}, errors.Errorf("unrecognized date %q (want YYYY-MM-DD HH:MM)", s)
}

// LoadZone loads an IANA timezone. Empty identifiers are rejected; the
// caller decides whether a default applies.
func LoadZone(id string) (*time.Location, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &TimezoneError{}
	}
	// time.LoadLocation treats "Local" as the process zone.
	if id == "Local" {
		return nil, &TimezoneError{ID: id}
	}
	loc, err := time.LoadLocation(id)
	if err != nil {
		return nil, &TimezoneError{ID: id, Cause: err}
	}
	return loc, nil
}

// Kind describes how a wall time mapped onto the zone's timeline.
type Kind int

const (
	Exact     Kind = iota // exactly one instant matches
	Ambiguous             // two instants match; the earlier one was chosen
	Skipped               // no instant matches; shifted forward by the gap
)

func (k Kind) String() string {
	switch k {
	case Ambiguous:
		return "ambiguous"
	case Skipped:
		return "skipped"
	default:
		return "exact"
	}
}

// Resolution is the outcome of mapping a wall time into a zone.
type Resolution struct {
	Instant time.Time // UTC
	Kind    Kind
	Offset  time.Duration
}

// Resolve maps local onto the timeline of zone id.
func Resolve(local LocalDateTime, id string) (Resolution, error) {
	loc, err := LoadZone(id)
	if err != nil {
		return Resolution{}, err
	}
	return resolveIn(local, loc), nil
}

// ToUTC returns the UTC instant for local as observed in zone id.
func ToUTC(local LocalDateTime, id string) (time.Time, error) {
	r, err := Resolve(local, id)
	if err != nil {
		return time.Time{}, err
	}
	return r.Instant, nil
}

// FromUTC returns the wall clock shown in zone id at instant.
func FromUTC(instant time.Time, id string) (LocalDateTime, error) {
	loc, err := LoadZone(id)
	if err != nil {
		return LocalDateTime{}, err
	}
	return FromTime(instant.In(loc)), nil
}

func resolveIn(local LocalDateTime, loc *time.Location) Resolution {
	wall := local.asUTC()

	// Offsets a day either side bracket any single transition near wall.
	before := offsetAt(wall.Add(-24*time.Hour), loc)
	after := offsetAt(wall.Add(24*time.Hour), loc)

	var matches []time.Time
	for _, off := range []time.Duration{before, after} {
		instant := wall.Add(-off)
		if offsetAt(instant, loc) != off {
			continue
		}
		if len(matches) == 1 && matches[0].Equal(instant) {
			continue
		}
		matches = append(matches, instant)
	}

	switch len(matches) {
	case 0:
		instant := wall.Add(-before)
		return Resolution{Instant: instant, Kind: Skipped, Offset: before}
	case 1:
		return Resolution{Instant: matches[0], Kind: Exact, Offset: wall.Sub(matches[0])}
	default:
		first := matches[0]
		if matches[1].Before(first) {
			first = matches[1]
		}
		return Resolution{Instant: first, Kind: Ambiguous, Offset: wall.Sub(first)}
	}
}

func offsetAt(instant time.Time, loc *time.Location) time.Duration {
	_, secs := instant.In(loc).Zone()
	return time.Duration(secs) * time.Second
}

// Normalizer applies a default-zone policy on top of ToUTC. A zero value
// has no default and rejects empty identifiers.
type Normalizer struct {
	DefaultZone string
}

// Zone returns id, or the default zone when id is empty.
func (n Normalizer) Zone(id string) string {
	if strings.TrimSpace(id) == "" {
		return n.DefaultZone
	}
	return id
}

func (n Normalizer) ToUTC(local LocalDateTime, id string) (time.Time, error) {
	return ToUTC(local, n.Zone(id))
}

func (n Normalizer) Resolve(local LocalDateTime, id string) (Resolution, error) {
	return Resolve(local, n.Zone(id))
}

func (n Normalizer) FromUTC(instant time.Time, id string) (LocalDateTime, error) {
	return FromUTC(instant, n.Zone(id))
}
