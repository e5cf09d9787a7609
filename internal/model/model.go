package model

import (
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
)

// Coordinates is a geographic point in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks latitude ∈ [-90,90] and longitude ∈ [-180,180].
// NaN and infinities are rejected.
func (c Coordinates) Validate() error {
	if !finite(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return errors.Errorf("latitude %v out of range [-90, 90]", c.Latitude)
	}
	if !finite(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return errors.Errorf("longitude %v out of range [-180, 180]", c.Longitude)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// BirthPayload is the request body sent to the chart service. It is only
// ever produced by form.Model.DerivePayload.
type BirthPayload struct {
	// BirthDate is the birth instant in UTC.
	BirthDate time.Time
	Latitude  float64
	Longitude float64
}

// birthPayloadJSON is the wire shape: birth_date as an RFC 3339 UTC string.
type birthPayloadJSON struct {
	BirthDate string  `json:"birth_date"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (p BirthPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(birthPayloadJSON{
		BirthDate: p.BirthDate.UTC().Format(time.RFC3339),
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
	})
}

// SearchCandidate is one place returned by the search provider.
type SearchCandidate struct {
	DisplayName string  `json:"display_name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	// Timezone is the IANA zone at the candidate's coordinates, empty when
	// it could not be determined.
	Timezone string `json:"timezone,omitempty"`
	// Raw is the provider's JSON object for this candidate.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// PlanetPosition is one planet in the natal chart.
type PlanetPosition struct {
	Planet     string  `json:"planet"`
	ZodiacSign string  `json:"zodiac_sign"`
	Degree     float64 `json:"degree"`
	Longitude  float64 `json:"longitude"`
	Retrograde bool    `json:"retrograde"`
}

// House is one house cusp.
type House struct {
	House      int     `json:"house"`
	ZodiacSign string  `json:"zodiac_sign"`
	Degree     float64 `json:"degree"`
	Longitude  float64 `json:"longitude"`
}

// AngularPoint is the Ascendant or Midheaven.
type AngularPoint struct {
	ZodiacSign string  `json:"zodiac_sign"`
	Degree     float64 `json:"degree"`
	Longitude  float64 `json:"longitude"`
}

type Houses struct {
	Ascendant AngularPoint `json:"ascendant"`
	MC        AngularPoint `json:"mc"`
	Houses    []House      `json:"houses"`
}

// Aspect is only present when the service computes aspects.
type Aspect struct {
	Planet1         string  `json:"planet1"`
	Planet2         string  `json:"planet2"`
	AspectType      string  `json:"aspect_type"`
	AspectSymbol    string  `json:"aspect_symbol"`
	Angle           float64 `json:"angle"`
	ExactAngle      int     `json:"exact_angle"`
	Orb             float64 `json:"orb"`
	Planet1Position string  `json:"planet1_position"`
	Planet2Position string  `json:"planet2_position"`
}

// NatalChart is the chart service response. Raw keeps the body as received
// so fields this type does not model are not lost.
type NatalChart struct {
	Planets map[string]PlanetPosition `json:"planets"`
	Houses  Houses                    `json:"houses"`
	Aspects []Aspect                  `json:"aspects,omitempty"`

	Raw json.RawMessage `json:"-"`
}
