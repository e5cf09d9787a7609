package timenorm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToUTC_Moscow(t *testing.T) {
	got, err := ToUTC(Date(2000, time.January, 1, 9, 0, 0), "Europe/Moscow")
	require.NoError(t, err)
	assert.Equal(t, "2000-01-01T06:00:00Z", got.Format(time.RFC3339))
	assert.Equal(t, time.UTC, got.Location())
}

func TestToUTC_Zones(t *testing.T) {
	tests := []struct {
		name  string
		local LocalDateTime
		zone  string
		want  string
	}{
		{"UTC", Date(1990, time.June, 15, 12, 30, 0), "UTC", "1990-06-15T12:30:00Z"},
		{"New York winter", Date(2021, time.January, 10, 8, 0, 0), "America/New_York", "2021-01-10T13:00:00Z"},
		{"New York summer", Date(2021, time.July, 10, 8, 0, 0), "America/New_York", "2021-07-10T12:00:00Z"},
		{"Kolkata half hour", Date(2010, time.March, 1, 0, 0, 0), "Asia/Kolkata", "2010-02-28T18:30:00Z"},
		{"date line", Date(2015, time.December, 31, 23, 0, 0), "Pacific/Auckland", "2015-12-31T10:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToUTC(tt.local, tt.zone)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Format(time.RFC3339))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	zones := []string{"Europe/Moscow", "America/New_York", "Australia/Sydney", "Asia/Tokyo", "America/Sao_Paulo"}
	locals := []LocalDateTime{
		Date(1975, time.February, 3, 4, 5, 6),
		Date(1999, time.December, 31, 23, 59, 59),
		Date(2024, time.February, 29, 12, 0, 0),
		Date(2010, time.August, 15, 18, 45, 0),
	}

	for _, zone := range zones {
		for _, local := range locals {
			r, err := Resolve(local, zone)
			require.NoError(t, err)
			if r.Kind != Exact {
				continue
			}
			back, err := FromUTC(r.Instant, zone)
			require.NoError(t, err)
			assert.Equal(t, local, back, "zone %s", zone)
		}
	}
}

func TestResolve_AmbiguousPicksEarlierInstant(t *testing.T) {
	// 2021-11-07 01:30 happens twice in New York: EDT (-4) then EST (-5).
	r, err := Resolve(Date(2021, time.November, 7, 1, 30, 0), "America/New_York")
	require.NoError(t, err)
	assert.Equal(t, Ambiguous, r.Kind)
	assert.Equal(t, "2021-11-07T05:30:00Z", r.Instant.Format(time.RFC3339))
	assert.Equal(t, -4*time.Hour, r.Offset)
}

func TestResolve_SkippedShiftsForward(t *testing.T) {
	// 2021-03-14 02:30 does not exist in New York; 03:30 EDT is used.
	r, err := Resolve(Date(2021, time.March, 14, 2, 30, 0), "America/New_York")
	require.NoError(t, err)
	assert.Equal(t, Skipped, r.Kind)
	assert.Equal(t, "2021-03-14T07:30:00Z", r.Instant.Format(time.RFC3339))

	back, err := FromUTC(r.Instant, "America/New_York")
	require.NoError(t, err)
	assert.Equal(t, Date(2021, time.March, 14, 3, 30, 0), back)
}

func TestResolve_EuropeTransitions(t *testing.T) {
	// Berlin 2019-10-27 02:30 is repeated; CEST (+2) comes first.
	r, err := Resolve(Date(2019, time.October, 27, 2, 30, 0), "Europe/Berlin")
	require.NoError(t, err)
	assert.Equal(t, Ambiguous, r.Kind)
	assert.Equal(t, "2019-10-27T00:30:00Z", r.Instant.Format(time.RFC3339))

	// Berlin 2019-03-31 02:15 is skipped.
	r, err = Resolve(Date(2019, time.March, 31, 2, 15, 0), "Europe/Berlin")
	require.NoError(t, err)
	assert.Equal(t, Skipped, r.Kind)
	assert.Equal(t, "2019-03-31T01:15:00Z", r.Instant.Format(time.RFC3339))
}

func TestInvalidTimezone(t *testing.T) {
	for _, id := range []string{"Mars/Olympus", "", "  ", "Local"} {
		_, err := ToUTC(Date(2000, time.January, 1, 0, 0, 0), id)
		require.Error(t, err, "id %q", id)
		assert.True(t, errors.Is(err, ErrInvalidTimezone))

		var tzErr *TimezoneError
		assert.True(t, errors.As(err, &tzErr))
	}
}

func TestNormalizer_DefaultZonePolicy(t *testing.T) {
	local := Date(2000, time.January, 1, 9, 0, 0)

	strict := Normalizer{}
	_, err := strict.ToUTC(local, "")
	assert.ErrorIs(t, err, ErrInvalidTimezone)

	withDefault := Normalizer{DefaultZone: "Europe/Moscow"}
	got, err := withDefault.ToUTC(local, "")
	require.NoError(t, err)
	assert.Equal(t, "2000-01-01T06:00:00Z", got.Format(time.RFC3339))

	got, err = withDefault.ToUTC(local, "Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, "2000-01-01T00:00:00Z", got.Format(time.RFC3339))
}

func TestParseLocal(t *testing.T) {
	tests := []struct {
		input   string
		want    LocalDateTime
		wantErr bool
	}{
		{"2000-01-01 09:00", Date(2000, time.January, 1, 9, 0, 0), false},
		{"2000-01-01T09:00:30", Date(2000, time.January, 1, 9, 0, 30), false},
		{" 1985-07-04 ", Date(1985, time.July, 4, 0, 0, 0), false},
		{"2000-01-01T09:00:00Z", LocalDateTime{}, true},
		{"2000-02-30 10:00", LocalDateTime{}, true},
		{"yesterday", LocalDateTime{}, true},
		{"", LocalDateTime{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLocal(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocalDateTime_String(t *testing.T) {
	assert.Equal(t, "2000-01-01 09:05:00", Date(2000, time.January, 1, 9, 5, 0).String())
	assert.True(t, LocalDateTime{}.IsZero())
}
