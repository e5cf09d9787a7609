package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astroai/internal/model"
)

func TestFormatCandidate(t *testing.T) {
	tests := []struct {
		name string
		in   model.SearchCandidate
		want string
	}{
		{
			name: "long display name",
			in:   model.SearchCandidate{DisplayName: "Москва, Центральный федеральный округ, Россия", Latitude: 55.7505412, Longitude: 37.6174782},
			want: "Москва, Центральный федеральный округ (55.7505, 37.6175)",
		},
		{
			name: "two segments",
			in:   model.SearchCandidate{DisplayName: "Москва, Россия", Latitude: 55.7558, Longitude: 37.6173},
			want: "Москва, Россия (55.7558, 37.6173)",
		},
		{
			name: "single segment, negative coordinates",
			in:   model.SearchCandidate{DisplayName: "Lima", Latitude: -12.0464, Longitude: -77.04275},
			want: "Lima (-12.0464, -77.0428)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatCandidate(tt.in))
		})
	}
}

func TestFormatCandidate_DoesNotAlterValues(t *testing.T) {
	c := model.SearchCandidate{DisplayName: "Quito, Ecuador", Latitude: -0.2201641, Longitude: -78.5123274}
	_ = FormatCandidate(c)
	assert.Equal(t, -0.2201641, c.Latitude)
	assert.Equal(t, -78.5123274, c.Longitude)
}

func TestQueryLongEnough(t *testing.T) {
	assert.False(t, QueryLongEnough("ab", 3))
	assert.False(t, QueryLongEnough("  ab  ", 3))
	assert.True(t, QueryLongEnough("abc", 3))
	assert.True(t, QueryLongEnough("Ухта", 3))
}

func TestDefaultZoneFinder(t *testing.T) {
	if testing.Short() {
		t.Skip("loads timezone polygons")
	}
	f, err := DefaultZoneFinder()
	require.NoError(t, err)

	tz, err := f.TimezoneAt(55.7558, 37.6173)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Moscow", tz)

	tz, err = f.TimezoneAt(40.7128, -74.0060)
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", tz)
}
