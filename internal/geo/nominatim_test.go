package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astroai/internal/config"
)

type mapZoneFinder map[[2]float64]string

func (m mapZoneFinder) TimezoneAt(lat, lon float64) (string, error) {
	if tz, ok := m[[2]float64{lat, lon}]; ok {
		return tz, nil
	}
	return "", errors.New("unknown")
}

func testClientConfig(baseURL string) config.SearchConfig {
	return config.SearchConfig{
		BaseURL:     baseURL,
		UserAgent:   "AstroAI-test/1.0",
		Timeout:     time.Second,
		Limit:       5,
		MinInterval: -1,
	}
}

const moscowResponse = `[
  {"place_id": 1, "display_name": "Москва, Центральный федеральный округ, Россия", "lat": "55.7505412", "lon": "37.6174782", "address": {"city": "Москва", "country": "Россия"}},
  {"place_id": 2, "display_name": "Moscow, Latah County, Idaho, United States", "lat": "46.7323875", "lon": "-117.0001651"},
  {"place_id": 3, "display_name": "Broken", "lat": "north", "lon": "east"},
  {"place_id": 4, "display_name": "Not a number", "lat": "NaN", "lon": "37.6"},
  {"place_id": 5, "display_name": "Infinite", "lat": "55.7", "lon": "+Inf"}
]`

func TestNominatimClient_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/search", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "Москва", q.Get("q"))
		assert.Equal(t, "json", q.Get("format"))
		assert.Equal(t, "5", q.Get("limit"))
		assert.Equal(t, "1", q.Get("addressdetails"))
		assert.Equal(t, "AstroAI-test/1.0", r.Header.Get("User-Agent"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(moscowResponse))
	}))
	defer srv.Close()

	zones := mapZoneFinder{{55.7505412, 37.6174782}: "Europe/Moscow"}
	c := NewNominatimClient(testClientConfig(srv.URL+"/"), zones)

	got, err := c.Search(context.Background(), " Москва ")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "Москва, Центральный федеральный округ, Россия", got[0].DisplayName)
	assert.Equal(t, 55.7505412, got[0].Latitude)
	assert.Equal(t, 37.6174782, got[0].Longitude)
	assert.Equal(t, "Europe/Moscow", got[0].Timezone)
	assert.Contains(t, string(got[0].Raw), `"place_id": 1`)

	assert.Equal(t, -117.0001651, got[1].Longitude)
	assert.Empty(t, got[1].Timezone)
}

func TestNominatimClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-success status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "blocked", http.StatusForbidden)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"error": "not a list"`))
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			cfg := testClientConfig(srv.URL)
			cfg.Timeout = 100 * time.Millisecond
			c := NewNominatimClient(cfg, nil)

			got, err := c.Search(context.Background(), "Paris")
			assert.Error(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestNominatimClient_EmptyQuery(t *testing.T) {
	c := NewNominatimClient(testClientConfig("http://127.0.0.1:0"), nil)
	_, err := c.Search(context.Background(), "   ")
	assert.Error(t, err)
}

func TestNominatimClient_RateLimited(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	cfg := testClientConfig(srv.URL)
	cfg.MinInterval = time.Hour
	c := NewNominatimClient(cfg, nil)

	_, err := c.Search(context.Background(), "Vienna")
	require.NoError(t, err)

	// The second request cannot get a token before its context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Search(ctx, "Vienna")
	assert.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolverWithNominatim_ProviderErrorMeansNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clock := &fakeClock{}
	cfg := testClientConfig(srv.URL)
	cfg.Debounce = 500 * time.Millisecond
	cfg.MinQueryLength = 3
	r := NewResolver(NewNominatimClient(cfg, nil), cfg, WithClock(clock))
	defer r.Dispose()

	r.OnQueryChanged("Vienna")
	clock.Advance(500 * time.Millisecond)

	require.Eventually(t, func() bool {
		s := r.Snapshot()
		return s.Seq == 1 && !s.Loading
	}, 2*time.Second, 10*time.Millisecond)

	s := r.Snapshot()
	assert.Empty(t, s.Results)
	assert.Contains(t, s.LastError, "503")
}
