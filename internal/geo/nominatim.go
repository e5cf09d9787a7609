package geo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"astroai/internal/config"
	appLog "astroai/internal/log"
	"astroai/internal/model"
)

// maxResponseBytes caps how much of a search response is read.
const maxResponseBytes = 1 << 20

// Searcher resolves free text to place candidates.
type Searcher interface {
	Search(ctx context.Context, query string) ([]model.SearchCandidate, error)
}

// NominatimClient queries an OpenStreetMap Nominatim instance.
type NominatimClient struct {
	client    *http.Client
	baseURL   string
	userAgent string
	limit     int
	timeout   time.Duration
	limiter   *rate.Limiter
	zones     ZoneFinder
}

// nominatimPlace is the subset of a Nominatim result we read. Coordinates
// arrive as strings.
type nominatimPlace struct {
	DisplayName string `json:"display_name"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
}

// NewNominatimClient creates a client from search configuration. zones may
// be nil, in which case candidates carry no timezone.
func NewNominatimClient(cfg config.SearchConfig, zones ZoneFinder) *NominatimClient {
	cfg.Normalize()

	// A non-positive interval disables pacing.
	pace := rate.Inf
	if cfg.MinInterval > 0 {
		pace = rate.Every(cfg.MinInterval)
	}

	return &NominatimClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		limit:     cfg.Limit,
		timeout:   cfg.Timeout,
		limiter:   rate.NewLimiter(pace, 1),
		zones:     zones,
	}
}

// Search performs one provider request. Any failure is returned as an
// error; deciding to degrade to "no results" is the caller's business.
func (c *NominatimClient) Search(ctx context.Context, query string) ([]model.SearchCandidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("empty query")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "search rate limit wait")
	}

	u, err := url.Parse(c.baseURL + "/search")
	if err != nil {
		return nil, errors.Wrap(err, "search url")
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", strconv.Itoa(c.limit))
	params.Set("addressdetails", "1")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	appLog.Debug("place search start", "query", query)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "place search request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, errors.Errorf("place search: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read place search body")
	}

	candidates, err := c.parse(body)
	if err != nil {
		return nil, err
	}

	appLog.Debug("place search success", "query", query, "count", len(candidates))
	return candidates, nil
}

func (c *NominatimClient) parse(body []byte) ([]model.SearchCandidate, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, errors.Wrap(err, "malformed place search response")
	}

	out := make([]model.SearchCandidate, 0, len(raws))
	for _, raw := range raws {
		var p nominatimPlace
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrap(err, "malformed place search entry")
		}
		lat, latErr := strconv.ParseFloat(strings.TrimSpace(p.Lat), 64)
		lon, lonErr := strconv.ParseFloat(strings.TrimSpace(p.Lon), 64)
		if latErr != nil || lonErr != nil {
			// Skip the entry, keep the rest of the list.
			appLog.Debug("place search entry has bad coordinates", "display_name", p.DisplayName, "lat", p.Lat, "lon", p.Lon)
			continue
		}
		coords := model.Coordinates{Latitude: lat, Longitude: lon}
		if err := coords.Validate(); err != nil {
			appLog.Debug("place search entry out of range", "display_name", p.DisplayName, "err", err)
			continue
		}

		cand := model.SearchCandidate{
			DisplayName: p.DisplayName,
			Latitude:    lat,
			Longitude:   lon,
			Raw:         raw,
		}
		if c.zones != nil {
			if tz, err := c.zones.TimezoneAt(lat, lon); err == nil {
				cand.Timezone = tz
			} else {
				appLog.Debug("timezone lookup failed", "display_name", p.DisplayName, "err", err)
			}
		}
		out = append(out, cand)
	}
	return out, nil
}
