package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Configuration lives in a single YAML file that is created with defaults on
// first run. Components receive the sub-structs at construction time;
// nothing reads configuration from the environment.

const (
	defaultListen          = "127.0.0.1:8080"
	defaultTimezone        = "Europe/Moscow"
	defaultChartBaseURL    = "http://localhost:8000"
	defaultChartEndpoint   = "/api/astrology/calculate-chart"
	defaultChartHealth     = "/api/astrology/health"
	defaultChartTimeout    = 10 * time.Second
	defaultSearchBaseURL   = "https://nominatim.openstreetmap.org"
	defaultSearchUserAgent = "AstroAI/1.0"
	defaultSearchTimeout   = 5 * time.Second
	defaultSearchLimit     = 5
	defaultMinQueryLength  = 3
	defaultDebounce        = 500 * time.Millisecond
	defaultLogLevel        = "info"
)

// Nominatim's usage policy allows at most one request per second.
const defaultSearchMinInterval = time.Second

// ChartConfig describes the natal chart calculation service.
type ChartConfig struct {
	// BaseURL is the service root, e.g. "http://localhost:8000".
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Endpoint is the calculation path appended to BaseURL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// HealthEndpoint is the liveness path appended to BaseURL.
	HealthEndpoint string `yaml:"health_endpoint" json:"health_endpoint"`
	// Timeout bounds a single calculation request.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// SearchConfig describes the place search provider and the debounced
// resolver in front of it.
type SearchConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	// UserAgent is sent on every request; the provider rejects anonymous clients.
	UserAgent string        `yaml:"user_agent" json:"user_agent"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	// Limit is the maximum number of candidates requested.
	Limit int `yaml:"limit" json:"limit"`
	// MinQueryLength is the shortest query (in characters) sent to the provider.
	MinQueryLength int `yaml:"min_query_length" json:"min_query_length"`
	// Debounce is the quiet period after the last keystroke before searching.
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
	// MinInterval spaces consecutive provider requests.
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// DefaultTimezone is the IANA zone used for birth times until a
	// selected location supplies its own (e.g. "Europe/Moscow").
	DefaultTimezone string `yaml:"default_timezone" json:"default_timezone"`

	// LogLevel is one of "debug", "info", "error".
	LogLevel string `yaml:"log_level" json:"log_level"`

	Chart  ChartConfig  `yaml:"chart" json:"chart"`
	Search SearchConfig `yaml:"search" json:"search"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          defaultListen,
		DefaultTimezone: defaultTimezone,
		LogLevel:        defaultLogLevel,
		Chart: ChartConfig{
			BaseURL:        defaultChartBaseURL,
			Endpoint:       defaultChartEndpoint,
			HealthEndpoint: defaultChartHealth,
			Timeout:        defaultChartTimeout,
		},
		Search: SearchConfig{
			BaseURL:        defaultSearchBaseURL,
			UserAgent:      defaultSearchUserAgent,
			Timeout:        defaultSearchTimeout,
			Limit:          defaultSearchLimit,
			MinQueryLength: defaultMinQueryLength,
			Debounce:       defaultDebounce,
			MinInterval:    defaultSearchMinInterval,
		},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = defaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	c.Chart.Normalize()
	c.Search.Normalize()
}

// Normalize fills zero fields with defaults.
func (c *ChartConfig) Normalize() {
	if c.BaseURL == "" {
		c.BaseURL = defaultChartBaseURL
	}
	if c.Endpoint == "" {
		c.Endpoint = defaultChartEndpoint
	}
	if c.HealthEndpoint == "" {
		c.HealthEndpoint = defaultChartHealth
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultChartTimeout
	}
}

// Normalize fills zero fields with defaults.
func (c *SearchConfig) Normalize() {
	if c.BaseURL == "" {
		c.BaseURL = defaultSearchBaseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultSearchUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultSearchTimeout
	}
	if c.Limit <= 0 {
		c.Limit = defaultSearchLimit
	}
	if c.MinQueryLength <= 0 {
		c.MinQueryLength = defaultMinQueryLength
	}
	if c.Debounce <= 0 {
		c.Debounce = defaultDebounce
	}
	// A negative interval disables client-side pacing; zero means default.
	if c.MinInterval == 0 {
		c.MinInterval = defaultSearchMinInterval
	}
}

// Load reads the YAML config at path and fills defaults. A missing file is
// not an error: the defaults are written to path and returned, and if that
// write fails the defaults come back together with the error.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg := DefaultConfig()
		return cfg, Save(path, cfg)
	case err != nil:
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.Normalize()
	return cfg, nil
}

// Save normalizes cfg and writes it to path readable by the owner only.
// Readers never see a partial file: the YAML goes to a sibling temp file
// that replaces path once synced.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "create config dir")
	}
	tmp, err := os.CreateTemp(dir, ".astroai-config-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp config")
	}
	defer os.Remove(tmp.Name())

	if err := writeAndClose(tmp, data); err != nil {
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return errors.Wrap(err, "chmod temp config")
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "replace %s", path)
}

// Save writes c to path; see the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

func writeAndClose(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
