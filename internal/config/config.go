package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ligustah/harvest/internal/progress"
	"gopkg.in/yaml.v3"
)

// Compressors accepted for array chunks.
const (
	CompressorZstd = "zstd"
	CompressorLZ4  = "lz4"
)

// Config defines configuration for the harvest CLI.
type Config struct {
	// StatusBucket holds the per-stream status documents.
	StatusBucket string `yaml:"status_bucket"`
	// CacheBucket holds cached upstream request responses.
	CacheBucket string `yaml:"cache_bucket"`
	// TempBucket holds the temporary stores built by refresh runs.
	TempBucket string `yaml:"temp_bucket"`

	OOI         OOIConfig    `yaml:"ooi"`
	MaxChunk    int64        `yaml:"max_chunk"`
	Compressor  string       `yaml:"compressor"`
	Level       int          `yaml:"level"`
	Concurrency int          `yaml:"concurrency"`
	Progress    bool         `yaml:"progress"`
	Retry       RetryConfig  `yaml:"retry"`
	Poll        PollConfig   `yaml:"poll"`
	Notify      NotifyConfig `yaml:"notify"`
	MetricsAddr string       `yaml:"metrics_addr"`
}

// OOIConfig defines access to the upstream M2M API.
type OOIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	AsyncURL       string        `yaml:"async_url"`
	ThreddsURL     string        `yaml:"thredds_url"`
	Username       string        `yaml:"username"`
	Token          string        `yaml:"token"`
	Email          string        `yaml:"email"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
}

// RetryConfig defines retry behavior for individual HTTP calls.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// PollConfig defines how often and how long a pending request is polled
// within one run.
type PollConfig struct {
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
}

// NotifyConfig enables completion notifications over AMQP. An empty URL
// disables them.
type NotifyConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		OOI: OOIConfig{
			BaseURL:        "https://ooinet.oceanobservatories.org",
			AsyncURL:       "https://downloads-west.oceanobservatories.org/async_results",
			ThreddsURL:     "https://opendap-west.oceanobservatories.org/thredds/catalog/ooi",
			RequestTimeout: 15 * time.Minute,
			RateLimit:      10,
		},
		MaxChunk:    100_000_000, // 100MB
		Compressor:  CompressorZstd,
		Level:       3,
		Concurrency: 50,
		Retry: RetryConfig{
			Attempts:   1,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
		Poll: PollConfig{
			Attempts: 6,
			Interval: 10 * time.Minute,
		},
		Notify: NotifyConfig{
			Exchange: "m2m.async",
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	StatusBucket string          `yaml:"status_bucket"`
	CacheBucket  string          `yaml:"cache_bucket"`
	TempBucket   string          `yaml:"temp_bucket"`
	OOI          yamlOOIConfig   `yaml:"ooi"`
	MaxChunk     string          `yaml:"max_chunk"`
	Compressor   string          `yaml:"compressor"`
	Level        int             `yaml:"level"`
	Concurrency  int             `yaml:"concurrency"`
	Progress     bool            `yaml:"progress"`
	Retry        yamlRetryConfig `yaml:"retry"`
	Poll         yamlPollConfig  `yaml:"poll"`
	Notify       NotifyConfig    `yaml:"notify"`
	MetricsAddr  string          `yaml:"metrics_addr"`
}

type yamlOOIConfig struct {
	BaseURL        string  `yaml:"base_url"`
	AsyncURL       string  `yaml:"async_url"`
	ThreddsURL     string  `yaml:"thredds_url"`
	Username       string  `yaml:"username"`
	Token          string  `yaml:"token"`
	Email          string  `yaml:"email"`
	RequestTimeout string  `yaml:"request_timeout"`
	RateLimit      float64 `yaml:"rate_limit"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

type yamlPollConfig struct {
	Attempts int    `yaml:"attempts"`
	Interval string `yaml:"interval"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	override := Config{
		StatusBucket: yc.StatusBucket,
		CacheBucket:  yc.CacheBucket,
		TempBucket:   yc.TempBucket,
		OOI: OOIConfig{
			BaseURL:    yc.OOI.BaseURL,
			AsyncURL:   yc.OOI.AsyncURL,
			ThreddsURL: yc.OOI.ThreddsURL,
			Username:   yc.OOI.Username,
			Token:      yc.OOI.Token,
			Email:      yc.OOI.Email,
			RateLimit:  yc.OOI.RateLimit,
		},
		Compressor:  yc.Compressor,
		Level:       yc.Level,
		Concurrency: yc.Concurrency,
		Progress:    yc.Progress,
		Retry:       RetryConfig{Attempts: yc.Retry.Attempts},
		Poll:        PollConfig{Attempts: yc.Poll.Attempts},
		Notify:      yc.Notify,
		MetricsAddr: yc.MetricsAddr,
	}
	if yc.MaxChunk != "" {
		size, err := progress.ParseBytes(yc.MaxChunk)
		if err != nil {
			return Config{}, fmt.Errorf("parse max_chunk: %w", err)
		}
		override.MaxChunk = size
	}
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"ooi.request_timeout", yc.OOI.RequestTimeout, &override.OOI.RequestTimeout},
		{"retry.backoff", yc.Retry.Backoff, &override.Retry.Backoff},
		{"retry.max_backoff", yc.Retry.MaxBackoff, &override.Retry.MaxBackoff},
		{"poll.interval", yc.Poll.Interval, &override.Poll.Interval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return Default().Merge(override), nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the HARVEST_ prefix; upstream credentials are
// also read from OOI_USERNAME, OOI_TOKEN and OOI_EMAIL.
func (c *Config) LoadFromEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"HARVEST_STATUS_BUCKET", &c.StatusBucket},
		{"HARVEST_CACHE_BUCKET", &c.CacheBucket},
		{"HARVEST_TEMP_BUCKET", &c.TempBucket},
		{"HARVEST_OOI_BASE_URL", &c.OOI.BaseURL},
		{"HARVEST_OOI_ASYNC_URL", &c.OOI.AsyncURL},
		{"HARVEST_OOI_THREDDS_URL", &c.OOI.ThreddsURL},
		{"OOI_USERNAME", &c.OOI.Username},
		{"OOI_TOKEN", &c.OOI.Token},
		{"OOI_EMAIL", &c.OOI.Email},
		{"HARVEST_COMPRESSOR", &c.Compressor},
		{"HARVEST_NOTIFY_URL", &c.Notify.URL},
		{"HARVEST_NOTIFY_EXCHANGE", &c.Notify.Exchange},
		{"HARVEST_METRICS_ADDR", &c.MetricsAddr},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"HARVEST_LEVEL", &c.Level},
		{"HARVEST_CONCURRENCY", &c.Concurrency},
		{"HARVEST_RETRY_ATTEMPTS", &c.Retry.Attempts},
		{"HARVEST_POLL_ATTEMPTS", &c.Poll.Attempts},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", i.key, err)
			}
			*i.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HARVEST_REQUEST_TIMEOUT", &c.OOI.RequestTimeout},
		{"HARVEST_RETRY_BACKOFF", &c.Retry.Backoff},
		{"HARVEST_RETRY_MAX_BACKOFF", &c.Retry.MaxBackoff},
		{"HARVEST_POLL_INTERVAL", &c.Poll.Interval},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", d.key, err)
			}
			*d.dst = dur
		}
	}

	if v := os.Getenv("HARVEST_MAX_CHUNK"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse HARVEST_MAX_CHUNK: %w", err)
		}
		c.MaxChunk = size
	}
	if v := os.Getenv("HARVEST_RATE_LIMIT"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse HARVEST_RATE_LIMIT: %w", err)
		}
		c.OOI.RateLimit = r
	}
	if v := os.Getenv("HARVEST_PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StatusBucket == "" {
		return errors.New("config: status_bucket is required")
	}
	if c.CacheBucket == "" {
		return errors.New("config: cache_bucket is required")
	}
	if c.TempBucket == "" {
		return errors.New("config: temp_bucket is required")
	}
	if c.OOI.BaseURL == "" {
		return errors.New("config: ooi.base_url is required")
	}
	if c.OOI.Username == "" || c.OOI.Token == "" {
		return errors.New("config: ooi username and token are required")
	}
	if c.MaxChunk <= 0 {
		return errors.New("config: max_chunk must be positive")
	}
	if c.Compressor != CompressorZstd && c.Compressor != CompressorLZ4 {
		return fmt.Errorf("config: unsupported compressor %q", c.Compressor)
	}
	if c.Concurrency <= 0 {
		return errors.New("config: concurrency must be positive")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("config: retry.attempts must be positive")
	}
	if c.Poll.Attempts <= 0 {
		return errors.New("config: poll.attempts must be positive")
	}
	if c.OOI.RateLimit < 0 {
		return errors.New("config: ooi.rate_limit must not be negative")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	mergeString(&c.StatusBucket, override.StatusBucket)
	mergeString(&c.CacheBucket, override.CacheBucket)
	mergeString(&c.TempBucket, override.TempBucket)
	mergeString(&c.OOI.BaseURL, override.OOI.BaseURL)
	mergeString(&c.OOI.AsyncURL, override.OOI.AsyncURL)
	mergeString(&c.OOI.ThreddsURL, override.OOI.ThreddsURL)
	mergeString(&c.OOI.Username, override.OOI.Username)
	mergeString(&c.OOI.Token, override.OOI.Token)
	mergeString(&c.OOI.Email, override.OOI.Email)
	mergeString(&c.Compressor, override.Compressor)
	mergeString(&c.Notify.URL, override.Notify.URL)
	mergeString(&c.Notify.Exchange, override.Notify.Exchange)
	mergeString(&c.MetricsAddr, override.MetricsAddr)
	if override.OOI.RequestTimeout != 0 {
		c.OOI.RequestTimeout = override.OOI.RequestTimeout
	}
	if override.OOI.RateLimit != 0 {
		c.OOI.RateLimit = override.OOI.RateLimit
	}
	if override.MaxChunk != 0 {
		c.MaxChunk = override.MaxChunk
	}
	if override.Level != 0 {
		c.Level = override.Level
	}
	if override.Concurrency != 0 {
		c.Concurrency = override.Concurrency
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	if override.Poll.Attempts != 0 {
		c.Poll.Attempts = override.Poll.Attempts
	}
	if override.Poll.Interval != 0 {
		c.Poll.Interval = override.Poll.Interval
	}
	return c
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
