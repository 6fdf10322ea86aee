package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/ajitpratap0/tapstripe/pkg/catalog"
	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/retry"
	"github.com/ajitpratap0/tapstripe/pkg/state"
)

// Config is the complete tapstripe configuration. Sections mirror the
// layout of the YAML file.
type Config struct {
	// APIKey is the Stripe secret or restricted key.
	APIKey string `mapstructure:"api_key" yaml:"api_key" json:"api_key"`
	// AccountID acts on a connected account when set.
	AccountID string `mapstructure:"account_id" yaml:"account_id,omitempty" json:"account_id,omitempty"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	// StartDate is the initial watermark for resources with none persisted,
	// as epoch seconds or an ISO-8601 timestamp.
	StartDate string `mapstructure:"start_date" yaml:"start_date" json:"start_date"`
	PageSize  int    `mapstructure:"page_size" yaml:"page_size" json:"page_size"`
	// ReplicationMethod is the default mode for every resource. Empty keeps
	// each resource's own default.
	ReplicationMethod string `mapstructure:"replication_method" yaml:"replication_method,omitempty" json:"replication_method,omitempty"`
	UserAgent         string `mapstructure:"user_agent" yaml:"user_agent" json:"user_agent"`

	Resources map[string]ResourceConfig `mapstructure:"resources" yaml:"resources,omitempty" json:"resources,omitempty"`
	// Select limits a run to these resources. Empty runs the whole catalog.
	Select []string `mapstructure:"select" yaml:"select,omitempty" json:"select,omitempty"`

	Timeouts      TimeoutConfig       `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	Reliability   ReliabilityConfig   `mapstructure:"reliability" yaml:"reliability" json:"reliability"`
	State         state.Config        `mapstructure:"state" yaml:"state" json:"state"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability" json:"observability"`
}

// ResourceConfig overrides catalog values for one resource.
type ResourceConfig struct {
	ReplicationMethod string `mapstructure:"replication_method" yaml:"replication_method,omitempty" json:"replication_method,omitempty"`
	WindowSizeSeconds *int64 `mapstructure:"window_size_seconds" yaml:"window_size_seconds,omitempty" json:"window_size_seconds,omitempty"`
	LookbackSeconds   *int64 `mapstructure:"lookback_seconds" yaml:"lookback_seconds,omitempty" json:"lookback_seconds,omitempty"`
	LookbackWindows   *int64 `mapstructure:"lookback_windows" yaml:"lookback_windows,omitempty" json:"lookback_windows,omitempty"`
}

// TimeoutConfig contains HTTP timeouts.
type TimeoutConfig struct {
	// Request bounds one page request including the body read.
	Request    time.Duration `mapstructure:"request" yaml:"request" json:"request"`
	Connection time.Duration `mapstructure:"connection" yaml:"connection" json:"connection"`
}

// ReliabilityConfig contains retry and rate limit settings.
type ReliabilityConfig struct {
	RetryAttempts uint          `mapstructure:"retry_attempts" yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay" json:"max_retry_delay"`
	// RateLimitPerSec limits requests per second (0 = unlimited)
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec" yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	RateBurst       int     `mapstructure:"rate_burst" yaml:"rate_burst" json:"rate_burst"`
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel    string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	LogEncoding string `mapstructure:"log_encoding" yaml:"log_encoding" json:"log_encoding"`
	// EnableMetrics serves Prometheus metrics on MetricsAddr during a run.
	EnableMetrics     bool    `mapstructure:"enable_metrics" yaml:"enable_metrics" json:"enable_metrics"`
	MetricsAddr       string  `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
	EnableTracing     bool    `mapstructure:"enable_tracing" yaml:"enable_tracing" json:"enable_tracing"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// Default returns a configuration with every default applied. The API key
// and start date are left empty.
func Default() *Config {
	return &Config{
		BaseURL:   "https://api.stripe.com",
		PageSize:  100,
		UserAgent: "tapstripe",
		Timeouts: TimeoutConfig{
			Request:    60 * time.Second,
			Connection: 30 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   5,
			RetryDelay:      time.Second,
			MaxRetryDelay:   30 * time.Second,
			RateLimitPerSec: 20,
			RateBurst:       5,
		},
		State: state.Config{
			Backend: "file",
			Path:    "tapstripe-state.json",
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogEncoding:       "json",
			MetricsAddr:       ":9090",
			TracingSampleRate: 1.0,
		},
	}
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.APIKey == "" {
		add("api_key is required")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("base_url %q is not an absolute URL", c.BaseURL)
	}
	if c.StartDate == "" {
		add("start_date is required")
	} else if _, err := state.ParseWatermark(c.StartDate); err != nil {
		add("start_date: %v", err)
	}
	if c.PageSize < 1 || c.PageSize > 100 {
		add("page_size must be between 1 and 100, got %d", c.PageSize)
	}
	if c.ReplicationMethod != "" {
		if _, err := catalog.ParseMode(c.ReplicationMethod); err != nil {
			add("replication_method: %v", err)
		}
	}

	for _, name := range sortedKeys(c.Resources) {
		rc := c.Resources[name]
		if rc.ReplicationMethod != "" {
			if _, err := catalog.ParseMode(rc.ReplicationMethod); err != nil {
				add("resources.%s.replication_method: %v", name, err)
			}
		}
		if rc.WindowSizeSeconds != nil && *rc.WindowSizeSeconds <= 0 {
			add("resources.%s.window_size_seconds must be positive", name)
		}
		if rc.LookbackSeconds != nil && *rc.LookbackSeconds < 0 {
			add("resources.%s.lookback_seconds cannot be negative", name)
		}
		if rc.LookbackWindows != nil && *rc.LookbackWindows < 0 {
			add("resources.%s.lookback_windows cannot be negative", name)
		}
	}

	if c.Timeouts.Request < 0 || c.Timeouts.Connection < 0 {
		add("timeouts cannot be negative")
	}
	if c.Reliability.RetryAttempts < 1 {
		add("reliability.retry_attempts must be at least 1")
	}
	if c.Reliability.RetryDelay < 0 || c.Reliability.MaxRetryDelay < 0 {
		add("reliability retry delays cannot be negative")
	}
	if c.Reliability.RateLimitPerSec < 0 {
		add("reliability.rate_limit_per_sec cannot be negative")
	}
	if c.State.Backend == "" {
		add("state.backend is required")
	}
	if _, err := zapcore.ParseLevel(c.Observability.LogLevel); err != nil {
		add("observability.log_level: %v", err)
	}
	switch c.Observability.LogEncoding {
	case "json", "console":
	default:
		add("observability.log_encoding must be json or console, got %q", c.Observability.LogEncoding)
	}
	if r := c.Observability.TracingSampleRate; r < 0 || r > 1 {
		add("observability.tracing_sample_rate must be between 0 and 1, got %v", r)
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Wrap(errors.Join(errs...), errors.ErrorTypeConfig, "invalid configuration").
		WithDetail("problems", len(errs))
}

// StartTime returns start_date in epoch seconds.
func (c *Config) StartTime() (int64, error) {
	ts, err := state.ParseWatermark(c.StartDate)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "invalid start_date")
	}
	return ts, nil
}

// Mode returns the default replication mode, or "" when each resource
// keeps its own.
func (c *Config) Mode() (catalog.Mode, error) {
	if c.ReplicationMethod == "" {
		return "", nil
	}
	return catalog.ParseMode(c.ReplicationMethod)
}

// Modes returns the per-resource replication modes that are set.
func (c *Config) Modes() (map[string]catalog.Mode, error) {
	modes := make(map[string]catalog.Mode)
	for name, rc := range c.Resources {
		if rc.ReplicationMethod == "" {
			continue
		}
		m, err := catalog.ParseMode(rc.ReplicationMethod)
		if err != nil {
			return nil, err
		}
		modes[name] = m
	}
	return modes, nil
}

// Overrides returns the per-resource catalog overrides.
func (c *Config) Overrides() map[string]catalog.Override {
	out := make(map[string]catalog.Override, len(c.Resources))
	for name, rc := range c.Resources {
		if rc.WindowSizeSeconds == nil && rc.LookbackSeconds == nil && rc.LookbackWindows == nil {
			continue
		}
		out[name] = catalog.Override{
			WindowSize:      rc.WindowSizeSeconds,
			LookbackSeconds: rc.LookbackSeconds,
			LookbackWindows: rc.LookbackWindows,
		}
	}
	return out
}

// RetryPolicy returns the page request retry policy.
func (r ReliabilityConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		Attempts: r.RetryAttempts,
		Delay:    r.RetryDelay,
		MaxDelay: r.MaxRetryDelay,
	}
}

// IsRateLimited returns true if rate limiting is enabled
func (r ReliabilityConfig) IsRateLimited() bool {
	return r.RateLimitPerSec > 0
}

// Redacted returns a copy safe to print: the API key keeps only its last
// four characters and DSN passwords are masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.APIKey = mask(c.APIKey)
	if c.State.DSN != "" {
		if u, err := url.Parse(c.State.DSN); err == nil && u.User != nil {
			out.State.DSN = u.Redacted()
		}
	}
	if c.Resources != nil {
		out.Resources = make(map[string]ResourceConfig, len(c.Resources))
		for k, v := range c.Resources {
			out.Resources[k] = v
		}
	}
	out.Select = append([]string(nil), c.Select...)
	return &out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-4) + secret[len(secret)-4:]
}

func sortedKeys(m map[string]ResourceConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
