package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
)

// EnvPrefix prefixes every environment variable read by Load, e.g.
// TAP_STRIPE_API_KEY or TAP_STRIPE_STATE_BACKEND.
const EnvPrefix = "TAP_STRIPE"

// NewViper returns a viper instance with every default registered and
// environment lookup enabled. Keys must be registered for AutomaticEnv to
// reach them during Unmarshal.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("api_key", d.APIKey)
	v.SetDefault("account_id", d.AccountID)
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("start_date", d.StartDate)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("replication_method", d.ReplicationMethod)
	v.SetDefault("user_agent", d.UserAgent)
	v.SetDefault("select", []string{})

	v.SetDefault("timeouts.request", d.Timeouts.Request)
	v.SetDefault("timeouts.connection", d.Timeouts.Connection)

	v.SetDefault("reliability.retry_attempts", d.Reliability.RetryAttempts)
	v.SetDefault("reliability.retry_delay", d.Reliability.RetryDelay)
	v.SetDefault("reliability.max_retry_delay", d.Reliability.MaxRetryDelay)
	v.SetDefault("reliability.rate_limit_per_sec", d.Reliability.RateLimitPerSec)
	v.SetDefault("reliability.rate_burst", d.Reliability.RateBurst)

	v.SetDefault("state.backend", d.State.Backend)
	v.SetDefault("state.path", d.State.Path)
	for _, key := range []string{"dsn", "database", "collection", "table", "bucket", "prefix", "region", "endpoint"} {
		v.SetDefault("state."+key, "")
	}

	v.SetDefault("observability.log_level", d.Observability.LogLevel)
	v.SetDefault("observability.log_encoding", d.Observability.LogEncoding)
	v.SetDefault("observability.enable_metrics", d.Observability.EnableMetrics)
	v.SetDefault("observability.metrics_addr", d.Observability.MetricsAddr)
	v.SetDefault("observability.enable_tracing", d.Observability.EnableTracing)
	v.SetDefault("observability.tracing_sample_rate", d.Observability.TracingSampleRate)
	return v
}

// Load reads the configuration file at filePath, if any, over the defaults
// and the TAP_STRIPE_* environment. ${VAR} references in the file are
// replaced with environment values before parsing. The result is not
// validated.
func Load(filePath string) (*Config, error) {
	v := NewViper()
	if filePath != "" {
		if err := ReadFile(v, filePath); err != nil {
			return nil, err
		}
	}
	return FromViper(v)
}

// ReadFile merges a YAML or JSON file into v.
func ReadFile(v *viper.Viper, filePath string) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file").WithDetail("path", filePath)
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(filePath)), ".")
	switch format {
	case "yml":
		format = "yaml"
	case "yaml", "json":
	default:
		format = "yaml"
	}
	v.SetConfigType(format)

	content := substituteEnvVars(string(data))
	if err := v.MergeConfig(bytes.NewReader([]byte(content))); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse config file").WithDetail("path", filePath)
	}
	return nil
}

// FromViper decodes v into a Config.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to decode configuration")
	}
	return cfg, nil
}

// Marshal renders c as YAML.
func Marshal(c *Config) ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to marshal YAML")
	}
	return data, nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, c *Config) error {
	data, err := Marshal(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write config file").WithDetail("path", filePath)
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
