package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/tapstripe/pkg/catalog"
	"github.com/ajitpratap0/tapstripe/pkg/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() *Config {
	c := Default()
	c.APIKey = "sk_test_1234567890"
	c.StartDate = "2024-01-01T00:00:00Z"
	return c
}

func TestDefaultNeedsCredentials(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
	assert.Contains(t, err.Error(), "api_key is required")
	assert.Contains(t, err.Error(), "start_date is required")

	assert.NoError(t, validConfig().Validate())
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_STRIPE_KEY", "sk_test_from_env")
	path := writeFile(t, "tap.yaml", `
api_key: ${TEST_STRIPE_KEY}
start_date: "2024-01-01"
page_size: 50
replication_method: incremental
select: [charges, disputes]
resources:
  disputes:
    window_size_seconds: 3600
    lookback_windows: 24
  balance_transactions:
    replication_method: FULL_TABLE
reliability:
  retry_attempts: 3
  retry_delay: 250ms
state:
  backend: sqlite
  path: /tmp/tap.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sk_test_from_env", cfg.APIKey)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, []string{"charges", "disputes"}, cfg.Select)
	assert.Equal(t, uint(3), cfg.Reliability.RetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Reliability.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Reliability.MaxRetryDelay)
	assert.Equal(t, "sqlite", cfg.State.Backend)
	assert.Equal(t, "https://api.stripe.com", cfg.BaseURL)

	start, err := cfg.StartTime()
	require.NoError(t, err)
	assert.Equal(t, int64(1704067200), start)

	mode, err := cfg.Mode()
	require.NoError(t, err)
	assert.Equal(t, catalog.ModeIncremental, mode)

	modes, err := cfg.Modes()
	require.NoError(t, err)
	assert.Equal(t, map[string]catalog.Mode{"balance_transactions": catalog.ModeFullTable}, modes)

	overrides := cfg.Overrides()
	require.Contains(t, overrides, "disputes")
	require.NotNil(t, overrides["disputes"].WindowSize)
	assert.Equal(t, int64(3600), *overrides["disputes"].WindowSize)
	assert.Equal(t, int64(24), *overrides["disputes"].LookbackWindows)
	assert.Nil(t, overrides["disputes"].LookbackSeconds)
	assert.NotContains(t, overrides, "balance_transactions")
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "tap.json", `{"api_key":"sk_test_json","start_date":"0","page_size":10}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk_test_json", cfg.APIKey)
	assert.Equal(t, 10, cfg.PageSize)
	assert.NoError(t, cfg.Validate())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("TAP_STRIPE_API_KEY", "sk_env")
	t.Setenv("TAP_STRIPE_STATE_BACKEND", "memory")
	t.Setenv("TAP_STRIPE_PAGE_SIZE", "25")
	path := writeFile(t, "tap.yml", "api_key: sk_file\npage_size: 100\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk_env", cfg.APIKey)
	assert.Equal(t, "memory", cfg.State.Backend)
	assert.Equal(t, 25, cfg.PageSize)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("TAP_STRIPE_START_DATE", "1700000000")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "1700000000", cfg.StartDate)
	assert.Equal(t, Default().Timeouts, cfg.Timeouts)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsConfig(err))

	path := writeFile(t, "bad.yaml", "api_key: [unclosed\n")
	_, err = Load(path)
	assert.True(t, errors.IsConfig(err))
}

func TestValidateReportsEveryProblem(t *testing.T) {
	neg := int64(-1)
	zero := int64(0)
	c := validConfig()
	c.PageSize = 101
	c.StartDate = "yesterday"
	c.ReplicationMethod = "LOG_BASED"
	c.Resources = map[string]ResourceConfig{
		"charges": {WindowSizeSeconds: &zero, LookbackSeconds: &neg},
	}
	c.Reliability.RetryAttempts = 0
	c.Observability.TracingSampleRate = 2
	c.Observability.LogLevel = "loud"

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
	problems, _ := errors.Detail(err, "problems")
	assert.Equal(t, 8, problems)
	for _, want := range []string{
		"page_size", "start_date", "replication_method", "window_size_seconds",
		"lookback_seconds", "retry_attempts", "tracing_sample_rate", "log_level",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRedacted(t *testing.T) {
	c := validConfig()
	c.State.DSN = "postgres://tap:hunter2@db:5432/tap"
	c.Resources = map[string]ResourceConfig{"charges": {ReplicationMethod: "FULL_TABLE"}}

	r := c.Redacted()
	assert.Equal(t, "**************7890", r.APIKey)
	assert.NotContains(t, r.State.DSN, "hunter2")
	assert.Equal(t, "sk_test_1234567890", c.APIKey)

	r.Resources["charges"] = ResourceConfig{}
	assert.Equal(t, "FULL_TABLE", c.Resources["charges"].ReplicationMethod)

	assert.Equal(t, "****", mask("abcd"))
	assert.Equal(t, "", mask(""))
}

func TestSaveRoundTrip(t *testing.T) {
	c := validConfig()
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, c.Redacted()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk_test_1234567890")

	var back map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, 100, back["page_size"])

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.Timeouts, loaded.Timeouts)
	assert.Equal(t, c.Reliability, loaded.Reliability)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TAP_A", "x")
	t.Setenv("TAP_LOOP", "${TAP_LOOP}")
	assert.Equal(t, "a=x b= c=${TAP_LOOP}", substituteEnvVars("a=${TAP_A} b=${TAP_UNSET_VAR} c=${TAP_LOOP}"))
	assert.Equal(t, "plain ${unterminated", substituteEnvVars("plain ${unterminated"))
}

func TestRetryPolicy(t *testing.T) {
	p := Default().Reliability.RetryPolicy()
	assert.Equal(t, uint(5), p.Attempts)
	assert.Equal(t, time.Second, p.Delay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.True(t, Default().Reliability.IsRateLimited())
}
