// Package state persists the per-resource replication watermark.
//
// A watermark is the epoch second up to which a resource has been fully
// replicated. Stores keep one key per resource, so runs of different
// resources never touch the same entry. Backends live in sub-packages and
// register themselves with Register; import them for their side effect.
package state

import (
	"context"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
)

// Store reads and writes watermarks.
type Store interface {
	// Get returns the raw persisted value for resource. Values may be
	// integer epoch seconds or ISO-8601 timestamps written by hand; use
	// ParseWatermark to normalise them. ok is false when none is stored.
	Get(ctx context.Context, resource string) (value string, ok bool, err error)
	// Set persists end as the watermark for resource.
	Set(ctx context.Context, resource string, end int64) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of the registered backend names ("memory", "file",
	// "sqlite", "postgres", "mongodb", "s3", "gcs").
	Backend    string `mapstructure:"backend" yaml:"backend" json:"backend"`
	Path       string `mapstructure:"path" yaml:"path,omitempty" json:"path,omitempty"`
	DSN        string `mapstructure:"dsn" yaml:"dsn,omitempty" json:"dsn,omitempty"`
	Database   string `mapstructure:"database" yaml:"database,omitempty" json:"database,omitempty"`
	Collection string `mapstructure:"collection" yaml:"collection,omitempty" json:"collection,omitempty"`
	Table      string `mapstructure:"table" yaml:"table,omitempty" json:"table,omitempty"`
	Bucket     string `mapstructure:"bucket" yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Prefix     string `mapstructure:"prefix" yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Region     string `mapstructure:"region" yaml:"region,omitempty" json:"region,omitempty"`
	// Endpoint overrides the object store endpoint (S3-compatible stores,
	// GCS emulators).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseWatermark converts an integer epoch or an ISO-8601 timestamp into
// epoch seconds. Timestamps without a zone are read as UTC.
func ParseWatermark(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, errors.Newf(errors.ErrorTypeState, "cannot parse watermark %q as epoch seconds or ISO-8601", s).
		WithDetail("value", s)
}

// FormatWatermark renders a watermark the way stores persist it.
func FormatWatermark(w int64) string {
	return strconv.FormatInt(w, 10)
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns a Memory store seeded with initial raw values.
func NewMemory(initial map[string]string) *Memory {
	m := &Memory{values: make(map[string]string, len(initial))}
	for k, v := range initial {
		m.values[k] = v
	}
	return m
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, resource string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[resource]
	return v, ok, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, resource string, end int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[resource] = FormatWatermark(end)
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

// Snapshot returns a copy of every stored value.
func (m *Memory) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// DefaultTable is the table or collection name used by database backends.
const DefaultTable = "tapstripe_state"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// TableName returns the configured table name, or DefaultTable. Names are
// interpolated into SQL, so only plain identifiers are accepted.
func TableName(cfg Config) (string, error) {
	name := cfg.Table
	if name == "" {
		name = DefaultTable
	}
	if !identifierPattern.MatchString(name) {
		return "", errors.Newf(errors.ErrorTypeConfig, "invalid state table name %q", name)
	}
	return name, nil
}

// Entry is the persisted form used by document and object store backends.
type Entry struct {
	Resource  string    `json:"resource" bson:"_id"`
	Watermark string    `json:"watermark" bson:"watermark"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// ObjectKey returns the object name holding resource's entry under prefix.
func ObjectKey(prefix, resource string) string {
	return path.Join(prefix, resource+".json")
}
