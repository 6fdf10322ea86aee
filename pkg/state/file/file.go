// Package file stores watermarks in a local JSON document.
//
// The document is a flat object keyed by resource name. Values may be
// numbers or strings so an operator can seed a resource with an ISO-8601
// timestamp by hand.
package file

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/state"
)

// DefaultPath is used when no path is configured.
const DefaultPath = "tapstripe-state.json"

// Store is a state.Store backed by one JSON file. Writes replace the file
// atomically with a rename.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store for path. The file is created on the first Set.
func New(path string) *Store {
	if path == "" {
		path = DefaultPath
	}
	return &Store{path: path}
}

func (s *Store) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "read state file").WithDetail("path", s.path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]string{}, nil
	}

	raw := map[string]interface{}{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "decode state file").WithDetail("path", s.path)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			values[k] = tv
		case json.Number:
			values[k] = tv.String()
		default:
			return nil, errors.Newf(errors.ErrorTypeState, "watermark for %s has unsupported type %T", k, v).
				WithDetail("path", s.path)
		}
	}
	return values, nil
}

// Get implements state.Store.
func (s *Store) Get(_ context.Context, resource string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[resource]
	return v, ok, nil
}

// Set implements state.Store. Other resources' values are preserved.
func (s *Store) Set(_ context.Context, resource string, end int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	values[resource] = state.FormatWatermark(end)

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "encode state file")
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "create temporary state file").WithDetail("dir", dir)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // already renamed on success

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrorTypeState, "write temporary state file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrorTypeState, "sync temporary state file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "close temporary state file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, fmt.Sprintf("replace %s", s.path))
	}
	return nil
}

// Close implements state.Store.
func (s *Store) Close() error { return nil }

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

func init() {
	_ = state.Register("file", func(_ context.Context, cfg state.Config) (state.Store, error) {
		return New(cfg.Path), nil
	})
}
