package gcs

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/state"
)

func TestRequiresBucket(t *testing.T) {
	_, err := state.Open(context.Background(), state.Config{Backend: "gcs"})
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

// Set TAPSTRIPE_TEST_GCS_BUCKET (and STORAGE_EMULATOR_HOST for an emulator)
// to run against a real bucket.
func TestStoreIntegration(t *testing.T) {
	bucket := os.Getenv("TAPSTRIPE_TEST_GCS_BUCKET")
	if bucket == "" {
		t.Skip("TAPSTRIPE_TEST_GCS_BUCKET not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := state.Open(ctx, state.Config{
		Backend: "gcs",
		Bucket:  bucket,
		Prefix:  fmt.Sprintf("tapstripe-test/%d", time.Now().UnixNano()),
	})
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Get(ctx, "charges")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "charges", 100))
	v, ok, err := s.Get(ctx, "charges")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "100", v)
}
