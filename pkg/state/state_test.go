package state

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
)

func TestParseWatermark(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{in: "0", want: 0},
		{in: " 1700000000 ", want: 1700000000},
		{in: "2023-11-14T22:13:20Z", want: 1700000000},
		{in: "2023-11-14T22:13:20.500Z", want: 1700000000},
		{in: "2023-11-15T00:13:20+02:00", want: 1700000000},
		{in: "2023-11-14T22:13:20", want: 1700000000},
		{in: "2023-11-14 22:13:20", want: 1700000000},
		{in: "2023-11-14", want: 1699920000},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseWatermark(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseWatermark("yesterday")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeState))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(map[string]string{"charges": "2023-11-14T22:13:20Z"})

	v, ok, err := m.Get(ctx, "charges")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2023-11-14T22:13:20Z", v)

	_, ok, err = m.Get(ctx, "refunds")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "refunds", 100))
	v, ok, err = m.Get(ctx, "refunds")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "100", v)

	assert.Equal(t, map[string]string{"charges": "2023-11-14T22:13:20Z", "refunds": "100"}, m.Snapshot())
	assert.NoError(t, m.Close())
}

func TestMemoryStoreDisjointResources(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	var wg sync.WaitGroup
	for i, name := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(name string, base int64) {
			defer wg.Done()
			for j := int64(1); j <= 50; j++ {
				_ = m.Set(ctx, name, base+j)
			}
		}(name, int64(i)*1000)
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, "50", snap["a"])
	assert.Equal(t, "1050", snap["b"])
	assert.Equal(t, "2050", snap["c"])
	assert.Equal(t, "3050", snap["d"])
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"memory"}, r.Backends())

	s, err := r.Open(context.Background(), Config{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = r.Open(context.Background(), Config{Backend: "etcd"})
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))

	require.NoError(t, r.Register("custom", func(context.Context, Config) (Store, error) {
		return nil, errors.New(errors.ErrorTypeInternal, "unreachable")
	}))
	assert.True(t, errors.IsConfig(r.Register("custom", nil)))

	_, err = r.Open(context.Background(), Config{Backend: "custom"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeState))
}
