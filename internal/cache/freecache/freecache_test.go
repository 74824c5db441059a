package freecache

import (
	"context"
	"testing"
	"time"

	"github.com/ssuji15/loracloud/internal/cache"
	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/model"
	"github.com/stretchr/testify/require"
)

func newTestCache(ttl int) cache.Cache {
	return NewFreeCache(&config.FreeCacheConfig{SIZE_BYTES: 1024 * 1024, TTL: ttl})
}

// ------------------------
// 1. PUT tests
// ------------------------
func TestFreeCache_Put(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(5)

	tests := []struct {
		name      string
		key       string
		value     interface{}
		expectErr bool
	}{
		{"Empty key should fail", "", "value", true},
		{"Nil value should fail", "nil_value", nil, true},
		{"String value should succeed", "instance", "1234", false},
		{"Offer list should succeed", "offers:a", []model.Offer{{ID: "1", PricePerHour: 0.4}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Put(ctx, tt.key, tt.value, c.GetDefaultTTL())
			if tt.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

// ------------------------
// 2. GET tests
// ------------------------
func TestFreeCache_Get(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(5)

	offers := []model.Offer{{ID: "7", GPUKind: "RTX 4090", PricePerHour: 0.35}}
	inst := model.Instance{ID: "42", State: model.InstanceRequested, PricePerHour: 0.35}
	require.NoError(t, c.Put(ctx, "offers", offers, c.GetDefaultTTL()))
	require.NoError(t, c.Put(ctx, "instance", inst, c.GetDefaultTTL()))

	t.Run("Empty key should fail", func(t *testing.T) {
		var out string
		require.Error(t, c.Get(ctx, "", &out))
	})

	t.Run("Missing key is a miss", func(t *testing.T) {
		var out string
		require.ErrorIs(t, c.Get(ctx, "missing", &out), cache.ErrMiss)
	})

	t.Run("Offer list round trips", func(t *testing.T) {
		var out []model.Offer
		require.NoError(t, c.Get(ctx, "offers", &out))
		require.Equal(t, offers, out)
	})

	t.Run("Instance round trips", func(t *testing.T) {
		var out model.Instance
		require.NoError(t, c.Get(ctx, "instance", &out))
		require.Equal(t, inst, out)
	})
}

// ------------------------
// 3. TTL tests
// ------------------------
func TestFreeCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(2)

	tests := []struct {
		name        string
		key         string
		value       string
		ttlSeconds  int
		sleepBefore time.Duration
		expectErr   bool
	}{
		{"Short TTL should expire", "short", "temp", 1, 2 * time.Second, true},
		{"Long TTL should survive", "long", "persistent", 5, 2 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, c.Put(ctx, tt.key, tt.value, tt.ttlSeconds))

			time.Sleep(tt.sleepBefore)

			var out string
			err := c.Get(ctx, tt.key, &out)
			if tt.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.Equal(t, tt.value, out)
			}
		})
	}
}

// ------------------------
// 4. Delete and Shutdown tests
// ------------------------
func TestFreeCache_Delete(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(5)

	require.NoError(t, c.Put(ctx, "key1", "value1", c.GetDefaultTTL()))
	require.NoError(t, c.Delete(ctx, "key1"))

	var out string
	require.ErrorIs(t, c.Get(ctx, "key1", &out), cache.ErrMiss)
}

func TestFreeCache_Shutdown(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(5)

	require.NoError(t, c.Put(ctx, "key1", "value1", c.GetDefaultTTL()))
	require.NoError(t, c.Put(ctx, "key2", "value2", c.GetDefaultTTL()))

	c.ShutDown(ctx)

	for _, key := range []string{"key1", "key2"} {
		var out string
		require.Error(t, c.Get(ctx, key, &out))
	}
}
