//go:build integration
// +build integration

package redis

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/ssuji15/loracloud/internal/cache"
	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/model"
	tredis "github.com/ssuji15/loracloud/tests/integration_test/infra/redis"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

var (
	redisContainer testcontainers.Container
	REDIS_ENDPOINT string
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}
	ctx := context.Background()
	redisContainer, REDIS_ENDPOINT = tredis.SetupContainer(ctx)
	code := m.Run()
	_ = redisContainer.Terminate(ctx)
	os.Exit(code)
}

func newClient(t *testing.T) cache.Cache {
	t.Helper()
	c, err := NewRedisClient(context.Background(), &config.RedisConfig{URL: REDIS_ENDPOINT, TTL: 5})
	require.NoError(t, err)
	t.Cleanup(func() { c.ShutDown(context.Background()) })
	return c
}

func TestNewRedisClient(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		expectErr bool
	}{
		{"valid endpoint", "", false},
		{"unreachable endpoint fails", "127.0.0.1:1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := tt.url
			if url == "" {
				url = REDIS_ENDPOINT
			}
			c, err := NewRedisClient(context.Background(), &config.RedisConfig{URL: url, TTL: 5})
			if tt.expectErr {
				require.Error(t, err)
				require.Nil(t, c)
				return
			}
			require.NoError(t, err)
			c.ShutDown(context.Background())
		})
	}
}

func TestRedisClient_PutGet(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	offers := []model.Offer{{ID: "1", GPUKind: "RTX 4090", PricePerHour: 0.4}}
	require.NoError(t, c.Put(ctx, "offers:test", offers, c.GetDefaultTTL()))

	var out []model.Offer
	require.NoError(t, c.Get(ctx, "offers:test", &out))
	require.Equal(t, offers, out)

	var miss []model.Offer
	require.ErrorIs(t, c.Get(ctx, "offers:missing", &miss), cache.ErrMiss)

	require.Error(t, c.Put(ctx, "", offers, 1))
	require.Error(t, c.Put(ctx, "nil", nil, 1))
}

func TestRedisClient_TTLAndDelete(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "short", "v", 1))
	require.NoError(t, c.Put(ctx, "gone", "v", 10))
	require.NoError(t, c.Delete(ctx, "gone"))

	time.Sleep(1500 * time.Millisecond)

	var out string
	require.ErrorIs(t, c.Get(ctx, "short", &out), cache.ErrMiss)
	require.ErrorIs(t, c.Get(ctx, "gone", &out), cache.ErrMiss)
}
