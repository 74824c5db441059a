//go:build integration
// +build integration

package minio

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/storage"
	"github.com/ssuji15/loracloud/tests/integration_test/infra/minio"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

var (
	minioContainer testcontainers.Container
	MINIO_ENDPOINT string
)

// ------------------------
// TestMain – container
// ------------------------
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}
	ctx := context.Background()
	minioContainer, MINIO_ENDPOINT = minio.SetupContainer(ctx)
	code := m.Run()
	_ = minioContainer.Terminate(ctx)
	os.Exit(code)
}

func newClient(t *testing.T, bucket string) storage.Storage {
	t.Helper()
	minio.CreateBucket(t, bucket, MINIO_ENDPOINT)
	c, err := NewMinioClient(&config.MinioConfig{
		URL:             MINIO_ENDPOINT,
		BUCKET:          bucket,
		ACCESS_KEY:      "minioadmin",
		SECRET_KEY:      "minioadmin",
		TIMEOUT_SECONDS: 10,
	})
	require.NoError(t, err)
	return c
}

// ------------------------
// 1. Put / List / Delete round trip
// ------------------------
func TestMinioClient_RoundTrip(t *testing.T) {
	c := newClient(t, "lora")
	ctx := context.Background()

	data := []byte("weights")
	require.NoError(t, c.Put(ctx, "loras/alice.safetensors", data))

	objs, err := c.List(ctx, "loras/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	require.Equal(t, "loras/alice.safetensors", objs[0].Key)
	require.Equal(t, int64(len(data)), objs[0].Size)

	got, err := c.Get(ctx, "loras/alice.safetensors")
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, c.Delete(ctx, "loras/alice.safetensors"))

	objs, err = c.List(ctx, "loras/")
	require.NoError(t, err)
	require.Empty(t, objs)
}

// ------------------------
// 2. Error classification
// ------------------------
func TestMinioClient_Errors(t *testing.T) {
	c := newClient(t, "lora-errors")
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		kind errdefs.Kind
	}{
		{"get missing key", func() error { _, err := c.Get(ctx, "missing"); return err }, errdefs.KindNotFound},
		{"delete missing key", func() error { return c.Delete(ctx, "missing") }, errdefs.KindNotFound},
		{"empty put key", func() error { return c.Put(ctx, "", []byte("x")) }, errdefs.KindInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.kind, errdefs.KindOf(tt.call()))
		})
	}
}

func TestMinioClient_TransportError(t *testing.T) {
	c, err := NewMinioClient(&config.MinioConfig{
		URL:             "127.0.0.1:1",
		BUCKET:          "lora",
		ACCESS_KEY:      "minioadmin",
		SECRET_KEY:      "minioadmin",
		TIMEOUT_SECONDS: 2,
	})
	require.NoError(t, err)

	_, err = c.List(context.Background(), "loras/")
	require.Equal(t, errdefs.KindTransportError, errdefs.KindOf(err))
}

// ------------------------
// 3. Signed URLs
// ------------------------
func TestMinioClient_SignedURL(t *testing.T) {
	c := newClient(t, "lora-signed")
	ctx := context.Background()

	u, err := c.SignedURL(ctx, "loras/a.safetensors", "", time.Hour)
	require.NoError(t, err)
	require.Contains(t, u, "X-Amz-Signature")

	_, err = c.SignedURL(ctx, "loras/a.safetensors", "PATCH", time.Hour)
	require.Equal(t, errdefs.KindInvalidArgument, errdefs.KindOf(err))
}

// ------------------------
// 4. ShutDown
// ------------------------
func TestMinioClient_ShutDown(t *testing.T) {
	c := newClient(t, "lora-shutdown")

	done := make(chan struct{})
	go func() {
		c.ShutDown(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown timed out")
	}
}
