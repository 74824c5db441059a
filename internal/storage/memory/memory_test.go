package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	require.NoError(t, s.Put(ctx, "datasets/faces/1.png", []byte("a")))
	require.NoError(t, s.Put(ctx, "datasets/faces/2.png", []byte("bb")))
	require.NoError(t, s.Put(ctx, "loras/alice.safetensors", []byte("ccc")))

	objs, err := s.List(ctx, "datasets/faces/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, "datasets/faces/1.png", objs[0].Key)
	require.Equal(t, int64(2), objs[1].Size)

	data, err := s.Get(ctx, "loras/alice.safetensors")
	require.NoError(t, err)
	require.Equal(t, []byte("ccc"), data)

	require.NoError(t, s.Delete(ctx, "loras/alice.safetensors"))
	ok, err := storage.Exists(ctx, s, "loras/alice.safetensors")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStorage_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	tests := []struct {
		name string
		call func() error
		kind errdefs.Kind
	}{
		{"get missing", func() error { _, err := s.Get(ctx, "nope"); return err }, errdefs.KindNotFound},
		{"delete missing", func() error { return s.Delete(ctx, "nope") }, errdefs.KindNotFound},
		{"empty key", func() error { return s.Put(ctx, "", nil) }, errdefs.KindInvalidArgument},
		{"bad method", func() error { _, err := s.SignedURL(ctx, "k", "POST", time.Minute); return err }, errdefs.KindInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.kind, errdefs.KindOf(tt.call()))
		})
	}
}

func TestMemoryStorage_Unavailable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	require.NoError(t, s.Put(ctx, "k", []byte("v")))

	s.SetUnavailable(errors.New("connection refused"))
	_, err := s.List(ctx, "")
	require.Equal(t, errdefs.KindTransportError, errdefs.KindOf(err))

	s.SetUnavailable(nil)
	ok, err := storage.Exists(ctx, s, "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryStorage_SignedURL(t *testing.T) {
	s := NewMemoryStorage()
	u, err := s.SignedURL(context.Background(), "loras/a.safetensors", "", time.Hour)
	require.NoError(t, err)
	require.Contains(t, u, "loras/a.safetensors")
	require.Contains(t, u, "method=GET")
}
