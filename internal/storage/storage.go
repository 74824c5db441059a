package storage

import (
	"context"
	"net/http"
	"time"

	"github.com/ssuji15/loracloud/model"
)

// Storage is a key/prefix-addressed blob store. Operations are atomic per
// key. Failures are errdefs NotFound or TransportError.
type Storage interface {
	List(ctx context.Context, prefix string) ([]model.ObjectInfo, error)
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	SignedURL(ctx context.Context, key, method string, expiry time.Duration) (string, error)
	ShutDown(ctx context.Context)
}

// DefaultSignedURLMethod is used when callers pass an empty method.
const DefaultSignedURLMethod = http.MethodGet

// Exists reports whether key is currently listed by the store.
func Exists(ctx context.Context, s Storage, key string) (bool, error) {
	objs, err := s.List(ctx, key)
	if err != nil {
		return false, err
	}
	for _, o := range objs {
		if o.Key == key {
			return true, nil
		}
	}
	return false, nil
}
