package memory

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/storage"
	"github.com/ssuji15/loracloud/model"
)

type object struct {
	data      []byte
	updatedAt time.Time
}

// MemoryStorage keeps objects in process. Used by the memory provider
// setup and by tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]object
	failErr error
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]object)}
}

// SetUnavailable makes every call fail with a TransportError until cleared with nil.
func (m *MemoryStorage) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *MemoryStorage) unavailable(op string) error {
	if m.failErr == nil {
		return nil
	}
	return errdefs.Wrap(errdefs.KindTransportError, op, m.failErr)
}

func (m *MemoryStorage) List(ctx context.Context, prefix string) ([]model.ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.unavailable("storage.List"); err != nil {
		return nil, err
	}

	var out []model.ObjectInfo
	for k, o := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, model.ObjectInfo{Key: k, Size: int64(len(o.data)), UpdatedAt: o.updatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStorage) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return errdefs.New(errdefs.KindInvalidArgument, "storage.Put", "key cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable("storage.Put"); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = object{data: buf, updatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.unavailable("storage.Get"); err != nil {
		return nil, err
	}
	o, ok := m.objects[key]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "storage.Get", "object %s", key)
	}
	buf := make([]byte, len(o.data))
	copy(buf, o.data)
	return buf, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable("storage.Delete"); err != nil {
		return err
	}
	if _, ok := m.objects[key]; !ok {
		return errdefs.New(errdefs.KindNotFound, "storage.Delete", "object %s", key)
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryStorage) SignedURL(ctx context.Context, key, method string, expiry time.Duration) (string, error) {
	if method == "" {
		method = storage.DefaultSignedURLMethod
	}
	if method != http.MethodGet && method != http.MethodPut {
		return "", errdefs.New(errdefs.KindInvalidArgument, "storage.SignedURL", "unsupported method %s", method)
	}
	return fmt.Sprintf("memory://%s?method=%s&expires=%d", key, method, time.Now().Add(expiry).Unix()), nil
}

func (m *MemoryStorage) ShutDown(ctx context.Context) {}
