package component

import (
	"context"
	"fmt"
	"time"

	"github.com/ssuji15/loracloud/internal/cache"
	"github.com/ssuji15/loracloud/internal/cache/freecache"
	"github.com/ssuji15/loracloud/internal/cache/redis"
	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/db"
	"github.com/ssuji15/loracloud/internal/db/repository"
	"github.com/ssuji15/loracloud/internal/jobs"
	"github.com/ssuji15/loracloud/internal/provider"
	"github.com/ssuji15/loracloud/internal/provider/memory"
	"github.com/ssuji15/loracloud/internal/provider/vast"
	"github.com/ssuji15/loracloud/internal/queue"
	jq "github.com/ssuji15/loracloud/internal/queue/jetstream"
	"github.com/ssuji15/loracloud/internal/storage"
	"github.com/ssuji15/loracloud/internal/storage/gcs"
	memstorage "github.com/ssuji15/loracloud/internal/storage/memory"
	"github.com/ssuji15/loracloud/internal/storage/minio"
)

// simulated instances boot after this long
const memoryBootDelay = 5 * time.Second

func GetCache(ctx context.Context, cacheType string) (cache.Cache, error) {
	switch cacheType {
	case "redis":
		cfg, err := config.GetRedisConfig()
		if err != nil {
			return nil, err
		}
		return redis.NewRedisClient(ctx, cfg)
	default:
		cfg, err := config.GetFreeCacheConfig()
		if err != nil {
			return nil, err
		}
		return freecache.NewFreeCache(cfg), nil
	}
}

func GetQueue(qType string) (queue.Queue, error) {
	switch qType {
	case "jetstream":
		cfg, err := config.GetNatsConfig()
		if err != nil {
			return nil, err
		}
		return jq.NewJetStreamClient(cfg)
	default:
		return queue.Nop(), nil
	}
}

func GetStorage(ctx context.Context, storageType string) (storage.Storage, error) {
	switch storageType {
	case "minio":
		cfg, err := config.GetMinioConfig()
		if err != nil {
			return nil, err
		}
		return minio.NewMinioClient(cfg)
	case "gcs":
		cfg, err := config.GetGCSConfig()
		if err != nil {
			return nil, err
		}
		return gcs.NewGCSClient(ctx, cfg)
	case "memory":
		return memstorage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", storageType)
	}
}

// GetProvider builds the GPU provider and fronts offer searches with c.
func GetProvider(providerType string, c cache.Cache) (provider.Provider, error) {
	var p provider.Provider
	switch providerType {
	case "memory":
		p = memory.NewProvider(nil, memoryBootDelay)
	default:
		cfg, err := config.GetVastConfig()
		if err != nil {
			return nil, err
		}
		p = vast.NewClient(cfg)
	}
	return provider.NewCached(p, c), nil
}

// GetJobStore returns the job persistence backend and a func releasing it.
func GetJobStore(ctx context.Context, storeType string) (jobs.Store, func(), error) {
	switch storeType {
	case "postgres":
		cfg, err := config.GetPostgresConfig()
		if err != nil {
			return nil, nil, err
		}
		d, err := db.New(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := d.Migrate(ctx); err != nil {
			d.Close()
			return nil, nil, err
		}
		return repository.NewJobRepository(d), d.Close, nil
	default:
		return jobs.NopStore(), func() {}, nil
	}
}
