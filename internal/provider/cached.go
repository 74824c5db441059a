package provider

import (
	"context"
	"errors"

	"github.com/ssuji15/loracloud/internal/cache"
	"github.com/ssuji15/loracloud/internal/service/logger"
	"github.com/ssuji15/loracloud/internal/util"
	"github.com/ssuji15/loracloud/model"
)

// Cached memoizes offer searches. Instance reads always go to the provider.
type Cached struct {
	Provider
	cache cache.Cache
}

func NewCached(p Provider, c cache.Cache) *Cached {
	return &Cached{Provider: p, cache: c}
}

func (c *Cached) SearchOffers(ctx context.Context, q model.OfferQuery) ([]model.Offer, error) {
	key := util.GetOffersKey(q.GPUKind, q.MinGPURAMGB, q.MaxPricePerHour)

	var offers []model.Offer
	err := c.cache.Get(ctx, key, &offers)
	if err == nil {
		return offers, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		logger.Log.Warn().Err(err).Str("key", key).Msg("offer cache read failed")
	}

	offers, err = c.Provider.SearchOffers(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(offers) > 0 {
		if err := c.cache.Put(ctx, key, offers, c.cache.GetDefaultTTL()); err != nil {
			logger.Log.Warn().Err(err).Str("key", key).Msg("offer cache write failed")
		}
	}
	return offers, nil
}
