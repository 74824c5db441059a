package provider

import (
	"context"

	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/model"
)

// Provider is a remote GPU marketplace. List is the only source of truth
// for instance state; nothing here caches it.
type Provider interface {
	SearchOffers(ctx context.Context, q model.OfferQuery) ([]model.Offer, error)
	Rent(ctx context.Context, req model.RentRequest) (model.Instance, error)
	List(ctx context.Context) ([]model.Instance, error)
	Get(ctx context.Context, id string) (model.Instance, error)
	Terminate(ctx context.Context, id string) error
}

// FindInstance looks id up in a fresh List.
func FindInstance(ctx context.Context, p Provider, id string) (model.Instance, error) {
	instances, err := p.List(ctx)
	if err != nil {
		return model.Instance{}, err
	}
	for _, inst := range instances {
		if inst.ID == id {
			return inst, nil
		}
	}
	return model.Instance{}, errdefs.New(errdefs.KindNotFound, "provider.Get", "instance %s", id)
}

// Cheapest returns the lowest-priced offer, keeping the first on ties.
func Cheapest(offers []model.Offer) (model.Offer, error) {
	if len(offers) == 0 {
		return model.Offer{}, errdefs.ErrNoOffersAvailable
	}
	best := offers[0]
	for _, o := range offers[1:] {
		if o.PricePerHour < best.PricePerHour {
			best = o
		}
	}
	return best, nil
}

func ValidateQuery(q model.OfferQuery) error {
	if q.MinGPURAMGB < 0 {
		return errdefs.New(errdefs.KindInvalidArgument, "provider.SearchOffers", "minGpuRamGb must be >= 0")
	}
	if q.MaxPricePerHour < 0 {
		return errdefs.New(errdefs.KindInvalidArgument, "provider.SearchOffers", "maxPricePerHour must be >= 0")
	}
	return nil
}

func ValidateRent(req model.RentRequest) error {
	switch {
	case req.OfferID == "":
		return errdefs.New(errdefs.KindInvalidArgument, "provider.Rent", "offer id is empty")
	case req.Image == "":
		return errdefs.New(errdefs.KindInvalidArgument, "provider.Rent", "image is empty")
	case req.DiskGB <= 0:
		return errdefs.New(errdefs.KindInvalidArgument, "provider.Rent", "invalid disk size %d", req.DiskGB)
	}
	return nil
}
