package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/provider"
	"github.com/ssuji15/loracloud/model"
)

// DefaultOffers seeds a simulator started without explicit offers.
var DefaultOffers = []model.Offer{
	{ID: "1001", GPUKind: "RTX 4090", NumGPUs: 1, GPURAMGB: 24, PricePerHour: 0.45, Location: "US"},
	{ID: "1002", GPUKind: "RTX 4090", NumGPUs: 1, GPURAMGB: 24, PricePerHour: 0.39, Location: "EU"},
	{ID: "1003", GPUKind: "A100", NumGPUs: 1, GPURAMGB: 80, PricePerHour: 1.10, Location: "US"},
}

// Provider simulates a GPU marketplace in process. Rented instances boot
// to running after bootDelay when it is positive; otherwise tests drive
// them with SetState.
type Provider struct {
	mu        sync.Mutex
	offers    []model.Offer
	instances map[string]*instance
	order     []string
	nextID    int
	bootDelay time.Duration
	failErr   error
	rentCalls int

	OnTerminate func(id string)
}

type instance struct {
	inst     model.Instance
	rentedAt time.Time
}

func NewProvider(offers []model.Offer, bootDelay time.Duration) *Provider {
	if offers == nil {
		offers = DefaultOffers
	}
	return &Provider{
		offers:    append([]model.Offer(nil), offers...),
		instances: make(map[string]*instance),
		nextID:    5000,
		bootDelay: bootDelay,
	}
}

var _ provider.Provider = (*Provider)(nil)

func (p *Provider) SearchOffers(ctx context.Context, q model.OfferQuery) ([]model.Offer, error) {
	if err := provider.ValidateQuery(q); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.unavailable("provider.SearchOffers"); err != nil {
		return nil, err
	}

	out := []model.Offer{}
	for _, o := range p.offers {
		if q.GPUKind != "" && o.GPUKind != q.GPUKind {
			continue
		}
		if o.GPURAMGB < float64(q.MinGPURAMGB) {
			continue
		}
		if q.MaxPricePerHour > 0 && o.PricePerHour > q.MaxPricePerHour {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (p *Provider) Rent(ctx context.Context, req model.RentRequest) (model.Instance, error) {
	if err := provider.ValidateRent(req); err != nil {
		return model.Instance{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rentCalls++
	if err := p.unavailable("provider.Rent"); err != nil {
		return model.Instance{}, err
	}

	var offer *model.Offer
	for i := range p.offers {
		if p.offers[i].ID == req.OfferID {
			offer = &p.offers[i]
			break
		}
	}
	if offer == nil {
		return model.Instance{}, errdefs.New(errdefs.KindNotFound, "provider.Rent", "offer %s", req.OfferID)
	}

	p.nextID++
	now := time.Now().UTC()
	inst := model.Instance{
		ID:           strconv.Itoa(p.nextID),
		GPUKind:      offer.GPUKind,
		NumGPUs:      offer.NumGPUs,
		PricePerHour: offer.PricePerHour,
		State:        model.InstanceRequested,
		Image:        req.Image,
		DiskGB:       req.DiskGB,
		CreatedAt:    &now,
	}
	p.instances[inst.ID] = &instance{inst: inst, rentedAt: now}
	p.order = append(p.order, inst.ID)
	return inst, nil
}

func (p *Provider) List(ctx context.Context) ([]model.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.unavailable("provider.List"); err != nil {
		return nil, err
	}

	out := make([]model.Instance, 0, len(p.order))
	for _, id := range p.order {
		i := p.instances[id]
		p.boot(i)
		out = append(out, i.inst)
	}
	return out, nil
}

func (p *Provider) Get(ctx context.Context, id string) (model.Instance, error) {
	return provider.FindInstance(ctx, p, id)
}

// Terminate removes the instance; unknown ids succeed.
func (p *Provider) Terminate(ctx context.Context, id string) error {
	p.mu.Lock()
	if err := p.unavailable("provider.Terminate"); err != nil {
		p.mu.Unlock()
		return err
	}
	if _, ok := p.instances[id]; ok {
		delete(p.instances, id)
		for i, v := range p.order {
			if v == id {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	hook := p.OnTerminate
	p.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return nil
}

// SetState forces an instance into state. Running instances get a
// loopback connection.
func (p *Provider) SetState(id string, state model.InstanceState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.instances[id]
	if !ok {
		return
	}
	setState(&i.inst, state)
}

// Vanish drops an instance without going through Terminate.
func (p *Provider) Vanish(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.instances, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *Provider) SetUnavailable(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

func (p *Provider) RentCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rentCalls
}

func (p *Provider) unavailable(op string) error {
	if p.failErr == nil {
		return nil
	}
	return errdefs.Wrap(errdefs.KindProviderUnavailable, op, p.failErr)
}

func (p *Provider) boot(i *instance) {
	if p.bootDelay <= 0 {
		return
	}
	if i.inst.State != model.InstanceRequested && i.inst.State != model.InstanceStarting {
		return
	}
	elapsed := time.Since(i.rentedAt)
	switch {
	case elapsed >= p.bootDelay:
		setState(&i.inst, model.InstanceRunning)
	case elapsed >= p.bootDelay/2:
		setState(&i.inst, model.InstanceStarting)
	}
}

func setState(inst *model.Instance, state model.InstanceState) {
	inst.State = state
	if state == model.InstanceRunning {
		inst.Connection = &model.Connection{Host: "127.0.0.1", Port: 22}
	} else {
		inst.Connection = nil
	}
}
