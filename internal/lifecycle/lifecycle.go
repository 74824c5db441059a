package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/ssuji15/loracloud/internal/cache"
	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/job_tracer"
	"github.com/ssuji15/loracloud/internal/jobs"
	"github.com/ssuji15/loracloud/internal/metrics"
	"github.com/ssuji15/loracloud/internal/provider"
	"github.com/ssuji15/loracloud/internal/queue"
	"github.com/ssuji15/loracloud/internal/service/logger"
	"github.com/ssuji15/loracloud/internal/storage"
	"github.com/ssuji15/loracloud/internal/tunnel"
	"github.com/ssuji15/loracloud/internal/util"
	"github.com/ssuji15/loracloud/model"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultGPUKind  = "RTX 4090"
	DefaultDiskGB   = 50
	DefaultMaxPrice = 1.0

	// launched instances are remembered per idempotency key for a day
	idempotencyTTL = 24 * 60 * 60
)

// Controller orchestrates instances, tunnels and training jobs.
type Controller struct {
	provider provider.Provider
	tunnels  *tunnel.Manager
	jobs     *jobs.Registry
	storage  storage.Storage
	cache    cache.Cache
	queue    queue.Queue

	reconcileInterval time.Duration
	signedURLExpiry   time.Duration
	launches          singleflight.Group

	// last known state of every instance the reconciler has seen alive
	seenMu sync.Mutex
	seen   map[string]model.InstanceState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

func NewController(p provider.Provider, t *tunnel.Manager, j *jobs.Registry, s storage.Storage, c cache.Cache, q queue.Queue, cfg *config.ServerConfig) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		provider:          p,
		tunnels:           t,
		jobs:              j,
		storage:           s,
		cache:             c,
		queue:             q,
		reconcileInterval: time.Duration(cfg.RECONCILE_INTERVAL_SECOND) * time.Second,
		signedURLExpiry:   time.Hour,
		seen:              make(map[string]model.InstanceState),
		ctx:               ctx,
		cancel:            cancel,
		log:               logger.Component("lifecycle"),
	}
}

// Start recovers persisted jobs and starts the tunnel health sweep and the
// reconciler.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.jobs.Start(ctx); err != nil {
		return err
	}
	c.tunnels.Start()

	if c.reconcileInterval <= 0 {
		return nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				_ = c.Reconcile(c.ctx)
			}
		}
	}()
	return nil
}

// ShutDown stops the reconciler, the job pollers and every tunnel.
func (c *Controller) ShutDown(ctx context.Context) {
	c.cancel()
	c.wg.Wait()
	c.jobs.ShutDown(ctx)
	c.tunnels.ShutDown(ctx)
	c.log.Info().Msg("lifecycle controller stopped")
}

func (c *Controller) SearchOffers(ctx context.Context, q model.OfferQuery) ([]model.Offer, error) {
	return c.provider.SearchOffers(ctx, q)
}

// LaunchInstance rents the cheapest matching offer. Requests sharing an
// idempotency key rent at most once.
func (c *Controller) LaunchInstance(ctx context.Context, req model.LaunchRequest) (model.Instance, error) {
	if req.Image == "" {
		return model.Instance{}, errdefs.New(errdefs.KindInvalidArgument, "lifecycle.LaunchInstance", "image is required")
	}
	if req.GPUKind == "" {
		req.GPUKind = DefaultGPUKind
	}
	if req.DiskGB == 0 {
		req.DiskGB = DefaultDiskGB
	}
	if req.MaxPricePerHour == 0 {
		req.MaxPricePerHour = DefaultMaxPrice
	}

	if req.IdempotencyKey == "" {
		return c.launch(ctx, req)
	}

	key := util.GetIdempotencyKey(req.IdempotencyKey)
	v, err, _ := c.launches.Do(key, func() (interface{}, error) {
		var inst model.Instance
		err := c.cache.Get(ctx, key, &inst)
		if err == nil {
			c.log.Info().Str("instance_id", inst.ID).Str("idempotency_key", req.IdempotencyKey).Msg("launch replayed")
			return inst, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			c.log.Warn().Err(err).Str("key", key).Msg("idempotency cache read failed")
		}

		inst, err = c.launch(ctx, req)
		if err != nil {
			return model.Instance{}, err
		}
		if err := c.cache.Put(ctx, key, inst, idempotencyTTL); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("idempotency cache write failed")
		}
		return inst, nil
	})
	if err != nil {
		return model.Instance{}, err
	}
	return v.(model.Instance), nil
}

func (c *Controller) launch(ctx context.Context, req model.LaunchRequest) (model.Instance, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Lifecycle/LaunchInstance")
	defer span.End()
	span.SetAttributes(attribute.String("gpu_kind", req.GPUKind))

	offers, err := c.provider.SearchOffers(ctx, model.OfferQuery{
		GPUKind:         req.GPUKind,
		MinGPURAMGB:     req.MinGPURAMGB,
		MaxPricePerHour: req.MaxPricePerHour,
	})
	if err != nil {
		metrics.InstanceLaunches.WithLabelValues("search_error").Inc()
		util.RecordSpanError(span, err)
		return model.Instance{}, err
	}
	offer, err := provider.Cheapest(offers)
	if err != nil {
		metrics.InstanceLaunches.WithLabelValues("no_offers").Inc()
		return model.Instance{}, errdefs.WithOp(errdefs.ErrNoOffersAvailable, "lifecycle.LaunchInstance", nil)
	}

	inst, err := c.provider.Rent(ctx, model.RentRequest{
		OfferID: offer.ID,
		Image:   req.Image,
		DiskGB:  req.DiskGB,
	})
	if err != nil {
		metrics.InstanceLaunches.WithLabelValues("rent_error").Inc()
		util.RecordSpanError(span, err)
		return model.Instance{}, err
	}
	enrich(&inst, offer, req)
	span.SetAttributes(attribute.String("instance_id", inst.ID))

	c.seenMu.Lock()
	c.seen[inst.ID] = inst.State
	c.seenMu.Unlock()

	metrics.InstanceLaunches.WithLabelValues("ok").Inc()
	c.publish(queue.NewEvent(queue.InstanceLaunched, inst.ID, "", string(inst.State)))
	c.log.Info().Str("instance_id", inst.ID).Str("offer_id", offer.ID).
		Float64("price_per_hour", offer.PricePerHour).Msg("instance launched")
	return inst, nil
}

// enrich fills what the rent response leaves out from the chosen offer.
func enrich(inst *model.Instance, offer model.Offer, req model.LaunchRequest) {
	if inst.GPUKind == "" {
		inst.GPUKind = offer.GPUKind
	}
	if inst.NumGPUs == 0 {
		inst.NumGPUs = offer.NumGPUs
	}
	if inst.PricePerHour == 0 {
		inst.PricePerHour = offer.PricePerHour
	}
	if inst.Image == "" {
		inst.Image = req.Image
	}
	if inst.DiskGB == 0 {
		inst.DiskGB = req.DiskGB
	}
	if inst.State == "" {
		inst.State = model.InstanceRequested
	}
	if inst.CreatedAt == nil {
		now := time.Now().UTC()
		inst.CreatedAt = &now
	}
}

func (c *Controller) ListInstances(ctx context.Context) ([]model.Instance, error) {
	return c.provider.List(ctx)
}

func (c *Controller) GetInstance(ctx context.Context, id string) (model.Instance, error) {
	return c.provider.Get(ctx, id)
}

// StopInstance releases the tunnel first and only then terminates.
// A tunnel that fails to close does not block termination.
func (c *Controller) StopInstance(ctx context.Context, id string) error {
	if id == "" {
		return errdefs.New(errdefs.KindInvalidArgument, "lifecycle.StopInstance", "instance id is empty")
	}
	if err := c.tunnels.Close(ctx, id); err != nil {
		c.log.Warn().Err(err).Str("instance_id", id).Msg("tunnel close before terminate")
	}
	if err := c.provider.Terminate(ctx, id); err != nil {
		return err
	}

	c.seenMu.Lock()
	delete(c.seen, id)
	c.seenMu.Unlock()

	c.jobs.InstanceGone(ctx, id)
	c.publish(queue.NewEvent(queue.InstanceTerminated, id, "", string(model.InstanceTerminated)))
	c.log.Info().Str("instance_id", id).Msg("instance terminated")
	return nil
}

func (c *Controller) OpenTunnel(ctx context.Context, instanceID string, req model.TunnelRequest) (model.Tunnel, error) {
	return c.tunnels.Open(ctx, instanceID, req.RemotePort, req.LocalPort)
}

func (c *Controller) CloseTunnel(ctx context.Context, instanceID string) error {
	return c.tunnels.Close(ctx, instanceID)
}

func (c *Controller) TunnelStatus(instanceID string) (model.Tunnel, error) {
	t, ok := c.tunnels.StatusOf(instanceID)
	if !ok {
		return model.Tunnel{}, errdefs.New(errdefs.KindNotFound, "lifecycle.TunnelStatus", "no tunnel for instance %s", instanceID)
	}
	return t, nil
}

func (c *Controller) ListTunnels() []model.Tunnel {
	return c.tunnels.List()
}

// StartTraining submits a job on a running instance. It does not open a
// tunnel; the worker is reached over its own channel.
func (c *Controller) StartTraining(ctx context.Context, req model.TrainingRequest) (model.Job, error) {
	params, err := normalizeParams(req.TrainingParams)
	if err != nil {
		return model.Job{}, err
	}
	raw, err := encodeParams(params)
	if err != nil {
		return model.Job{}, err
	}
	job, err := c.jobs.Submit(ctx, req.InstanceID, raw, params.Steps)
	if err != nil {
		return model.Job{}, err
	}
	c.log.Info().Str("job_id", job.ID.String()).Str("instance_id", req.InstanceID).
		Str("dataset", params.DatasetName).Str("lora", params.LoraName).Msg("training started")
	return job, nil
}

func (c *Controller) ListJobs(instanceID string) []model.Job {
	return c.jobs.List(instanceID)
}

func (c *Controller) GetJob(id uuid.UUID) (model.Job, error) {
	return c.jobs.Get(id)
}

func (c *Controller) CancelJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	return c.jobs.Cancel(ctx, id)
}

func (c *Controller) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return c.jobs.Delete(ctx, id)
}

// Reconcile compares the provider's view with local state: tunnels to
// instances that are not running are closed and active jobs on terminated
// or vanished instances are failed.
func (c *Controller) Reconcile(ctx context.Context) error {
	instances, err := c.provider.List(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		c.log.Warn().Err(err).Msg("reconcile: provider list failed")
		return err
	}
	current := make(map[string]model.Instance, len(instances))
	for _, inst := range instances {
		current[inst.ID] = inst
	}

	for _, t := range c.tunnels.List() {
		inst, ok := current[t.InstanceID]
		if ok && inst.IsRunning() {
			continue
		}
		if err := c.tunnels.Close(ctx, t.InstanceID); err != nil {
			c.log.Warn().Err(err).Str("instance_id", t.InstanceID).Msg("reconcile: tunnel close")
		}
	}

	gone := make(map[string]bool)
	for _, j := range c.jobs.List("") {
		if !j.Status.Active() {
			continue
		}
		inst, ok := current[j.InstanceID]
		if !ok || inst.State == model.InstanceTerminated {
			gone[j.InstanceID] = true
		}
	}
	for id := range gone {
		c.jobs.InstanceGone(ctx, id)
	}

	var terminated []string
	c.seenMu.Lock()
	for id := range c.seen {
		inst, ok := current[id]
		if !ok || inst.State == model.InstanceTerminated {
			terminated = append(terminated, id)
			delete(c.seen, id)
		}
	}
	for id, inst := range current {
		if inst.State != model.InstanceTerminated {
			c.seen[id] = inst.State
		}
	}
	c.seenMu.Unlock()

	for _, id := range terminated {
		c.publish(queue.NewEvent(queue.InstanceTerminated, id, "", string(model.InstanceTerminated)))
		c.log.Info().Str("instance_id", id).Msg("instance terminated by provider")
	}

	metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	return nil
}

func (c *Controller) publish(ev model.Event) {
	if err := c.queue.Publish(c.ctx, ev); err != nil {
		c.log.Warn().Err(err).Str("event", ev.Type).Msg("event not published")
	}
}
