package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/metrics"
	"github.com/ssuji15/loracloud/internal/provider"
	"github.com/ssuji15/loracloud/internal/queue"
	"github.com/ssuji15/loracloud/internal/service/logger"
	"github.com/ssuji15/loracloud/internal/storage"
	"github.com/ssuji15/loracloud/internal/worker"
	"github.com/ssuji15/loracloud/model"
)

// ArtifactFunc maps job parameters to the object key the run should produce.
type ArtifactFunc func(params json.RawMessage) string

type record struct {
	job      model.Job
	stopPoll context.CancelFunc
	// the start command may have reached the worker
	started  bool
	stopSent bool
	// serializes store writes for this job
	persistMu sync.Mutex
}

// Registry owns every training job and the pollers that watch them.
type Registry struct {
	provider    provider.Provider
	worker      worker.Worker
	storage     storage.Storage
	store       Store
	queue       queue.Queue
	artifactFor ArtifactFunc

	pollInterval   time.Duration
	maxUnreachable int
	stopTimeout    time.Duration

	mu     sync.Mutex
	jobs   map[uuid.UUID]*record
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

func NewRegistry(p provider.Provider, w worker.Worker, s storage.Storage, st Store, q queue.Queue, artifactFor ArtifactFunc, cfg *config.JobConfig) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		provider:       p,
		worker:         w,
		storage:        s,
		store:          st,
		queue:          q,
		artifactFor:    artifactFor,
		pollInterval:   time.Duration(cfg.POLL_INTERVAL_SECONDS) * time.Second,
		maxUnreachable: cfg.MAX_UNREACHABLE,
		stopTimeout:    time.Duration(cfg.WORKER_TIMEOUT_SECOND) * time.Second,
		jobs:           make(map[uuid.UUID]*record),
		ctx:            ctx,
		cancel:         cancel,
		log:            logger.Component("jobs"),
	}
}

// SetPollInterval overrides the configured interval; used before Start.
func (r *Registry) SetPollInterval(d time.Duration) {
	r.pollInterval = d
}

// Start reloads persisted jobs and resumes polling the active ones.
func (r *Registry) Start(ctx context.Context) error {
	stored, err := r.store.List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	var resume []*record
	for _, j := range stored {
		if _, ok := r.jobs[j.ID]; ok {
			continue
		}
		// a pending job may have been started before the restart
		rec := &record{job: *j, started: j.Status.Active()}
		r.jobs[j.ID] = rec
		if j.Status.Active() {
			resume = append(resume, rec)
		}
	}
	for _, rec := range resume {
		r.startPollerLocked(rec, rec.job.Status == model.JobPending)
	}
	r.updateGaugeLocked()
	r.mu.Unlock()

	if len(stored) > 0 {
		r.log.Info().Int("jobs", len(stored)).Int("resumed", len(resume)).Msg("jobs recovered")
	}
	return nil
}

// Submit creates a pending job on instanceID. The instance must be running
// and have no other active job.
func (r *Registry) Submit(ctx context.Context, instanceID string, params json.RawMessage, total int) (model.Job, error) {
	if instanceID == "" {
		return model.Job{}, errdefs.New(errdefs.KindInvalidArgument, "jobs.Submit", "instance id is empty")
	}
	if total < 0 {
		return model.Job{}, errdefs.New(errdefs.KindInvalidArgument, "jobs.Submit", "total must be >= 0")
	}
	if len(params) == 0 || !json.Valid(params) {
		return model.Job{}, errdefs.New(errdefs.KindInvalidArgument, "jobs.Submit", "parameters must be valid json")
	}

	r.mu.Lock()
	err := r.checkSubmittableLocked(instanceID)
	r.mu.Unlock()
	if err != nil {
		return model.Job{}, err
	}

	inst, err := r.provider.Get(ctx, instanceID)
	if err != nil {
		return model.Job{}, err
	}
	if !inst.IsRunning() {
		return model.Job{}, errdefs.WithOp(errdefs.ErrInstanceNotReady, "jobs.Submit", errors.New("state "+string(inst.State)))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return model.Job{}, errdefs.Wrap(errdefs.KindInternal, "jobs.Submit", err)
	}
	now := time.Now().UTC()
	rec := &record{job: model.Job{
		ID:         id,
		InstanceID: instanceID,
		Parameters: append(json.RawMessage(nil), params...),
		Status:     model.JobPending,
		Total:      total,
		CreatedAt:  &now,
	}}

	// recheck: another submit may have won while the provider was queried
	r.mu.Lock()
	if err := r.checkSubmittableLocked(instanceID); err != nil {
		r.mu.Unlock()
		return model.Job{}, err
	}
	r.jobs[id] = rec
	r.updateGaugeLocked()
	job := rec.job
	r.mu.Unlock()

	if err := r.store.Create(ctx, &job); err != nil {
		r.mu.Lock()
		delete(r.jobs, id)
		r.updateGaugeLocked()
		r.mu.Unlock()
		return model.Job{}, err
	}

	metrics.JobTransitions.WithLabelValues(string(model.JobPending)).Inc()
	r.publish(queue.JobCreated, job)
	r.log.Info().Str("job_id", id.String()).Str("instance_id", instanceID).Msg("job submitted")

	r.mu.Lock()
	if r.jobs[id] == rec && rec.job.Status.Active() && !r.closed {
		r.startPollerLocked(rec, true)
	}
	r.mu.Unlock()
	return job, nil
}

func (r *Registry) checkSubmittableLocked(instanceID string) error {
	if r.closed {
		return errdefs.WithOp(errdefs.ErrClosed, "jobs.Submit", nil)
	}
	for _, rec := range r.jobs {
		if rec.job.InstanceID == instanceID && rec.job.Status.Active() {
			return errdefs.WithOp(errdefs.ErrInstanceBusy, "jobs.Submit", errors.New("active job "+rec.job.ID.String()))
		}
	}
	return nil
}

// Observe applies one progress observation. Regressive or out-of-range
// progress and updates to terminal jobs are logged and dropped.
func (r *Registry) Observe(ctx context.Context, jobID uuid.UUID, u model.JobUpdate) error {
	r.mu.Lock()
	rec, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return errdefs.New(errdefs.KindNotFound, "jobs.Observe", "job %s", jobID)
	}
	before := rec.job.Status
	changed, reason := apply(&rec.job, u, time.Now().UTC())
	after := rec.job.Status
	if after.Terminal() && rec.stopPoll != nil {
		rec.stopPoll()
		rec.stopPoll = nil
	}
	r.updateGaugeLocked()
	job := rec.job
	r.mu.Unlock()

	if reason != "" {
		r.log.Warn().Str("job_id", jobID.String()).Str("reason", reason).
			Int("progress", job.Progress).Int("update_progress", u.Progress).Msg("update ignored")
		return nil
	}
	if !changed {
		return nil
	}

	r.persist(ctx, rec)
	if after != before {
		r.transitioned(before, job)
	}
	return nil
}

// apply mutates job per u and reports whether anything changed. A
// non-empty reason means the update was rejected.
func apply(job *model.Job, u model.JobUpdate, now time.Time) (bool, string) {
	if job.Status.Terminal() {
		return false, "job is " + string(job.Status)
	}
	if u.Total > 0 {
		if u.Progress > u.Total {
			return false, "progress beyond total"
		}
		if u.Progress < job.Progress {
			return false, "progress regression"
		}
	}

	changed := false
	if u.Total > 0 && (u.Progress != job.Progress || u.Total != job.Total) {
		job.Progress = u.Progress
		job.Total = u.Total
		changed = true
	}

	switch u.Status {
	case model.JobPending:
		if u.Total > 0 && u.Progress > 0 {
			markRunning(job, now)
			changed = true
		}
	case model.JobRunning:
		if job.Status == model.JobPending {
			markRunning(job, now)
			changed = true
		}
	case model.JobCompleted:
		markRunning(job, now)
		job.Status = model.JobCompleted
		job.ArtifactRef = u.ArtifactRef
		job.EndedAt = &now
		changed = true
	case model.JobFailed:
		markRunning(job, now)
		job.Status = model.JobFailed
		job.Error = u.Error
		if job.Error == nil {
			job.Error = &model.JobError{Kind: string(errdefs.KindInternal), Message: "worker reported failure"}
		}
		job.EndedAt = &now
		changed = true
	case model.JobCancelled:
		return false, "cancellation is local only"
	}
	return changed, ""
}

func markRunning(job *model.Job, now time.Time) {
	if job.Status == model.JobPending {
		job.Status = model.JobRunning
		job.StartedAt = &now
	}
}

// fail moves an active job straight to failed. This is the only path from
// pending to failed.
func (r *Registry) fail(ctx context.Context, jobID uuid.UUID, kind errdefs.Kind, msg string) {
	r.mu.Lock()
	rec, ok := r.jobs[jobID]
	if !ok || !rec.job.Status.Active() {
		r.mu.Unlock()
		return
	}
	before := rec.job.Status
	now := time.Now().UTC()
	rec.job.Status = model.JobFailed
	rec.job.Error = &model.JobError{Kind: string(kind), Message: msg}
	rec.job.EndedAt = &now
	if rec.stopPoll != nil {
		rec.stopPoll()
		rec.stopPoll = nil
	}
	r.updateGaugeLocked()
	job := rec.job
	r.mu.Unlock()

	r.log.Warn().Str("job_id", jobID.String()).Str("kind", string(kind)).Msg(msg)
	r.persist(ctx, rec)
	r.transitioned(before, job)
}

// Cancel commits cancelled locally before returning. Stopping the remote
// trainer is attempted in the background and not confirmed.
func (r *Registry) Cancel(ctx context.Context, jobID uuid.UUID) (model.Job, error) {
	r.mu.Lock()
	rec, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return model.Job{}, errdefs.New(errdefs.KindNotFound, "jobs.Cancel", "job %s", jobID)
	}
	if !rec.job.Status.Active() {
		status := rec.job.Status
		r.mu.Unlock()
		return model.Job{}, errdefs.WithOp(errdefs.ErrInvalidTransition, "jobs.Cancel", errors.New("job is "+string(status)))
	}
	before := rec.job.Status
	now := time.Now().UTC()
	rec.job.Status = model.JobCancelled
	rec.job.EndedAt = &now
	if rec.stopPoll != nil {
		rec.stopPoll()
		rec.stopPoll = nil
	}
	r.updateGaugeLocked()
	job := rec.job
	// a pending job whose start went out has a live trainer too
	stopRemote := (before == model.JobRunning || rec.started) && !r.closed
	if stopRemote {
		rec.stopSent = true
		r.wg.Add(1)
	}
	r.mu.Unlock()

	if stopRemote {
		go func() {
			defer r.wg.Done()
			r.stopRemote(job)
		}()
	}

	r.persist(ctx, rec)
	r.transitioned(before, job)
	return job, nil
}

func (r *Registry) stopRemote(job model.Job) {
	ctx, cancel := context.WithTimeout(r.ctx, r.stopTimeout)
	defer cancel()

	inst, err := r.provider.Get(ctx, job.InstanceID)
	if err == nil && inst.IsRunning() {
		err = r.worker.Stop(ctx, *inst.Connection, job.ID.String())
	}
	if err != nil {
		r.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("remote stop not delivered")
	}
}

// Delete cancels an active job and then forgets it.
func (r *Registry) Delete(ctx context.Context, jobID uuid.UUID) error {
	if _, err := r.Cancel(ctx, jobID); err != nil && !errors.Is(err, errdefs.ErrInvalidTransition) {
		return err
	}

	r.mu.Lock()
	rec, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return errdefs.New(errdefs.KindNotFound, "jobs.Delete", "job %s", jobID)
	}
	delete(r.jobs, jobID)
	r.updateGaugeLocked()
	r.mu.Unlock()

	rec.persistMu.Lock()
	defer rec.persistMu.Unlock()
	if err := r.store.Delete(ctx, jobID); err != nil {
		r.log.Warn().Err(err).Str("job_id", jobID.String()).Msg("job delete not persisted")
		return err
	}
	r.log.Info().Str("job_id", jobID.String()).Msg("job deleted")
	return nil
}

func (r *Registry) Get(jobID uuid.UUID) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[jobID]
	if !ok {
		return model.Job{}, errdefs.New(errdefs.KindNotFound, "jobs.Get", "job %s", jobID)
	}
	return rec.job, nil
}

// List returns jobs newest first, optionally only those on instanceID.
func (r *Registry) List(instanceID string) []model.Job {
	r.mu.Lock()
	out := make([]model.Job, 0, len(r.jobs))
	for _, rec := range r.jobs {
		if instanceID == "" || rec.job.InstanceID == instanceID {
			out = append(out, rec.job)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() > out[j].ID.String()
	})
	return out
}

// ActiveJob returns the pending or running job on instanceID, if any.
func (r *Registry) ActiveJob(instanceID string) (model.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.jobs {
		if rec.job.InstanceID == instanceID && rec.job.Status.Active() {
			return rec.job, true
		}
	}
	return model.Job{}, false
}

// InstanceGone fails every active job on an instance that no longer runs.
func (r *Registry) InstanceGone(ctx context.Context, instanceID string) {
	r.mu.Lock()
	var ids []uuid.UUID
	for id, rec := range r.jobs {
		if rec.job.InstanceID == instanceID && rec.job.Status.Active() {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.fail(ctx, id, errdefs.KindWorkerUnreachable, "instance terminated")
	}
}

// ShutDown stops every poller and waits for them, bounded by ctx.
func (r *Registry) ShutDown(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn().Msg("job pollers did not stop before shutdown deadline")
	}
}

// persist writes the latest snapshot. Holding persistMu across the read
// and the write keeps store writes for one job in order.
func (r *Registry) persist(ctx context.Context, rec *record) {
	rec.persistMu.Lock()
	defer rec.persistMu.Unlock()

	// a terminal transition cancels the poller context that got us here
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	job := rec.job
	r.mu.Unlock()

	if err := r.store.Update(ctx, &job); err != nil {
		r.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("job update not persisted")
	}
}

func (r *Registry) transitioned(before model.JobStatus, job model.Job) {
	metrics.JobTransitions.WithLabelValues(string(job.Status)).Inc()
	r.publish(queue.JobStatusEvent(job.Status), job)
	r.log.Info().Str("job_id", job.ID.String()).Str("from", string(before)).Str("to", string(job.Status)).Msg("job transition")
}

func (r *Registry) publish(event queue.QueueEvent, job model.Job) {
	ev := queue.NewEvent(event, job.InstanceID, job.ID.String(), string(job.Status))
	if err := r.queue.Publish(r.ctx, ev); err != nil {
		r.log.Warn().Err(err).Str("event", ev.Type).Msg("event not published")
	}
}

func (r *Registry) updateGaugeLocked() {
	n := 0
	for _, rec := range r.jobs {
		if rec.job.Status.Active() {
			n++
		}
	}
	metrics.ActiveJobs.Set(float64(n))
}
