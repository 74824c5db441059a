package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/metrics"
	"github.com/ssuji15/loracloud/internal/storage"
	"github.com/ssuji15/loracloud/model"
)

// startPollerLocked launches the watcher for rec. Caller holds r.mu.
func (r *Registry) startPollerLocked(rec *record, sendStart bool) {
	ctx, cancel := context.WithCancel(r.ctx)
	rec.stopPoll = cancel
	job := rec.job

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.poll(ctx, rec, job, sendStart)
	}()
}

// markStarted records that the start command may have been delivered and
// reports whether the job was cancelled without a stop being sent, in which
// case the caller owns stopping the trainer.
func (r *Registry) markStarted(rec *record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.started = true
	if rec.job.Status != model.JobCancelled || rec.stopSent {
		return false
	}
	rec.stopSent = true
	return true
}

// poll sends the start command until it is delivered, then reads worker
// status every interval. Consecutive failed attempts of either kind count
// towards maxUnreachable.
func (r *Registry) poll(ctx context.Context, rec *record, job model.Job, sendStart bool) {
	log := r.log.With().Str("job_id", job.ID.String()).Str("instance_id", job.InstanceID).Logger()
	started := !sendStart
	unreachable := 0

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		var err error
		if !started {
			err = r.startRemote(ctx, job)
			// a start cut short by cancellation may still have launched
			if err == nil || ctx.Err() != nil {
				if r.markStarted(rec) {
					r.stopRemote(job)
					return
				}
			}
			if err == nil {
				started = true
				log.Info().Msg("worker started")
			}
		} else {
			var done bool
			done, err = r.pollOnce(ctx, job)
			if done {
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			unreachable++
			metrics.WorkerPollErrors.Inc()
			log.Warn().Err(err).Int("unreachable", unreachable).Msg("worker unreachable")
			if unreachable >= r.maxUnreachable {
				r.fail(ctx, job.ID, errdefs.KindWorkerUnreachable,
					fmt.Sprintf("worker unreachable for %d consecutive polls: %s", unreachable, errdefs.Message(err)))
				return
			}
		} else {
			unreachable = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Registry) connection(ctx context.Context, instanceID string) (model.Connection, error) {
	inst, err := r.provider.Get(ctx, instanceID)
	if err != nil {
		return model.Connection{}, err
	}
	if !inst.IsRunning() {
		return model.Connection{}, errdefs.WithOp(errdefs.ErrInstanceNotReady, "jobs.poll", fmt.Errorf("state %s", inst.State))
	}
	return *inst.Connection, nil
}

func (r *Registry) startRemote(ctx context.Context, job model.Job) error {
	conn, err := r.connection(ctx, job.InstanceID)
	if err != nil {
		return err
	}
	return r.worker.Start(ctx, conn, job.ID.String(), job.Parameters)
}

// pollOnce reads the worker status and applies it. done reports that the
// job reached a terminal state or vanished.
func (r *Registry) pollOnce(ctx context.Context, job model.Job) (bool, error) {
	conn, err := r.connection(ctx, job.InstanceID)
	if err != nil {
		return false, err
	}
	u, err := r.worker.Status(ctx, conn, job.ID.String())
	if err != nil {
		return false, err
	}

	if u.Status == model.JobCompleted {
		key := u.ArtifactRef
		if key == "" && r.artifactFor != nil {
			key = r.artifactFor(job.Parameters)
		}
		if key == "" {
			u = failedUpdate(u, errdefs.KindInvalidState, "worker completed without an artifact")
		} else {
			ok, err := storage.Exists(ctx, r.storage, key)
			if err != nil {
				// store outage: the artifact may well be there, look again next tick
				r.log.Warn().Err(err).Str("job_id", job.ID.String()).Str("artifact", key).Msg("artifact check failed")
				return false, nil
			}
			if !ok {
				u = failedUpdate(u, errdefs.KindNotFound, "artifact "+key+" not found in storage")
			} else {
				u.ArtifactRef = key
			}
		}
	}

	if err := r.Observe(ctx, job.ID, u); err != nil {
		// deleted underneath us
		return true, nil
	}
	current, err := r.Get(job.ID)
	if err != nil || current.Status.Terminal() {
		return true, nil
	}
	return false, nil
}

func failedUpdate(u model.JobUpdate, kind errdefs.Kind, msg string) model.JobUpdate {
	u.Status = model.JobFailed
	u.ArtifactRef = ""
	u.Error = &model.JobError{Kind: string(kind), Message: msg}
	return u
}
