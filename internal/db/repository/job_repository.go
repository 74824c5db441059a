package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ssuji15/loracloud/internal/db"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/job_tracer"
	"github.com/ssuji15/loracloud/internal/util"
	"github.com/ssuji15/loracloud/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const queryTimeout = 5 * time.Second

const jobColumns = `
	id,
	instance_id,
	parameters,
	status,
	progress,
	total,
	error,
	artifact_ref,
	created_at,
	started_at,
	ended_at`

type JobRepository struct {
	db *db.DB
}

func NewJobRepository(db *db.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *model.Job) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CreateJob")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(attribute.String("job_id", job.ID.String())),
	)

	_, err := r.db.Pool.Exec(ctx, `
        INSERT INTO training_jobs (`+jobColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
    `,
		job.ID,
		job.InstanceID,
		job.Parameters,
		job.Status,
		job.Progress,
		job.Total,
		job.Error,
		job.ArtifactRef,
		job.CreatedAt,
		job.StartedAt,
		job.EndedAt,
	)
	if err != nil {
		err = errdefs.Wrap(errdefs.KindTransportError, "jobs.Create", err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *JobRepository) Update(ctx context.Context, job *model.Job) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/UpdateJob")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(attribute.String("status", string(job.Status)), attribute.String("id", job.ID.String())),
	)

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE training_jobs
		SET
			status       = $2,
			progress     = $3,
			total        = $4,
			error        = $5,
			artifact_ref = $6,
			started_at   = $7,
			ended_at     = $8
		WHERE id = $1
	`,
		job.ID,
		job.Status,
		job.Progress,
		job.Total,
		job.Error,
		job.ArtifactRef,
		job.StartedAt,
		job.EndedAt,
	)
	if err != nil {
		err = errdefs.Wrap(errdefs.KindTransportError, "jobs.Update", err)
		util.RecordSpanError(span, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		err = errdefs.New(errdefs.KindNotFound, "jobs.Update", "job %s", job.ID)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *JobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/DeleteJob")
	defer span.End()

	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM training_jobs WHERE id = $1`, id); err != nil {
		err = errdefs.Wrap(errdefs.KindTransportError, "jobs.Delete", err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *JobRepository) GetJobByID(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetJob")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM training_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errdefs.New(errdefs.KindNotFound, "jobs.Get", "job %s", id)
		}
		err = errdefs.Wrap(errdefs.KindTransportError, "jobs.Get", err)
		util.RecordSpanError(span, err)
		return nil, err
	}
	return job, nil
}

// List returns every stored job, oldest first.
func (r *JobRepository) List(ctx context.Context) ([]*model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListJobs")
	defer span.End()

	rows, err := r.db.Pool.Query(ctx, `SELECT `+jobColumns+` FROM training_jobs ORDER BY created_at, id`)
	if err != nil {
		err = errdefs.Wrap(errdefs.KindTransportError, "jobs.List", err)
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID,
		&j.InstanceID,
		&j.Parameters,
		&j.Status,
		&j.Progress,
		&j.Total,
		&j.Error,
		&j.ArtifactRef,
		&j.CreatedAt,
		&j.StartedAt,
		&j.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
