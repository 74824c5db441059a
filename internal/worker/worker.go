package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/job_tracer"
	"github.com/ssuji15/loracloud/internal/util"
	"github.com/ssuji15/loracloud/model"
	"go.opentelemetry.io/otel/attribute"
)

// Worker drives the training process on a rented instance.
type Worker interface {
	Start(ctx context.Context, conn model.Connection, jobID string, params []byte) error
	Status(ctx context.Context, conn model.Connection, jobID string) (model.JobUpdate, error)
	Stop(ctx context.Context, conn model.Connection, jobID string) error
}

// Runner executes one shell command on an instance and returns stdout.
type Runner interface {
	Run(ctx context.Context, conn model.Connection, cmd string, stdin []byte) ([]byte, error)
}

type Client struct {
	runner       Runner
	workspace    string
	trainCommand string
	timeout      time.Duration
}

func NewClient(r Runner, cfg *config.JobConfig) *Client {
	return &Client{
		runner:       r,
		workspace:    cfg.WORKSPACE_DIR,
		trainCommand: cfg.TRAIN_COMMAND,
		timeout:      time.Duration(cfg.WORKER_TIMEOUT_SECOND) * time.Second,
	}
}

func (c *Client) jobDir(jobID string) string {
	return path.Join(c.workspace, "jobs", jobID)
}

// Start writes params.json and launches the trainer detached from the
// SSH session. The trainer reports progress through status.json.
func (c *Client) Start(ctx context.Context, conn model.Connection, jobID string, params []byte) error {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Worker/Start")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", jobID))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dir := quote(c.jobDir(jobID))
	// a trainer that is already alive for this job is left alone, so a
	// retried start cannot launch a second one
	cmd := fmt.Sprintf(
		`if [ -f %[1]s/pid ] && kill -0 "$(cat %[1]s/pid)" 2>/dev/null; then cat > /dev/null; exit 0; fi; `+
			"mkdir -p %[1]s && cat > %[1]s/params.json && "+
			"{ nohup %[2]s %[1]s/params.json %[1]s/status.json > %[1]s/train.log 2>&1 < /dev/null & echo $! > %[1]s/pid; }",
		dir, c.trainCommand,
	)
	if _, err := c.runner.Run(ctx, conn, cmd, params); err != nil {
		err = errdefs.Wrap(errdefs.KindTransportError, "worker.Start", err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// Status reads status.json. A job whose trainer has not written anything
// yet reports pending.
func (c *Client) Status(ctx context.Context, conn model.Connection, jobID string) (model.JobUpdate, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Worker/Status")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", jobID))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	file := quote(c.jobDir(jobID) + "/status.json")
	cmd := fmt.Sprintf(`if [ -f %[1]s ]; then cat %[1]s; else echo '{"status":"pending"}'; fi`, file)
	out, err := c.runner.Run(ctx, conn, cmd, nil)
	if err != nil {
		err = errdefs.Wrap(errdefs.KindTransportError, "worker.Status", err)
		util.RecordSpanError(span, err)
		return model.JobUpdate{}, err
	}

	update, err := ParseStatus(out)
	if err != nil {
		util.RecordSpanError(span, err)
		return model.JobUpdate{}, err
	}
	return update, nil
}

// Stop signals the trainer. It does not wait for the process to exit.
func (c *Client) Stop(ctx context.Context, conn model.Connection, jobID string) error {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Worker/Stop")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", jobID))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pid := quote(c.jobDir(jobID) + "/pid")
	cmd := fmt.Sprintf(`if [ -f %[1]s ]; then kill "$(cat %[1]s)" 2>/dev/null; fi; true`, pid)
	if _, err := c.runner.Run(ctx, conn, cmd, nil); err != nil {
		err = errdefs.Wrap(errdefs.KindTransportError, "worker.Stop", err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

type statusPayload struct {
	Step       *int    `json:"step"`
	TotalSteps *int    `json:"total_steps"`
	Status     *string `json:"status"`
	Error      string  `json:"error"`
	Artifact   string  `json:"artifact"`
}

// ParseStatus decodes a worker status blob. Anything missing or out of
// range is reported as WorkerUnreachable so the poller counts it as a
// failed poll instead of applying it.
func ParseStatus(raw []byte) (model.JobUpdate, error) {
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.JobUpdate{}, malformed("invalid json: %v", err)
	}
	if p.Status == nil {
		return model.JobUpdate{}, malformed("missing status")
	}

	var u model.JobUpdate
	switch model.JobStatus(*p.Status) {
	case model.JobPending:
		u.Status = model.JobPending
		return u, nil
	case model.JobRunning, model.JobCompleted:
		u.Status = model.JobStatus(*p.Status)
	case model.JobFailed:
		msg := p.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		u.Status = model.JobFailed
		u.Error = &model.JobError{Kind: string(errdefs.KindInternal), Message: msg}
		return u, nil
	default:
		return model.JobUpdate{}, malformed("unknown status %q", *p.Status)
	}

	if p.Step == nil || p.TotalSteps == nil {
		if u.Status == model.JobRunning {
			return model.JobUpdate{}, malformed("missing step or total_steps")
		}
	} else {
		if *p.Step < 0 || *p.TotalSteps <= 0 || *p.Step > *p.TotalSteps {
			return model.JobUpdate{}, malformed("step %d out of range of %d", *p.Step, *p.TotalSteps)
		}
		u.Progress = *p.Step
		u.Total = *p.TotalSteps
	}
	u.ArtifactRef = strings.TrimPrefix(p.Artifact, "/")
	return u, nil
}

func malformed(format string, args ...any) error {
	return errdefs.New(errdefs.KindWorkerUnreachable, "worker.Status", "malformed status: "+format, args...)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
