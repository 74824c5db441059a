package queue

import (
	"context"
	"time"

	"github.com/ssuji15/loracloud/model"
)

// Queue publishes lifecycle events. Publishing is best effort: callers log
// failures and carry on.
type Queue interface {
	Publish(ctx context.Context, event model.Event) error
	ShutDown(ctx context.Context)
}

type QueueEvent string

const (
	InstanceLaunched   QueueEvent = "instance.launched"
	InstanceTerminated QueueEvent = "instance.terminated"
	JobCreated         QueueEvent = "job.created"
)

const SubjectPrefix = "events."

// JobStatusEvent names the event for a job entering status.
func JobStatusEvent(status model.JobStatus) QueueEvent {
	return QueueEvent("job." + string(status))
}

func Subject(event model.Event) string {
	return SubjectPrefix + event.Type
}

func NewEvent(event QueueEvent, instanceID, jobID, status string) model.Event {
	return model.Event{
		Type:       string(event),
		InstanceID: instanceID,
		JobID:      jobID,
		Status:     status,
		Time:       time.Now().UTC(),
	}
}

type nop struct{}

// Nop drops every event.
func Nop() Queue {
	return nop{}
}

func (nop) Publish(ctx context.Context, event model.Event) error { return nil }
func (nop) ShutDown(ctx context.Context)                         {}
