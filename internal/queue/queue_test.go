package queue

import (
	"context"
	"testing"

	"github.com/ssuji15/loracloud/model"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	tests := []struct {
		name  string
		event QueueEvent
		want  string
	}{
		{"job created", JobCreated, "events.job.created"},
		{"job completed", JobStatusEvent(model.JobCompleted), "events.job.completed"},
		{"instance terminated", InstanceTerminated, "events.instance.terminated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Subject(NewEvent(tt.event, "1", "", "")))
		})
	}
}

func TestNop(t *testing.T) {
	q := Nop()
	require.NoError(t, q.Publish(context.Background(), NewEvent(JobCreated, "1", "2", "")))
	q.ShutDown(context.Background())
}
