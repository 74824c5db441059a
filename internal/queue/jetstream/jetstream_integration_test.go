//go:build integration
// +build integration

package jetstream

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/queue"
	"github.com/ssuji15/loracloud/model"
	tjetstream "github.com/ssuji15/loracloud/tests/integration_test/infra/jetstream"
)

var (
	natsContainer testcontainers.Container
	JETSTREAM_URL string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	natsContainer, JETSTREAM_URL = tjetstream.SetupContainer(ctx)
	code := m.Run()
	_ = natsContainer.Terminate(ctx)
	os.Exit(code)
}

func TestNewJetStreamClient(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		expectErr bool
	}{
		{"valid url", JETSTREAM_URL, false},
		{"unreachable url", "nats://127.0.0.1:1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewJetStreamClient(&config.NatsConfig{URL: tt.url, STREAM: "LIFECYCLE"})
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			q.ShutDown(context.Background())
		})
	}
}

func TestPublish_DeliversToStream(t *testing.T) {
	q, err := NewJetStreamClient(&config.NatsConfig{URL: JETSTREAM_URL, STREAM: "LIFECYCLE"})
	require.NoError(t, err)
	defer q.ShutDown(context.Background())

	nc, err := nats.Connect(JETSTREAM_URL)
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)

	sub, err := js.SubscribeSync("events.job.>", nats.DeliverNew())
	require.NoError(t, err)

	ev := queue.NewEvent(queue.JobCreated, "42", "job-1", string(model.JobPending))
	require.NoError(t, q.Publish(context.Background(), ev))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "events.job.created", msg.Subject)

	var got model.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, "42", got.InstanceID)
	require.Equal(t, "job-1", got.JobID)
}

func TestPublish_DuplicateIsDropped(t *testing.T) {
	q, err := NewJetStreamClient(&config.NatsConfig{URL: JETSTREAM_URL, STREAM: "LIFECYCLE"})
	require.NoError(t, err)
	defer q.ShutDown(context.Background())

	client := q.(*JetStreamClient)
	before, err := client.context.StreamInfo("LIFECYCLE")
	require.NoError(t, err)

	ev := queue.NewEvent(queue.InstanceTerminated, "7", "", "")
	require.NoError(t, q.Publish(context.Background(), ev))
	require.NoError(t, q.Publish(context.Background(), ev))

	after, err := client.context.StreamInfo("LIFECYCLE")
	require.NoError(t, err)
	require.Equal(t, before.State.Msgs+1, after.State.Msgs)
}
