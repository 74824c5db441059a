package jetstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/job_tracer"
	"github.com/ssuji15/loracloud/internal/queue"
	"github.com/ssuji15/loracloud/internal/service/logger"
	"github.com/ssuji15/loracloud/internal/util"
	"github.com/ssuji15/loracloud/model"
	"go.opentelemetry.io/otel/attribute"
)

type JetStreamClient struct {
	connection *nats.Conn
	context    nats.JetStreamContext
}

func NewJetStreamClient(cfg *config.NatsConfig) (queue.Queue, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),            // infinite retries
		nats.ReconnectWait(2*time.Second), // backoff
		nats.Name("loracloud"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Log.Warn().Err(err).Msg("jetstream disconnected")
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     cfg.STREAM,
		Subjects: []string{queue.SubjectPrefix + ">"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, err
	}

	return &JetStreamClient{
		connection: nc,
		context:    js,
	}, nil
}

func (c *JetStreamClient) Publish(ctx context.Context, event model.Event) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "JetStream/Publish")
	defer span.End()
	span.SetAttributes(attribute.String("event", event.Type))

	data, err := json.Marshal(event)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	msg := nats.NewMsg(queue.Subject(event))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, msgID(event))

	if _, err := c.context.PublishMsg(msg, nats.Context(ctx)); err != nil {
		err = fmt.Errorf("publish %s: %w", event.Type, err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// msgID lets the stream drop duplicates of the same transition.
func msgID(e model.Event) string {
	return fmt.Sprintf("%s:%s:%s:%d", e.Type, e.InstanceID, e.JobID, e.Time.UnixNano())
}

func (c *JetStreamClient) ShutDown(ctx context.Context) {
	if err := c.connection.Drain(); err != nil { // flush + stop new messages
		c.connection.Close()
	}
}
