// Package queue carries render jobs over Kafka so long renders run outside
// the HTTP request.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type RenderJob struct {
	ScriptID    uuid.UUID `json:"scriptId"`
	RequestedAt time.Time `json:"requestedAt"`
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// StageObserver counts jobs as they move through the queue.
type StageObserver interface {
	JobStage(stage string)
}

type nopObserver struct{}

func (nopObserver) JobStage(string) {}

type Producer struct {
	w   MessageWriter
	obs StageObserver
}

func NewProducer(broker, topic string, obs StageObserver) *Producer {
	return NewProducerWithWriter(&kafka.Writer{
		Addr:     kafka.TCP(broker),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}, obs)
}

func NewProducerWithWriter(w MessageWriter, obs StageObserver) *Producer {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Producer{w: w, obs: obs}
}

// Enqueue publishes a render job keyed by script id, so jobs for one script
// land on one partition in order.
func (p *Producer) Enqueue(ctx context.Context, scriptID uuid.UUID) error {
	const op = "queue.Enqueue"

	body, err := json.Marshal(RenderJob{ScriptID: scriptID, RequestedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(scriptID.String()), Value: body}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.obs.JobStage("enqueued")
	return nil
}

func (p *Producer) Close() error {
	return p.w.Close()
}

type Handler func(ctx context.Context, job RenderJob) error

type Consumer struct {
	r      MessageReader
	handle Handler
	obs    StageObserver
	log    *zap.Logger
}

func NewConsumer(broker, topic, groupID string, handle Handler, obs StageObserver, log *zap.Logger) *Consumer {
	return NewConsumerWithReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{broker},
		Topic:   topic,
		GroupID: groupID,
	}), handle, obs, log)
}

func NewConsumerWithReader(r MessageReader, handle Handler, obs StageObserver, log *zap.Logger) *Consumer {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Consumer{r: r, handle: handle, obs: obs, log: log.Named("consumer")}
}

// Run reads jobs one at a time until ctx is cancelled. Handler errors are
// logged and the job is not redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.r.Close()

	for {
		msg, err := c.r.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			c.log.Error("error reading message", zap.Error(err))
			continue
		}

		var job RenderJob
		if err := json.Unmarshal(msg.Value, &job); err != nil || job.ScriptID == uuid.Nil {
			c.log.Warn("dropping malformed render job", zap.ByteString("value", msg.Value), zap.Error(err))
			c.obs.JobStage("invalid")
			continue
		}

		c.obs.JobStage("consumed")
		if err := c.handle(ctx, job); err != nil {
			c.log.Error("error processing render job", zap.String("script_id", job.ScriptID.String()), zap.Error(err))
			c.obs.JobStage("failed")
		}
	}
}
