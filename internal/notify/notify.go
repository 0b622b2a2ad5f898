// Package notify implements the notification task bus referenced in spec §4.6 step 7: PostBroadcastWorker queues a
// task per DM/reply/mention so an out-of-process notification service (push, email, etc.) can pick it up without
// the delivery pipeline itself blocking on it. Tasks are published through watermill so the same publishing code
// runs against a real AMQP broker in production and an in-memory Go-channel pub/sub in tests.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// Task kinds, matching the notification reasons named in spec §4.6 step 7.
const (
	TaskDirectMessage = "direct_message"
	TaskThreadReply   = "thread_reply"
	TaskMention       = "mention"
)

const topic = "notification_tasks"

// Task is one queued notification.
type Task struct {
	Kind      string    `json:"kind"`
	UserID    uuid.UUID `json:"userId"`
	ChannelID uuid.UUID `json:"channelId"`
	MessageID uuid.UUID `json:"messageId"`
	SenderID  uuid.UUID `json:"senderId"`
}

// Publisher queues notification tasks.
type Publisher struct {
	pub   message.Publisher
	topic string
}

// NewAMQPPublisher connects to a RabbitMQ broker at amqpURI and returns a Publisher backed by it.
func NewAMQPPublisher(amqpURI string, logger watermill.LoggerAdapter) (*Publisher, error) {
	pub, err := amqp.NewPublisher(amqp.NewDurablePubSubConfig(amqpURI, nil), logger)
	if err != nil {
		return nil, fmt.Errorf("create amqp publisher: %w", err)
	}
	return &Publisher{pub: pub, topic: topic}, nil
}

// NewWithPublisher wraps an already-constructed watermill publisher (used in tests to inject an in-memory
// gochannel publisher).
func NewWithPublisher(pub message.Publisher) *Publisher {
	return &Publisher{pub: pub, topic: topic}
}

// Publish queues a single notification task.
func (p *Publisher) Publish(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal notification task: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := p.pub.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("publish notification task: %w", err)
	}
	return nil
}

// Close releases the underlying publisher's resources.
func (p *Publisher) Close() error {
	return p.pub.Close()
}
