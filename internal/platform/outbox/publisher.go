package outbox

import (
	"context"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type KafkaPublisher struct {
	writer *kafkago.Writer
}

// NewKafkaPublisher writes to brokers. The topic is taken from each message.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	return p.writer.WriteMessages(ctx, toKafkaMessage(msg))
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Messages for one employee share a key so partition order follows ledger order.
func toKafkaMessage(msg Message) kafkago.Message {
	return kafkago.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.AggregateID),
		Value: msg.Payload,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(msg.EventType)},
			{Key: "outbox_id", Value: []byte(msg.ID)},
		},
	}
}
