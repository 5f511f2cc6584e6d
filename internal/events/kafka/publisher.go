// Package kafka publishes engine events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"

	"github.com/quillbooks/quill/internal/events"
)

type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Publish writes an EntryPosted event keyed by tenant so per-tenant
// ordering is preserved within a partition.
func (p *Publisher) Publish(ctx context.Context, event events.EntryPosted) error {
	data, err := json.Marshal(event)
	if err != nil {
		return eris.Wrap(err, "kafka: marshal event")
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TenantID),
		Value: data,
	}); err != nil {
		return eris.Wrap(err, "kafka: write message")
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
