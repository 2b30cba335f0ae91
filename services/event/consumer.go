package event

import (
	"context"

	"github.com/badgeworks/badge-go/libs/dlq"
	"github.com/badgeworks/badge-go/libs/kafka"
	kafkago "github.com/segmentio/kafka-go"
)

// Consumer binds the processor to the event topics with dead letter
// handoff on failure
type Consumer struct {
	processor *Processor
	dialer    *kafkago.Dialer
	dlq       *dlq.Producer
}

// NewConsumer - create a consumer over the event topics
func NewConsumer(ctx context.Context, processor *Processor, dialer *kafkago.Dialer, sourceService string) *Consumer {
	return &Consumer{
		processor: processor,
		dialer:    dialer,
		dlq:       dlq.NewProducer(ctx, dialer, sourceService, dlq.DefaultConfig()),
	}
}

// RunEngagement - consume badge.engagement.events until shutdown
func (c *Consumer) RunEngagement(ctx context.Context) error {
	return c.run(ctx, kafka.EngagementTopic)
}

// RunTransaction - consume badge.transaction.events until shutdown
func (c *Consumer) RunTransaction(ctx context.Context) error {
	return c.run(ctx, kafka.TransactionTopic)
}

func (c *Consumer) run(ctx context.Context, topic string) error {
	reader := kafka.NewReader(c.dialer, topic, kafka.ConsumerGroup())
	defer func() { _ = reader.Close() }()

	return kafka.Consume(ctx, reader, c.processor, c.dlq)
}
