// Package kafka holds the shared bus plumbing: topic names, dialer,
// reader/writer factories and the consumer loop.
package kafka

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/badgeworks/badge-go/libs/logging"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	// EngagementTopic - engagement event envelopes
	EngagementTopic = "badge.engagement.events"
	// TransactionTopic - transaction event envelopes
	TransactionTopic = "badge.transaction.events"
	// NotificationsTopic - notification envelopes for downstream delivery
	NotificationsTopic = "badge.notifications"
	// RuleReloadTopic - rule catalog reload signals
	RuleReloadTopic = "badge.rule.reload"
	// DLQTopic - dead letter envelopes
	DLQTopic = "badge.dlq"
	// ShipmentsTopic - physical benefit shipment requests
	ShipmentsTopic = "badge.benefit.shipments"
)

// Brokers - the configured broker list
func Brokers() []string {
	return strings.Split(os.Getenv("BADGE_KAFKA_BROKERS"), ",")
}

// ConsumerGroup - the configured consumer group
func ConsumerGroup() string {
	group := os.Getenv("BADGE_KAFKA_CONSUMER_GROUP")
	if group == "" {
		group = "badge-workers"
	}
	return group
}

// NewWriter - create a writer for the given topic
func NewWriter(ctx context.Context, dialer *kafkago.Dialer, topic string) *kafkago.Writer {
	logger := logging.Logger(ctx, "kafka.NewWriter")
	return kafkago.NewWriter(kafkago.WriterConfig{
		// by default we are waiting for acks from all nodes
		Brokers:  Brokers(),
		Topic:    topic,
		Balancer: &kafkago.LeastBytes{},
		Dialer:   dialer,
		Logger:   kafkago.LoggerFunc(logger.Printf),
	})
}

// NewReader - create a reader for the given topic in the given consumer group
func NewReader(dialer *kafkago.Dialer, topic, groupID string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        Brokers(),
		Topic:          topic,
		GroupID:        groupID,
		Dialer:         dialer,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // synchronous commits, one effect per message
		MaxWait:        time.Second,
	})
}
