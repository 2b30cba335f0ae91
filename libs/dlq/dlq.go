// Package dlq implements the dead letter queue: failed bus messages are
// wrapped in an envelope recording the error and a retry schedule, and a
// dedicated consumer republishes them to their source topic with
// exponential backoff until max retries is exhausted.
package dlq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/badgeworks/badge-go/libs/kafka"
	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/prometheus/client_golang/prometheus"
	uuid "github.com/satori/go.uuid"
	kafkago "github.com/segmentio/kafka-go"
)

// retryCountHeader carries the envelope retry count across a republish so
// a repeat failure does not restart the schedule from zero
const retryCountHeader = "x-dlq-retry-count"

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "count of messages written to the dead letter queue by source topic",
		},
		[]string{"source_topic"},
	)
	exhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_exhausted_total",
			Help: "count of messages which exhausted their dlq retries",
		},
		[]string{"source_topic"},
	)
)

func init() {
	prometheus.MustRegister(messagesTotal, exhaustedTotal)
}

// Envelope - the dead letter wire format
type Envelope struct {
	MessageID     string          `json:"message_id"`
	SourceTopic   string          `json:"source_topic"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	LastFailedAt  time.Time       `json:"last_failed_at"`
	NextRetryAt   time.Time       `json:"next_retry_at"`
	SourceService string          `json:"source_service"`
}

// Config - retry schedule tunables
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
}

// DefaultConfig - the default dlq retry schedule
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   5,
	}
}

// NextRetryAt - when a message with the given retry count should be retried
func (c Config) NextRetryAt(lastFailedAt time.Time, retryCount int) time.Time {
	delay := c.InitialDelay
	for i := 0; i < retryCount; i++ {
		delay = time.Duration(float64(delay) * c.Multiplier)
		if delay >= c.MaxDelay {
			delay = c.MaxDelay
			break
		}
	}
	return lastFailedAt.Add(delay)
}

// Producer - wraps failing messages into dead letter envelopes. It
// implements the consumer loop's ErrorHandler.
type Producer struct {
	writer        *kafkago.Writer
	cfg           Config
	sourceService string
}

// NewProducer - create a dead letter producer
func NewProducer(ctx context.Context, dialer *kafkago.Dialer, sourceService string, cfg Config) *Producer {
	return &Producer{
		writer:        kafka.NewWriter(ctx, dialer, kafka.DLQTopic),
		cfg:           cfg,
		sourceService: sourceService,
	}
}

// Handle - implement kafka.ErrorHandler, publishing the failed message
// to the dead letter topic
func (p *Producer) Handle(ctx context.Context, message kafkago.Message, processingError error) error {
	now := time.Now().UTC()

	retryCount := 0
	for _, h := range message.Headers {
		if h.Key == retryCountHeader {
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				retryCount = n
			}
		}
	}

	envelope := Envelope{
		MessageID:     uuid.NewV4().String(),
		SourceTopic:   message.Topic,
		Payload:       json.RawMessage(message.Value),
		Error:         processingError.Error(),
		RetryCount:    retryCount,
		MaxRetries:    p.cfg.MaxRetries,
		FirstFailedAt: now,
		LastFailedAt:  now,
		NextRetryAt:   p.cfg.NextRetryAt(now, retryCount),
		SourceService: p.sourceService,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	messagesTotal.WithLabelValues(message.Topic).Inc()
	return p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   message.Key,
		Value: body,
	})
}

// Consumer - drains the dead letter topic, republishing payloads to
// their source topics once their retry time arrives
type Consumer struct {
	cfg     Config
	dialer  *kafkago.Dialer
	writers map[string]*kafkago.Writer
}

// NewConsumer - create a dead letter consumer
func NewConsumer(dialer *kafkago.Dialer, cfg Config) *Consumer {
	return &Consumer{
		cfg:     cfg,
		dialer:  dialer,
		writers: map[string]*kafkago.Writer{},
	}
}

func (c *Consumer) writerFor(ctx context.Context, topic string) *kafkago.Writer {
	if w, ok := c.writers[topic]; ok {
		return w
	}
	w := kafka.NewWriter(ctx, c.dialer, topic)
	c.writers[topic] = w
	return w
}

// Handle - process one dead letter envelope
func (c *Consumer) Handle(ctx context.Context, message kafkago.Message) error {
	logger := logging.Logger(ctx, "dlq.Consumer")

	var envelope Envelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		// an unparseable envelope can never be retried, log and drop
		logger.Error().Err(err).Msg("dropping malformed dead letter envelope")
		return nil
	}

	if envelope.RetryCount >= envelope.MaxRetries {
		// manual intervention required, log everything we know
		exhaustedTotal.WithLabelValues(envelope.SourceTopic).Inc()
		logger.Error().
			Str("messageId", envelope.MessageID).
			Str("sourceTopic", envelope.SourceTopic).
			Str("sourceService", envelope.SourceService).
			Str("error", envelope.Error).
			Int("retryCount", envelope.RetryCount).
			Time("firstFailedAt", envelope.FirstFailedAt).
			Time("lastFailedAt", envelope.LastFailedAt).
			RawJSON("payload", envelope.Payload).
			Msg("dead letter retries exhausted")
		return nil
	}

	// wait out the schedule; the dlq partition tolerates the delay and
	// shutdown still wins the select
	if wait := time.Until(envelope.NextRetryAt); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return c.writerFor(ctx, envelope.SourceTopic).WriteMessages(ctx, kafkago.Message{
		Key:   message.Key,
		Value: envelope.Payload,
		Headers: []kafkago.Header{
			{Key: retryCountHeader, Value: []byte(strconv.Itoa(envelope.RetryCount + 1))},
		},
	})
}

// Run - consume the dead letter topic with the `.dlq` suffixed group
func (c *Consumer) Run(ctx context.Context) error {
	reader := kafka.NewReader(c.dialer, kafka.DLQTopic, kafka.ConsumerGroup()+".dlq")
	defer func() { _ = reader.Close() }()

	// a failure to republish goes right back onto the dlq
	producer := NewProducer(ctx, c.dialer, "dlq-consumer", c.cfg)
	return kafka.Consume(ctx, reader, c, producer)
}
