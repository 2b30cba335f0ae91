package kafka

import (
	"context"
	"fmt"

	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/getsentry/sentry-go"
	kafkago "github.com/segmentio/kafka-go"
)

// Consumer is the reader side of a topic subscription
type Consumer interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// Handler defines a message handler.
type Handler interface {
	Handle(ctx context.Context, message kafkago.Message) error
}

// HandlerFunc - adapter allowing a function as a Handler
type HandlerFunc func(ctx context.Context, message kafkago.Message) error

// Handle - implement Handler
func (f HandlerFunc) Handle(ctx context.Context, message kafkago.Message) error {
	return f(ctx, message)
}

// ErrorHandler defines an error handler, invoked when a handler fails so
// the message can be routed to the dead letter topic.
type ErrorHandler interface {
	Handle(ctx context.Context, message kafkago.Message, errorMessage error) error
}

// Consume implements the consumer loop. Shutdown is checked before each
// fetch so in-flight messages drain but no new messages are consumed.
func Consume(ctx context.Context, reader Consumer, handler Handler, errorHandler ErrorHandler) error {
	logger := logging.Logger(ctx, "kafka.Consume")
	logger.Info().Msg("starting consumer")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := reader.FetchMessage(ctx)
			if err != nil {
				return fmt.Errorf("error fetching message key %s partition %d offset %d: %w",
					string(message.Key), message.Partition, message.Offset, err)
			}

			err = handler.Handle(ctx, message)
			if err != nil {
				logger.Err(err).Msg("error processing message sending to dlq")
				err := errorHandler.Handle(ctx, message, err)
				if err != nil {
					logger.Err(err).
						Str("key", string(message.Key)).
						Int("partition", message.Partition).
						Int64("offset", message.Offset).
						Msg("error writing message to dlq")
					return fmt.Errorf("error writing message to dlq: %w", err)
				}
			}

			err = reader.CommitMessages(ctx, message)
			if err != nil {
				logger.Err(err).
					Str("key", string(message.Key)).
					Int("partition", message.Partition).
					Int64("offset", message.Offset).
					Msg("error committing kafka message")
				sentry.CaptureException(err)
			}
		}
	}
}
