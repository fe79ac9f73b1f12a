package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/muainishi/platform/pkg/common/logger"
	"github.com/muainishi/platform/pkg/common/models"
	"github.com/muainishi/platform/pkg/gateway/httpclient"
	"github.com/segmentio/kafka-go"
)

const (
	defaultHandlerAttempts = 5
	defaultRetryDelay      = 500 * time.Millisecond
	defaultMaxRetryDelay   = 10 * time.Second
)

type Consumer struct {
	reader *kafka.Reader

	attempts      int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

type EventHandler func(ctx context.Context, event models.Event) error

func NewConsumer(brokers []string, topic string, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{
		reader:        reader,
		attempts:      defaultHandlerAttempts,
		retryDelay:    defaultRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
	}
}

// Consume blocks until ctx is cancelled or a handler keeps failing. A failing handler
// is retried with backoff; if it never succeeds Consume returns without committing,
// so a restarted consumer resumes at that message. Committing a later offset would
// skip it for good.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Log.WithError(err).Error("Failed to fetch message")
			continue
		}

		var event models.Event
		if err := json.Unmarshal(message.Value, &event); err != nil {
			logger.Log.WithError(err).WithField("offset", message.Offset).Error("Dropping undecodable message")
			if err := c.reader.CommitMessages(ctx, message); err != nil {
				logger.Log.WithError(err).Error("Failed to commit message")
			}
			continue
		}

		if err := c.handle(ctx, handler, event); err != nil {
			return fmt.Errorf("handling event %s at offset %d: %w", event.ID, message.Offset, err)
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			logger.Log.WithError(err).Error("Failed to commit message")
		}
	}
}

// handle runs handler until it succeeds, attempts run out or ctx ends.
func (c *Consumer) handle(ctx context.Context, handler EventHandler, event models.Event) error {
	attempt := 0
	return httpclient.Retry(ctx, c.attempts, c.retryDelay, c.maxRetryDelay, func() error {
		attempt++
		err := handler(ctx, event)
		if err != nil {
			logger.Log.WithError(err).WithFields(map[string]interface{}{
				"event_id":   event.ID,
				"event_type": event.Type,
				"attempt":    attempt,
			}).Warn("Failed to process event")
		}
		return err
	})
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
