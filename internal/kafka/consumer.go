package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"authguard/internal/schema"
)

// AttemptHandler receives a decoded authentication attempt record. A
// non-nil error leaves the message uncommitted for redelivery.
type AttemptHandler func(ctx context.Context, rec *schema.AttemptRecord) error

// AttemptConsumer reads scored authentication attempts from the
// attempts topic and hands them to a handler.
type AttemptConsumer struct {
	reader  *kafka.Reader
	handler AttemptHandler
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc

	messagesRead atomic.Int64
	decodeErrors atomic.Int64
	handlerErrs  atomic.Int64
}

// NewAttemptConsumer creates a consumer-group reader on the attempts
// topic.
func NewAttemptConsumer(cfg *Config, handler AttemptHandler, logger *slog.Logger) (*AttemptConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("kafka: attempt handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.AttemptsTopic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       cfg.ConsumerMinBytes,
		MaxBytes:       cfg.ConsumerMaxBytes,
		MaxWait:        cfg.ConsumerMaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    cfg.StartOffset,
		Dialer:         dialer,
	})

	logger.Info("kafka consumer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.AttemptsTopic,
		"group", cfg.ConsumerGroup)

	return &AttemptConsumer{
		reader:  reader,
		handler: handler,
		logger:  logger,
	}, nil
}

// Start runs the consume loop until the context is cancelled or Stop is
// called.
func (c *AttemptConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConsumerClosed
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("kafka: fetch failed: %w", err)
		}
		c.messagesRead.Add(1)

		var rec schema.AttemptRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			// Malformed messages are committed and dropped; redelivery
			// cannot fix them.
			c.decodeErrors.Add(1)
			c.logger.Warn("dropping undecodable attempt message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				c.logger.Warn("commit failed", "error", err)
			}
			continue
		}

		if err := c.handler(ctx, &rec); err != nil {
			c.handlerErrs.Add(1)
			c.logger.Error("attempt handler failed, message left uncommitted",
				"offset", msg.Offset,
				"error", err)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Warn("commit failed", "error", err)
		}
	}
}

// StartAsync runs Start in a goroutine.
func (c *AttemptConsumer) StartAsync(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Start(ctx); err != nil {
			c.logger.Error("kafka consumer stopped", "error", err)
		}
	}()
}

// Stats returns consumer counters.
func (c *AttemptConsumer) Stats() map[string]any {
	return map[string]any{
		"messages_read":  c.messagesRead.Load(),
		"decode_errors":  c.decodeErrors.Load(),
		"handler_errors": c.handlerErrs.Load(),
	}
}

// Stop cancels the consume loop and closes the reader.
func (c *AttemptConsumer) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return c.reader.Close()
}
