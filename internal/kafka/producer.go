package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer publishes campaign detections to the detections topic.
type Producer struct {
	writer *kafka.Writer
	config *Config
	logger *slog.Logger

	mu     sync.Mutex
	closed bool

	messagesSent atomic.Int64
	bytesSent    atomic.Int64
	errorCount   atomic.Int64
}

// NewProducer creates a producer for the detections topic.
func NewProducer(cfg *Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := &kafka.Transport{
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLSEnabled || cfg.SecurityProtocol == "SSL" || cfg.SecurityProtocol == "SASL_SSL" {
		tlsConfig, err := cfg.getTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure TLS: %w", err)
		}
		transport.TLS = tlsConfig
	}
	if cfg.SecurityProtocol == "SASL_PLAINTEXT" || cfg.SecurityProtocol == "SASL_SSL" {
		mechanism, err := cfg.getSASLMechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure SASL: %w", err)
		}
		transport.SASL = mechanism
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.DetectionsTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.ProducerBatchSize,
		BatchTimeout: cfg.ProducerBatchTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.GetCompression(),
		WriteTimeout: cfg.WriteTimeout,
		Transport:    transport,
	}

	logger.Info("kafka producer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.DetectionsTopic,
		"compression", cfg.CompressionType)

	return &Producer{
		writer: writer,
		config: cfg,
		logger: logger,
	}, nil
}

// ProduceJSON marshals v and publishes it keyed by key, retrying
// transient failures with linear backoff.
func (p *Producer) ProduceJSON(ctx context.Context, key string, v any) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProducerClosed
	}
	p.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal message: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	}

	var lastErr error
	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * p.config.ProducerRetryBackoff
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			lastErr = err
			if isNonRetryableError(err) {
				break
			}
			p.logger.Warn("kafka write failed, retrying",
				"attempt", attempt+1,
				"error", err)
			continue
		}

		p.messagesSent.Add(1)
		p.bytesSent.Add(int64(len(data)))
		return nil
	}

	p.errorCount.Add(1)
	return fmt.Errorf("kafka: failed to produce message after %d attempts: %w",
		p.config.ProducerMaxRetries+1, lastErr)
}

func isNonRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.UnknownTopicOrPartition,
			kafka.InvalidTopic,
			kafka.TopicAuthorizationFailed,
			kafka.SASLAuthenticationFailed,
			kafka.MessageSizeTooLarge:
			return true
		}
	}
	return false
}

// Stats returns producer counters.
func (p *Producer) Stats() map[string]any {
	return map[string]any{
		"messages_sent": p.messagesSent.Load(),
		"bytes_sent":    p.bytesSent.Load(),
		"errors":        p.errorCount.Load(),
	}
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}
