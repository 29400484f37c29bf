// Package publish fans sealed candles out to Kafka for downstream analytics.
//
// Storage is the source of truth. Publication is at-least-once per flush and a
// failed publication is logged and counted, never retried.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustins/tradr/internal/metrics"
	"github.com/dustins/tradr/internal/model"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const defaultWriteTimeout = 5 * time.Second

// MessageWriter is the producer side of a topic. *kafka.Writer implements it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config describes the target topic.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// NewWriter builds a synchronous Kafka writer for cfg. Messages are balanced by
// key so every candle of a product lands on the same partition.
func NewWriter(cfg Config) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("no kafka topic configured")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Zstd,
	}, nil
}

// Publisher writes candles as JSON messages keyed by product.
type Publisher struct {
	writer  MessageWriter
	timeout time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewPublisher wraps w. A zero timeout selects the default.
func NewPublisher(w MessageWriter, timeout time.Duration, m *metrics.Metrics) *Publisher {
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &Publisher{
		writer:  w,
		timeout: timeout,
		metrics: m,
		logger:  log.With().Str("component", "publisher").Logger(),
	}
}

// Publish writes one message per candle in a single call.
func (p *Publisher) Publish(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(candles))
	for _, c := range candles {
		value, err := json.Marshal(c.Document())
		if err != nil {
			return fmt.Errorf("encode candle %s: %w", c.Key(), err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(c.ProductID),
			Value: value,
			Time:  c.BucketStart,
			Headers: []kafka.Header{
				{Key: "id", Value: []byte(c.Key())},
			},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d candles: %w", len(msgs), err)
	}
	return nil
}

// OnFlush publishes a batch the sink has written. It matches sink.FlushFunc.
func (p *Publisher) OnFlush(ctx context.Context, written []model.Candle) {
	if err := p.Publish(ctx, written); err != nil {
		p.metrics.PublishErrors.Inc()
		p.logger.Warn().Err(err).Int("size", len(written)).Msg("candle publication failed")
	}
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
