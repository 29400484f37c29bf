// Package sink batches sealed candles and writes them through a create-only
// storage Writer.
//
// Submit only appends under a short lock. Flushes are serialized by a separate
// lock, so at most one write is in flight and concurrent submitters never wait
// on storage unless their submit filled a batch. A batch is removed from the
// buffer only after the Writer accepted it: on failure it is held and retried
// by the next flush.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustins/tradr/internal/metrics"
	"github.com/dustins/tradr/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

const (
	defaultBatchSize     = 500
	defaultFlushInterval = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryBase     = 250 * time.Millisecond
	defaultRetryMax      = 5 * time.Second
)

var (
	// ErrStorage wraps a write that failed after all retries.
	ErrStorage = errors.New("storage write failed")

	// ErrBackpressure is returned by Submit when the held backlog exceeds
	// MaxPending and storage is still failing.
	ErrBackpressure = errors.New("sink backlog exceeded")
)

// Writer is the storage collaborator. BulkCreate must be create-only: existing
// keys are reported as conflicts and never overwritten.
type Writer interface {
	BulkCreate(ctx context.Context, candles []model.Candle) (model.WriteResult, error)
}

// FlushFunc observes every batch after it has been written.
type FlushFunc func(ctx context.Context, written []model.Candle)

// Config holds the batching and retry parameters. Zero values select defaults.
type Config struct {
	// BatchSize is the number of candles that triggers a flush and the maximum
	// size of one write.
	BatchSize int

	// FlushInterval is the period of the background flush started by Run.
	FlushInterval time.Duration

	// MaxRetries bounds the retries of one write after the first attempt.
	MaxRetries uint64

	// RetryBase and RetryMax shape the exponential backoff between retries.
	RetryBase time.Duration
	RetryMax  time.Duration

	// MaxPending bounds the backlog held while storage fails. Defaults to
	// 20 batches.
	MaxPending int

	// OnFlush, if set, is called with every written batch.
	OnFlush FlushFunc
}

// Sink buffers candles and writes them in batches.
type Sink struct {
	writer  Writer
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu  sync.Mutex // guards buf
	buf []model.Candle

	flushMu sync.Mutex // serializes writes
}

// New creates a sink writing to w.
func New(w Writer, cfg Config, m *metrics.Metrics) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 20 * cfg.BatchSize
	}

	return &Sink{
		writer:  w,
		cfg:     cfg,
		metrics: m,
		logger:  log.With().Str("component", "sink").Logger(),
		buf:     make([]model.Candle, 0, cfg.BatchSize),
	}
}

// Submit buffers a candle and flushes full batches. A flush error is returned
// but the candles stay buffered; once the backlog exceeds MaxPending the error
// also wraps ErrBackpressure.
func (s *Sink) Submit(ctx context.Context, c model.Candle) error {
	s.mu.Lock()
	s.buf = append(s.buf, c)
	n := len(s.buf)
	s.mu.Unlock()
	s.metrics.SinkPending.Set(float64(n))

	if n < s.cfg.BatchSize {
		return nil
	}

	err := s.flush(ctx, false)
	if err != nil && s.Pending() > s.cfg.MaxPending {
		return fmt.Errorf("%w: %d pending: %w", ErrBackpressure, s.Pending(), err)
	}
	return err
}

// Drain writes everything buffered, in batches of at most BatchSize.
func (s *Sink) Drain(ctx context.Context) error {
	return s.flush(ctx, true)
}

// Run flushes the buffer every FlushInterval until ctx is done. It does not
// drain on exit; callers drain explicitly during shutdown.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.flush(ctx, true); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Int("pending", s.Pending()).Msg("background flush failed")
			}
		}
	}
}

// Pending returns the number of buffered candles.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// flush writes full batches, or everything when all is set.
func (s *Sink) flush(ctx context.Context, all bool) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	for {
		s.mu.Lock()
		n := len(s.buf)
		if n == 0 || (!all && n < s.cfg.BatchSize) {
			s.mu.Unlock()
			return nil
		}
		if n > s.cfg.BatchSize {
			n = s.cfg.BatchSize
		}
		batch := make([]model.Candle, n)
		copy(batch, s.buf[:n])
		s.mu.Unlock()

		if err := s.write(ctx, batch); err != nil {
			return err
		}

		s.mu.Lock()
		rest := copy(s.buf, s.buf[n:])
		s.buf = s.buf[:rest]
		pending := len(s.buf)
		s.mu.Unlock()
		s.metrics.SinkPending.Set(float64(pending))

		if s.cfg.OnFlush != nil {
			s.cfg.OnFlush(ctx, batch)
		}
	}
}

// write sends one batch with bounded exponential backoff.
func (s *Sink) write(ctx context.Context, batch []model.Candle) error {
	b := retry.NewExponential(s.cfg.RetryBase)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(s.cfg.RetryMax, b)
	b = retry.WithMaxRetries(s.cfg.MaxRetries, b)

	var (
		result  model.WriteResult
		attempt int
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		start := time.Now()
		res, err := s.writer.BulkCreate(ctx, batch)
		s.metrics.SinkFlushSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Int("size", len(batch)).Msg("bulk write failed")
			return retry.RetryableError(err)
		}
		result = res
		return nil
	})
	if err != nil {
		s.metrics.SinkBatches.WithLabelValues("error").Inc()
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		return fmt.Errorf("%w: %w after %d attempts: %w", ErrStorage, model.ErrExhaustedRetries, attempt, err)
	}

	s.metrics.SinkBatches.WithLabelValues("ok").Inc()
	s.metrics.SinkCandles.WithLabelValues("created").Add(float64(result.Created))
	s.metrics.SinkCandles.WithLabelValues("conflict").Add(float64(result.Conflicts))
	if result.Conflicts > 0 {
		s.logger.Debug().Int("conflicts", result.Conflicts).Msg("candles already stored")
	}
	s.logger.Debug().Int("created", result.Created).Int("size", len(batch)).Msg("batch written")
	return nil
}
