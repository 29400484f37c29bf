// Package backfill rebuilds historical candles from a trade export.
//
// The export is a time-ordered CSV of (unix seconds, price, size) records.
// Records run through the same candle aggregation as the live feed and the
// sealed candles are written through the shared sink, so re-running a backfill
// over stored buckets only produces conflicts.
package backfill

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustins/tradr/internal/candles"
	"github.com/dustins/tradr/internal/metrics"
	"github.com/dustins/tradr/internal/model"
	"github.com/dustins/tradr/internal/sink"
	"github.com/dustins/tradr/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const defaultDrainTimeout = 30 * time.Second

var (
	// ErrRunning is returned when a backfill is already in progress.
	ErrRunning = errors.New("backfill already running")

	// ErrRecord marks a malformed export record.
	ErrRecord = errors.New("malformed record")
)

// CandleSink is the shared write path. *sink.Sink implements it.
type CandleSink interface {
	Submit(ctx context.Context, c model.Candle) error
	Drain(ctx context.Context) error
}

// LatestFinder reports the latest stored bucket of a product.
// *storage.Store implements it.
type LatestFinder interface {
	Latest(ctx context.Context, productID string) (time.Time, bool, error)
}

// Config holds the ingester parameters.
type Config struct {
	// Width is the candle bucket width; it must match the live aggregator.
	Width time.Duration

	// CandlesPerSecond paces submissions to the sink. Zero disables pacing.
	CandlesPerSecond float64

	// Burst is the number of candles submitted without waiting.
	Burst int

	// Resume skips records that fall into buckets already stored.
	Resume bool

	// DrainTimeout bounds the final drain after cancellation or a read error.
	DrainTimeout time.Duration
}

// Stats summarizes one run.
type Stats struct {
	Product  string        `json:"product"`
	Records  int64         `json:"records"`
	Skipped  int64         `json:"skipped"`
	Resumed  int64         `json:"resumed"`
	Candles  int64         `json:"candles"`
	Duration time.Duration `json:"duration"`
}

// Status is the state of the ingester.
type Status struct {
	Running   bool   `json:"running"`
	Last      *Stats `json:"last,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Ingester runs one backfill at a time.
type Ingester struct {
	cfg     Config
	sink    CandleSink
	latest  LatestFinder
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  zerolog.Logger

	running atomic.Bool

	mu      sync.Mutex
	last    *Stats
	lastErr error
}

// NewIngester creates an ingester. latest may be nil when Resume is off.
func NewIngester(cfg Config, s CandleSink, latest LatestFinder, m *metrics.Metrics) (*Ingester, error) {
	if err := candles.ValidateWidth(cfg.Width); err != nil {
		return nil, err
	}
	if cfg.Resume && latest == nil {
		return nil, errors.New("resume requires a latest finder")
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	limit := rate.Inf
	if cfg.CandlesPerSecond > 0 {
		limit = rate.Limit(cfg.CandlesPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &Ingester{
		cfg:     cfg,
		sink:    s,
		latest:  latest,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		metrics: m,
		logger:  log.With().Str("component", "backfill").Logger(),
	}, nil
}

// Start runs a backfill of source in the background. It returns ErrRunning
// without starting if one is in progress.
func (in *Ingester) Start(ctx context.Context, product, source string) error {
	if err := utils.ValidateSymbol(product); err != nil {
		return err
	}
	if !in.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	go func() {
		defer in.running.Store(false)
		_, _ = in.runSource(ctx, product, source)
	}()
	return nil
}

// Run backfills product from source, a file path or an http(s) URL, and waits
// for the result.
func (in *Ingester) Run(ctx context.Context, product, source string) (Stats, error) {
	if err := utils.ValidateSymbol(product); err != nil {
		return Stats{}, err
	}
	if !in.running.CompareAndSwap(false, true) {
		return Stats{}, ErrRunning
	}
	defer in.running.Store(false)
	return in.runSource(ctx, product, source)
}

// Ingest backfills product from an already opened export.
func (in *Ingester) Ingest(ctx context.Context, product string, r io.Reader) (Stats, error) {
	if err := utils.ValidateSymbol(product); err != nil {
		return Stats{}, err
	}
	if !in.running.CompareAndSwap(false, true) {
		return Stats{}, ErrRunning
	}
	defer in.running.Store(false)
	return in.record(in.ingest(ctx, product, r))
}

// Status returns whether a backfill is running and the last result.
func (in *Ingester) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	st := Status{Running: in.running.Load(), Last: in.last}
	if in.lastErr != nil {
		st.LastError = in.lastErr.Error()
	}
	return st
}

func (in *Ingester) runSource(ctx context.Context, product, source string) (Stats, error) {
	rc, err := OpenSource(ctx, source, nil)
	if err != nil {
		return in.record(Stats{Product: product}, err)
	}
	defer rc.Close()

	in.logger.Info().Str("product", product).Str("source", source).Msg("backfill started")
	return in.record(in.ingest(ctx, product, rc))
}

func (in *Ingester) record(st Stats, err error) (Stats, error) {
	in.mu.Lock()
	in.last = &st
	in.lastErr = err
	in.mu.Unlock()

	ev := in.logger.Info()
	if err != nil {
		ev = in.logger.Error().Err(err)
	}
	ev.Str("product", st.Product).
		Int64("records", st.Records).
		Int64("skipped", st.Skipped).
		Int64("resumed", st.Resumed).
		Int64("candles", st.Candles).
		Dur("duration", st.Duration).
		Msg("backfill finished")
	return st, err
}

func (in *Ingester) ingest(ctx context.Context, product string, r io.Reader) (st Stats, err error) {
	start := time.Now()
	st.Product = product
	defer func() { st.Duration = time.Since(start) }()

	agg, err := candles.NewAggregator(in.cfg.Width)
	if err != nil {
		return st, err
	}

	var resumeAt time.Time
	if in.cfg.Resume {
		latest, ok, err := in.latest.Latest(ctx, product)
		if err != nil {
			return st, fmt.Errorf("find latest bucket: %w", err)
		}
		if ok {
			resumeAt = latest.Add(in.cfg.Width)
			in.logger.Info().Str("product", product).Time("resumeAt", resumeAt).Msg("resuming after stored buckets")
		}
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3
	reader.ReuseRecord = true
	reader.TrimLeadingSpace = true

	for line := 1; ; line++ {
		if ctx.Err() != nil {
			return st, in.abort(ctx, ctx.Err())
		}

		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				in.skip(&st, line, err)
				continue
			}
			return st, in.abort(ctx, fmt.Errorf("read export: %w", err))
		}

		trade, err := parseRecord(product, rec)
		if err != nil {
			in.skip(&st, line, err)
			continue
		}
		st.Records++
		in.metrics.BackfillRecords.WithLabelValues("ok").Inc()

		if trade.Time.Before(resumeAt) {
			st.Resumed++
			continue
		}

		sealed, ok, err := agg.Observe(trade)
		if err != nil {
			in.skip(&st, line, err)
			continue
		}
		if ok {
			if err := in.submit(ctx, &st, sealed); err != nil {
				return st, in.abort(ctx, err)
			}
		}
	}

	// The export is complete, so the last bucket is final.
	for _, c := range agg.FlushAll() {
		if err := in.submit(ctx, &st, c); err != nil {
			return st, in.abort(ctx, err)
		}
	}
	if err := in.sink.Drain(ctx); err != nil {
		return st, fmt.Errorf("drain: %w", err)
	}
	return st, nil
}

// submit paces and writes one sealed candle. Only backpressure is fatal; other
// sink errors leave the batch held for the next flush.
func (in *Ingester) submit(ctx context.Context, st *Stats, c model.Candle) error {
	if err := in.limiter.Wait(ctx); err != nil {
		return err
	}
	st.Candles++
	in.metrics.CandlesSealed.WithLabelValues("backfill").Inc()

	err := in.sink.Submit(ctx, c)
	if errors.Is(err, sink.ErrBackpressure) {
		return err
	}
	if err != nil {
		in.logger.Warn().Err(err).Str("product", c.ProductID).Msg("sink flush failed")
	}
	return nil
}

// abort drains the candles sealed so far and returns cause.
func (in *Ingester) abort(ctx context.Context, cause error) error {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.cfg.DrainTimeout)
	defer cancel()
	if err := in.sink.Drain(drainCtx); err != nil {
		return errors.Join(cause, fmt.Errorf("drain: %w", err))
	}
	return cause
}

func (in *Ingester) skip(st *Stats, line int, err error) {
	st.Skipped++
	in.metrics.BackfillRecords.WithLabelValues("skipped").Inc()
	in.logger.Debug().Err(err).Int("line", line).Msg("skipping record")
}

// parseRecord converts (unix seconds, price, size) into a trade. Timestamps may
// carry a fractional part. Price and size must be positive, as for a live match.
func parseRecord(product string, rec []string) (model.Trade, error) {
	ts, err := parseUnix(strings.TrimSpace(rec[0]))
	if err != nil {
		return model.Trade{}, fmt.Errorf("%w: timestamp %q: %v", ErrRecord, rec[0], err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(rec[1]))
	if err != nil || !price.IsPositive() {
		return model.Trade{}, fmt.Errorf("%w: price %q", ErrRecord, rec[1])
	}
	size, err := decimal.NewFromString(strings.TrimSpace(rec[2]))
	if err != nil || !size.IsPositive() {
		return model.Trade{}, fmt.Errorf("%w: size %q", ErrRecord, rec[2])
	}

	return model.Trade{
		ProductID: product,
		Time:      ts,
		Price:     price,
		Size:      size,
	}, nil
}

func parseUnix(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(d.Shift(3).IntPart()).UTC(), nil
}
