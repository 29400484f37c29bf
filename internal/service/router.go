package service

import (
	"context"
	"errors"

	"github.com/dustins/tradr/internal/candles"
	"github.com/dustins/tradr/internal/metrics"
	"github.com/dustins/tradr/internal/model"
	"github.com/dustins/tradr/internal/orderbook"
	"github.com/dustins/tradr/internal/sink"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CandleSink is the write path for sealed candles. *sink.Sink implements it.
type CandleSink interface {
	Submit(ctx context.Context, c model.Candle) error
	Drain(ctx context.Context) error
}

// RouterConfig holds the router dependencies.
type RouterConfig struct {
	Books      *orderbook.Store
	Aggregator *candles.Aggregator
	Sink       CandleSink
	Tickers    *TickerCache
	Clock      *Clock

	// Live, if set, receives every sealed live candle. Sends never block; a
	// full channel drops the candle for live subscribers only.
	Live chan<- model.Candle

	// SealOnHeartbeat seals open candles whose bucket ended before the
	// heartbeat clock.
	SealOnHeartbeat bool
}

// Router routes decoded feed events to the component that owns them. It
// implements feed.Handler and must only be called from the session goroutine.
type Router struct {
	cfg     RouterConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewRouter creates a router. Nil Tickers and Clock are allocated.
func NewRouter(cfg RouterConfig, m *metrics.Metrics) *Router {
	if cfg.Tickers == nil {
		cfg.Tickers = NewTickerCache()
	}
	if cfg.Clock == nil {
		cfg.Clock = &Clock{}
	}
	return &Router{
		cfg:     cfg,
		metrics: m,
		logger:  log.With().Str("component", "router").Logger(),
	}
}

// Handle routes one event. Protocol errors are counted and dropped; the only
// error returned is sink backpressure, which the session treats as fatal.
func (r *Router) Handle(ctx context.Context, ev model.FeedEvent) error {
	switch ev := ev.(type) {
	case model.Heartbeat:
		r.cfg.Clock.Advance(ev.Time)
		if r.cfg.SealOnHeartbeat {
			for _, c := range r.cfg.Aggregator.SealBefore(r.cfg.Clock.Now()) {
				if err := r.emit(ctx, c); err != nil {
					return err
				}
			}
		}

	case model.Trade:
		sealed, ok, err := r.cfg.Aggregator.Observe(ev)
		if errors.Is(err, candles.ErrLateTrade) {
			r.metrics.DroppedEvents.WithLabelValues(metrics.ReasonLateTrade).Inc()
			r.logger.Debug().Str("product", ev.ProductID).Int64("tradeId", ev.TradeID).Time("time", ev.Time).Msg("dropping late trade")
			return nil
		}
		if ok {
			return r.emit(ctx, sealed)
		}

	case model.BookSnapshot:
		r.cfg.Books.ApplySnapshot(ev)

	case model.BookDelta:
		if err := r.cfg.Books.ApplyDelta(ev); errors.Is(err, orderbook.ErrNoSnapshot) {
			r.metrics.DroppedEvents.WithLabelValues(metrics.ReasonDeltaBeforeSnapshot).Inc()
			r.logger.Debug().Str("product", ev.ProductID).Msg("dropping delta received before snapshot")
		}

	case model.Ticker:
		r.cfg.Tickers.Put(ev)

	default:
		r.logger.Debug().Str("product", ev.Product()).Msg("ignoring event")
	}
	return nil
}

// emit hands a sealed candle to the sink and the live fan-out.
func (r *Router) emit(ctx context.Context, c model.Candle) error {
	r.metrics.CandlesSealed.WithLabelValues("live").Inc()

	if r.cfg.Live != nil {
		select {
		case r.cfg.Live <- c:
		default:
			r.logger.Debug().Str("product", c.ProductID).Msg("live channel full, candle not streamed")
		}
	}

	err := r.cfg.Sink.Submit(ctx, c)
	switch {
	case err == nil:
	case errors.Is(err, sink.ErrBackpressure):
		return err
	default:
		// The batch stays buffered and is retried by the next flush.
		r.logger.Warn().Err(err).Str("product", c.ProductID).Msg("sink flush failed")
	}
	return nil
}

// Reset clears the books and discards open candles after a disconnect.
func (r *Router) Reset() {
	r.cfg.Books.Reset()
	if n := r.cfg.Aggregator.Reset(); n > 0 {
		r.metrics.OpenCandlesDiscarded.Add(float64(n))
		r.logger.Info().Int("discarded", n).Msg("open candles discarded after disconnect")
	}
}

// Shutdown discards open candles and drains the sink.
func (r *Router) Shutdown(ctx context.Context) error {
	if n := r.cfg.Aggregator.Reset(); n > 0 {
		r.metrics.OpenCandlesDiscarded.Add(float64(n))
	}
	return r.cfg.Sink.Drain(ctx)
}

// Tickers returns the ticker cache.
func (r *Router) Tickers() *TickerCache {
	return r.cfg.Tickers
}

// Clock returns the heartbeat clock.
func (r *Router) Clock() *Clock {
	return r.cfg.Clock
}
