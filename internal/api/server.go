// Package api exposes the live state and the candle store over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/dustins/tradr/internal/backfill"
	"github.com/dustins/tradr/internal/model"
	"github.com/dustins/tradr/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const requestIDHeader = "X-Request-ID"

// BookReader returns point-in-time copies of order books.
type BookReader interface {
	Snapshot(productID string) (model.BookView, bool)
}

// TickerReader returns the latest ticker of a product.
type TickerReader interface {
	Get(productID string) (model.Ticker, bool)
}

// CandleQuerier answers range queries over stored candles.
type CandleQuerier interface {
	Query(ctx context.Context, productID string, start, end time.Time, resolution time.Duration) ([]model.Candle, error)
	Width() time.Duration
}

// Backfiller starts historical ingestion in the background.
type Backfiller interface {
	Start(ctx context.Context, product, source string) error
	Status() backfill.Status
}

// Streamer registers live candle subscribers.
type Streamer interface {
	Subscribe(products []string) (*service.Subscriber, error)
	Unsubscribe(sub *service.Subscriber) error
}

// Deps are the collaborators behind the routes. Nil collaborators disable
// their routes.
type Deps struct {
	Books    BookReader
	Tickers  TickerReader
	Candles  CandleQuerier
	Backfill Backfiller
	Stream   Streamer
	Metrics  http.Handler

	// Ping checks storage for /healthz.
	Ping func(ctx context.Context) error

	// FeedState reports the session state for /healthz.
	FeedState func() string

	// BaseContext outlives requests; background backfills run under it.
	BaseContext context.Context

	// DefaultProduct and DefaultSource fill empty backfill requests.
	DefaultProduct string
	DefaultSource  string

	// AllowedSources lists the other sources a backfill request may name.
	// Requests for any source outside it and DefaultSource are refused.
	AllowedSources []string
}

// Server is the HTTP surface.
type Server struct {
	router *gin.Engine
	deps   Deps
	logger zerolog.Logger
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}

	s := &Server{
		router: gin.New(),
		deps:   deps,
		logger: log.With().Str("component", "api").Logger(),
	}
	s.router.Use(gin.Recovery(), requestID(), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)

	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.deps.Books != nil {
		s.router.GET("/snapshot/:product", s.snapshot)
	}
	if s.deps.Tickers != nil {
		s.router.GET("/ticker/:product", s.ticker)
	}
	if s.deps.Candles != nil {
		s.router.GET("/candles/:product", s.candles)
	}
	if s.deps.Backfill != nil {
		s.router.POST("/backfill", s.startBackfill)
		s.router.GET("/backfill", s.backfillStatus)
	}
	if s.deps.Stream != nil {
		s.router.GET("/stream", s.stream)
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := s.logger.Debug()
		switch {
		case status >= http.StatusInternalServerError:
			ev = s.logger.Error()
		case status >= http.StatusBadRequest:
			ev = s.logger.Info()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("request_id", c.GetString("request_id")).
			Msg("request")
	}
}
