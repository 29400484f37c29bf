package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustins/tradr/internal/backfill"
	"github.com/dustins/tradr/internal/model"
	"github.com/dustins/tradr/internal/query"
	"github.com/dustins/tradr/internal/service"
	"github.com/dustins/tradr/internal/utils"

	"github.com/gin-gonic/gin"
)

const (
	healthTimeout = 2 * time.Second

	// defaultCandleSpan is the number of buckets returned when start is omitted.
	defaultCandleSpan = 100
)

// ErrSourceNotAllowed is returned for backfill sources outside the configured
// set.
var ErrSourceNotAllowed = errors.New("backfill source not allowed")

type levelJSON [2]string

type bookJSON struct {
	ProductID string      `json:"product_id"`
	Bids      []levelJSON `json:"bids"`
	Asks      []levelJSON `json:"asks"`
}

type tickerJSON struct {
	ProductID string    `json:"product_id"`
	Sequence  int64     `json:"sequence"`
	Price     float64   `json:"price"`
	Open24h   float64   `json:"open_24h"`
	Volume24h float64   `json:"volume_24h"`
	Low24h    float64   `json:"low_24h"`
	High24h   float64   `json:"high_24h"`
	Volume30d float64   `json:"volume_30d"`
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	Time      time.Time `json:"time,omitempty"`
}

type backfillRequest struct {
	Product string `json:"product"`
	Source  string `json:"source"`
}

func abortWithError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.deps.FeedState != nil {
		body["feed"] = s.deps.FeedState()
	}
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			body["status"] = "unavailable"
			body["storage"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["storage"] = "ok"
	}
	c.JSON(http.StatusOK, body)
}

// snapshot serves GET /snapshot/:product?depth=N.
func (s *Server) snapshot(c *gin.Context) {
	product := c.Param("product")
	if err := utils.ValidateSymbol(product); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	depth := 0
	if v := c.Query("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			abortWithError(c, http.StatusBadRequest, errors.New("depth must be a positive integer"))
			return
		}
		depth = n
	}

	view, ok := s.deps.Books.Snapshot(product)
	if !ok {
		abortWithError(c, http.StatusNotFound, errors.New("no order book for "+product))
		return
	}
	c.JSON(http.StatusOK, bookJSON{
		ProductID: view.ProductID,
		Bids:      levels(view.Bids, depth),
		Asks:      levels(view.Asks, depth),
	})
}

func levels(in []model.Level, depth int) []levelJSON {
	if depth > 0 && len(in) > depth {
		in = in[:depth]
	}
	out := make([]levelJSON, len(in))
	for i, l := range in {
		out[i] = levelJSON{l.Price.String(), l.Size.String()}
	}
	return out
}

func (s *Server) ticker(c *gin.Context) {
	product := c.Param("product")
	if err := utils.ValidateSymbol(product); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	t, ok := s.deps.Tickers.Get(product)
	if !ok {
		abortWithError(c, http.StatusNotFound, errors.New("no ticker for "+product))
		return
	}
	c.JSON(http.StatusOK, tickerJSON{
		ProductID: t.ProductID,
		Sequence:  t.Sequence,
		Price:     t.Price,
		Open24h:   t.Open24h,
		Volume24h: t.Volume24h,
		Low24h:    t.Low24h,
		High24h:   t.High24h,
		Volume30d: t.Volume30d,
		BestBid:   t.BestBid,
		BestAsk:   t.BestAsk,
		Time:      t.Time,
	})
}

// candles serves GET /candles/:product?start=&end=&resolution=. Times are
// RFC 3339 or unix seconds; resolution is a Go duration.
func (s *Server) candles(c *gin.Context) {
	product := c.Param("product")

	resolution := s.deps.Candles.Width()
	if v := c.Query("resolution"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
		resolution = d
	}

	end := time.Now().UTC()
	if v := c.Query("end"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
		end = t
	}
	start := defaultStart(end, resolution)
	if v := c.Query("start"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
		start = t
	}

	out, err := s.deps.Candles.Query(c.Request.Context(), product, start, end, resolution)
	switch {
	case errors.Is(err, query.ErrResolution), errors.Is(err, query.ErrRange), errors.Is(err, utils.ErrInvalidSymbol):
		abortWithError(c, http.StatusBadRequest, err)
		return
	case err != nil:
		s.logger.Error().Err(err).Str("product", product).Msg("candle query failed")
		abortWithError(c, http.StatusInternalServerError, errors.New("candle query failed"))
		return
	}

	docs := make([]model.CandleDocument, len(out))
	for i, cdl := range out {
		docs[i] = cdl.Document()
	}
	c.JSON(http.StatusOK, docs)
}

// defaultStart is defaultCandleSpan buckets before end. Spans that do not fit
// a time.Duration are clamped to the longest one.
func defaultStart(end time.Time, resolution time.Duration) time.Time {
	if resolution <= 0 {
		return end
	}
	if resolution > math.MaxInt64/defaultCandleSpan {
		return end.Add(-math.MaxInt64)
	}
	return end.Add(-defaultCandleSpan * resolution)
}

func parseTime(v string) (time.Time, error) {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) startBackfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	if req.Product == "" {
		req.Product = s.deps.DefaultProduct
	}
	if req.Source == "" {
		req.Source = s.deps.DefaultSource
	}
	if !s.sourceAllowed(req.Source) {
		abortWithError(c, http.StatusForbidden, fmt.Errorf("%w: %q", ErrSourceNotAllowed, req.Source))
		return
	}

	err := s.deps.Backfill.Start(s.deps.BaseContext, req.Product, req.Source)
	switch {
	case errors.Is(err, backfill.ErrRunning):
		abortWithError(c, http.StatusConflict, err)
		return
	case err != nil:
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	s.logger.Info().Str("product", req.Product).Str("source", req.Source).Msg("backfill requested")
	c.JSON(http.StatusAccepted, gin.H{"product": req.Product, "source": req.Source})
}

func (s *Server) sourceAllowed(source string) bool {
	if source == "" {
		return false
	}
	return source == s.deps.DefaultSource || slices.Contains(s.deps.AllowedSources, source)
}

func (s *Server) backfillStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Backfill.Status())
}

// stream serves GET /stream?products=A-B,C-D as server-sent events, one
// "candle" event per sealed live candle.
func (s *Server) stream(c *gin.Context) {
	var products []string
	for _, p := range strings.Split(c.Query("products"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			products = append(products, p)
		}
	}

	sub, err := s.deps.Stream.Subscribe(products)
	switch {
	case errors.Is(err, service.ErrDispatcherBusy), errors.Is(err, service.ErrDispatcherNotStarted):
		abortWithError(c, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	defer func() {
		if err := s.deps.Stream.Unsubscribe(sub); err != nil {
			s.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	candles := sub.Candles()
	c.Stream(func(io.Writer) bool {
		select {
		case cdl, ok := <-candles:
			if !ok {
				return false
			}
			c.SSEvent("candle", cdl.Document())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
