// Package query serves range queries over stored candles at any resolution
// that is a multiple of the stored bucket width.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustins/tradr/internal/candles"
	"github.com/dustins/tradr/internal/model"
	"github.com/dustins/tradr/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrResolution is returned for a resolution that is not a positive
	// multiple of the stored bucket width.
	ErrResolution = errors.New("invalid resolution")

	// ErrRange is returned when start is not before end.
	ErrRange = errors.New("invalid time range")
)

// RangeReader is the storage query contract. *storage.Store implements it.
type RangeReader interface {
	Range(ctx context.Context, productID string, start, end time.Time) ([]model.Candle, error)
}

// Service answers candle queries.
type Service struct {
	store  RangeReader
	width  time.Duration
	logger zerolog.Logger
}

// NewService creates a query service over candles stored at width.
func NewService(store RangeReader, width time.Duration) (*Service, error) {
	if err := candles.ValidateWidth(width); err != nil {
		return nil, err
	}
	return &Service{
		store:  store,
		width:  width,
		logger: log.With().Str("component", "query").Logger(),
	}, nil
}

// Width returns the stored bucket width.
func (s *Service) Width() time.Duration {
	return s.width
}

// Query returns the product's candles in [start, end) at resolution, ordered
// by bucket start. A zero resolution selects the stored width. start is
// truncated to the resolution grid. Buckets without trades are absent.
func (s *Service) Query(ctx context.Context, productID string, start, end time.Time, resolution time.Duration) ([]model.Candle, error) {
	if err := utils.ValidateSymbol(productID); err != nil {
		return nil, err
	}
	if resolution == 0 {
		resolution = s.width
	}
	if resolution < s.width || resolution%s.width != 0 {
		return nil, fmt.Errorf("%w: %s is not a multiple of %s", ErrResolution, resolution, s.width)
	}

	start = candles.BucketStart(start, resolution)
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: start %s is not before end %s", ErrRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	stored, err := s.store.Range(ctx, productID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", productID, err)
	}
	if resolution == s.width {
		return stored, nil
	}

	out, err := candles.Resample(stored, resolution)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("product", productID).
		Dur("resolution", resolution).
		Int("stored", len(stored)).
		Int("returned", len(out)).
		Msg("resampled candles")
	return out, nil
}
