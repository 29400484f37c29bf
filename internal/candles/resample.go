package candles

import (
	"fmt"
	"time"

	"github.com/dustins/tradr/internal/model"
)

// Resample re-buckets candles into a coarser resolution. The input must be
// ordered by product and then bucket start; the output keeps that order.
// Buckets are aligned with BucketStart, so resampling stored candles gives the
// same result as aggregating the underlying trades at the coarser width.
func Resample(in []model.Candle, resolution time.Duration) ([]model.Candle, error) {
	if err := ValidateWidth(resolution); err != nil {
		return nil, err
	}

	out := make([]model.Candle, 0, len(in))
	for _, c := range in {
		if c.Width > resolution || resolution%c.Width != 0 {
			return nil, fmt.Errorf("%w: %s is not a multiple of %s", ErrInvalidWidth, resolution, c.Width)
		}
		start := BucketStart(c.BucketStart, resolution)
		if n := len(out); n > 0 && out[n-1].ProductID == c.ProductID && out[n-1].BucketStart.Equal(start) {
			Merge(&out[n-1], c)
			continue
		}
		c.BucketStart = start
		c.Width = resolution
		out = append(out, c)
	}
	return out, nil
}

// Merge folds next into dst: first open, max high, min low, last close and
// summed volume and trade count. next must follow dst in time.
func Merge(dst *model.Candle, next model.Candle) {
	if next.High.GreaterThan(dst.High) {
		dst.High = next.High
	}
	if next.Low.LessThan(dst.Low) {
		dst.Low = next.Low
	}
	dst.Close = next.Close
	dst.Volume = dst.Volume.Add(next.Volume)
	dst.TradeCount += next.TradeCount
}
