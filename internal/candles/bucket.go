package candles

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidWidth indicates a bucket width that is not a positive whole number
// of milliseconds.
var ErrInvalidWidth = errors.New("invalid bucket width")

// ValidateWidth checks that width can be used as a bucket width.
func ValidateWidth(width time.Duration) error {
	if width < time.Millisecond || width%time.Millisecond != 0 {
		return fmt.Errorf("%w: %s", ErrInvalidWidth, width)
	}
	return nil
}

// BucketStart truncates t to the start of its bucket. Buckets are aligned on
// the Unix epoch in UTC, so every component that buckets time (the live
// aggregator, the backfill ingester and the query re-aggregation) agrees on
// boundaries. The result is floor(t / width) * width.
func BucketStart(t time.Time, width time.Duration) time.Time {
	w := width.Milliseconds()
	ms := t.UnixMilli()
	r := ms % w
	if r < 0 {
		r += w
	}
	return time.UnixMilli(ms - r).UTC()
}
