package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is an OHLCV summary of all trades of one product whose time falls in
// [BucketStart, BucketStart+Width).
//
// Invariants for any candle built from at least one trade:
//   - Low <= Open, Close <= High
//   - Volume is the exact sum of trade sizes and is never negative
//   - BucketStart is aligned to Width on the Unix epoch
type Candle struct {
	ProductID   string          `json:"product_id"`
	BucketStart time.Time       `json:"bucket_start"`
	Width       time.Duration   `json:"width"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	TradeCount  int64           `json:"trade_count"`
}

// End returns the exclusive end of the candle's bucket.
func (c Candle) End() time.Time {
	return c.BucketStart.Add(c.Width)
}

// Key is the idempotency key of the candle: product and bucket start in epoch
// milliseconds. Two candles with the same key describe the same bucket.
func (c Candle) Key() string {
	return c.ProductID + ":" + strconv.FormatInt(c.BucketStart.UnixMilli(), 10)
}

// CandleDocument is the external representation of a candle: epoch
// milliseconds for time and exact decimal text for prices and volume.
type CandleDocument struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	BucketStart int64  `json:"bucket_start"`
	Width       int64  `json:"bucket_width"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Close       string `json:"close"`
	Volume      string `json:"volume"`
	TradeCount  int64  `json:"trade_count"`
}

// Document converts the candle to its external representation.
func (c Candle) Document() CandleDocument {
	return CandleDocument{
		ID:          c.Key(),
		ProductID:   c.ProductID,
		BucketStart: c.BucketStart.UnixMilli(),
		Width:       c.Width.Milliseconds(),
		Open:        c.Open.String(),
		High:        c.High.String(),
		Low:         c.Low.String(),
		Close:       c.Close.String(),
		Volume:      c.Volume.String(),
		TradeCount:  c.TradeCount,
	}
}

// WriteResult reports the outcome of a create-only bulk write. Conflicts counts
// candles whose key already existed and were therefore left untouched.
type WriteResult struct {
	Created   int
	Conflicts int
}
