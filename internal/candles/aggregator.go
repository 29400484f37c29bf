// Package candles turns an ordered trade stream into fixed-width OHLCV candles.
//
// The Aggregator is deterministic: the same trades in the same order always
// produce the same candles, whether they come from the live feed or from a
// historical backfill. Bucket boundaries come from BucketStart.
//
// Thread Safety:
//   - An Aggregator is owned by a single goroutine and is not safe for
//     concurrent use
package candles

import (
	"errors"
	"sort"
	"time"

	"github.com/dustins/tradr/internal/model"
)

// ErrLateTrade is returned for a trade older than a bucket that was already
// sealed by the clock. Such a trade cannot be folded into any open candle.
var ErrLateTrade = errors.New("trade is older than the sealed watermark")

// Aggregator keeps at most one open candle per product.
//
// A candle is open from its first trade until a trade at or past its end is
// observed, the clock passes its end (SealBefore), or it is flushed.
type Aggregator struct {
	// width is the bucket width of every candle.
	width time.Duration

	// open maps product to its open candle.
	open map[string]*model.Candle

	// watermark maps product to the end of the last bucket sealed by the clock.
	// Trades before it are late.
	watermark map[string]time.Time
}

// NewAggregator creates an aggregator for the given bucket width.
func NewAggregator(width time.Duration) (*Aggregator, error) {
	if err := ValidateWidth(width); err != nil {
		return nil, err
	}
	return &Aggregator{
		width:     width,
		open:      make(map[string]*model.Candle),
		watermark: make(map[string]time.Time),
	}, nil
}

// Width returns the bucket width.
func (agg *Aggregator) Width() time.Duration {
	return agg.width
}

// Observe folds a trade into its product's open candle.
//
//   - With no open candle, a new one is opened at BucketStart(trade.Time).
//   - If trade.Time is before the open candle's end, the trade is folded in.
//     This includes trades earlier than the bucket start.
//   - Otherwise the open candle is sealed and returned, and a new candle is
//     opened for the trade. Empty buckets in between are not produced.
func (agg *Aggregator) Observe(trade model.Trade) (sealed model.Candle, ok bool, err error) {
	if wm, has := agg.watermark[trade.ProductID]; has && trade.Time.Before(wm) {
		return model.Candle{}, false, ErrLateTrade
	}

	current, found := agg.open[trade.ProductID]
	if found && trade.Time.Before(current.End()) {
		fold(current, trade)
		return model.Candle{}, false, nil
	}

	if found {
		sealed, ok = *current, true
	}
	agg.open[trade.ProductID] = agg.newCandle(trade)
	return sealed, ok, nil
}

// Open returns a copy of the product's open candle.
func (agg *Aggregator) Open(productID string) (model.Candle, bool) {
	c, ok := agg.open[productID]
	if !ok {
		return model.Candle{}, false
	}
	return *c, true
}

// Flush seals and returns the product's open candle. It is used at the end of a
// finite stream.
func (agg *Aggregator) Flush(productID string) (model.Candle, bool) {
	c, ok := agg.open[productID]
	if !ok {
		return model.Candle{}, false
	}
	delete(agg.open, productID)
	return *c, true
}

// FlushAll seals every open candle, ordered by product.
func (agg *Aggregator) FlushAll() []model.Candle {
	out := make([]model.Candle, 0, len(agg.open))
	for _, c := range agg.open {
		out = append(out, *c)
	}
	agg.open = make(map[string]*model.Candle)
	sortByProduct(out)
	return out
}

// SealBefore seals every open candle whose end is at or before now and records
// that end as the product's watermark. It is driven by the feed clock.
func (agg *Aggregator) SealBefore(now time.Time) []model.Candle {
	var out []model.Candle
	for product, c := range agg.open {
		end := c.End()
		if end.After(now) {
			continue
		}
		out = append(out, *c)
		delete(agg.open, product)
		agg.watermark[product] = end
	}
	sortByProduct(out)
	return out
}

// Reset discards all open candles and watermarks and returns the number of
// open candles dropped.
func (agg *Aggregator) Reset() int {
	n := len(agg.open)
	agg.open = make(map[string]*model.Candle)
	agg.watermark = make(map[string]time.Time)
	return n
}

func (agg *Aggregator) newCandle(trade model.Trade) *model.Candle {
	return &model.Candle{
		ProductID:   trade.ProductID,
		BucketStart: BucketStart(trade.Time, agg.width),
		Width:       agg.width,
		Open:        trade.Price,
		High:        trade.Price,
		Low:         trade.Price,
		Close:       trade.Price,
		Volume:      trade.Size,
		TradeCount:  1,
	}
}

// fold updates an open candle with one more trade.
func fold(c *model.Candle, trade model.Trade) {
	if trade.Price.GreaterThan(c.High) {
		c.High = trade.Price
	}
	if trade.Price.LessThan(c.Low) {
		c.Low = trade.Price
	}
	c.Close = trade.Price
	c.Volume = c.Volume.Add(trade.Size)
	c.TradeCount++
}

func sortByProduct(cs []model.Candle) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].ProductID != cs[j].ProductID {
			return cs[i].ProductID < cs[j].ProductID
		}
		return cs[i].BucketStart.Before(cs[j].BucketStart)
	})
}
