// Package model defines the core data types shared by the market-data service.
//
// Feed messages are decoded into one of the FeedEvent variants below and routed
// by concrete type. Trade prices and sizes, book levels, and candle OHLCV fields
// use decimal.Decimal so that live and backfilled candles are computed exactly.
// Ticker fields are display values and use float64.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the aggressor side of a trade or the book side of a level change.
type Side int

const (
	// SideUnknown is the zero value and never produced by a successful decode.
	SideUnknown Side = iota

	// Buy marks a buy-side trade or a bid level.
	Buy

	// Sell marks a sell-side trade or an ask level.
	Sell
)

// String returns the wire name of the side.
func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide maps the wire names "buy" and "sell" to a Side.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "buy":
		return Buy, true
	case "sell":
		return Sell, true
	default:
		return SideUnknown, false
	}
}

// FeedEvent is a decoded feed message. The set of implementations is closed:
// Heartbeat, Ticker, Trade, BookSnapshot, BookDelta, Subscriptions, FeedError
// and Unknown.
type FeedEvent interface {
	// Product returns the product the event refers to, or "" for session-level
	// events such as Subscriptions.
	Product() string

	feedEvent()
}

// Heartbeat is a periodic liveness message carrying the exchange clock.
type Heartbeat struct {
	ProductID   string
	Sequence    int64
	LastTradeID int64
	Time        time.Time
}

// Ticker is a best-bid/ask and 24h statistics update.
type Ticker struct {
	ProductID string
	Sequence  int64
	Price     float64
	Open24h   float64
	Volume24h float64
	Low24h    float64
	High24h   float64
	Volume30d float64
	BestBid   float64
	BestAsk   float64
	Time      time.Time
}

// Trade is a single executed trade (a "match" on the wire).
type Trade struct {
	ProductID    string
	TradeID      int64
	Sequence     int64
	MakerOrderID uuid.UUID
	TakerOrderID uuid.UUID
	Time         time.Time
	Price        decimal.Decimal
	Size         decimal.Decimal
	Side         Side
}

// Level is one price level of an order book.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookSnapshot is the full level-2 state of one product.
type BookSnapshot struct {
	ProductID string
	Bids      []Level
	Asks      []Level
}

// Change is one level update inside a BookDelta. A zero Size removes the level.
type Change struct {
	Side  Side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookDelta is an incremental level-2 update.
type BookDelta struct {
	ProductID string
	Time      time.Time
	Changes   []Change
}

// Subscriptions acknowledges a subscription request.
type Subscriptions struct {
	Channels []string
}

// FeedError is an error message sent by the exchange, usually in reply to a
// rejected subscription.
type FeedError struct {
	Message string
	Reason  string
}

// Unknown is a well-formed frame whose type the service does not handle. It is
// classified and ignored rather than treated as a decode failure.
type Unknown struct {
	Type      string
	ProductID string
}

func (h Heartbeat) Product() string { return h.ProductID }
func (t Ticker) Product() string { return t.ProductID }
func (t Trade) Product() string { return t.ProductID }
func (s BookSnapshot) Product() string { return s.ProductID }
func (d BookDelta) Product() string { return d.ProductID }
func (Subscriptions) Product() string { return "" }
func (FeedError) Product() string { return "" }
func (u Unknown) Product() string { return u.ProductID }
func (Heartbeat) feedEvent() {}
func (Ticker) feedEvent() {}
func (Trade) feedEvent() {}
func (BookSnapshot) feedEvent() {}
func (BookDelta) feedEvent() {}
func (Subscriptions) feedEvent() {}
func (FeedError) feedEvent() {}
func (Unknown) feedEvent() {}

// BookView is an immutable copy of one product's order book. Bids are sorted
// by descending price and asks by ascending price.
type BookView struct {
	ProductID string
	Bids      []Level
	Asks      []Level
}

// BestBid returns the highest bid, if any.
func (b BookView) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b BookView) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}
