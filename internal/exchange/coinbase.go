// Package exchange decodes the Coinbase websocket feed into model.FeedEvent values.
//
// The Codec is pure: it holds no connection state and can be shared by the live
// session and by tests. Every frame decodes to exactly one of:
//   - a typed event (heartbeat, ticker, match/last_match, snapshot, l2update,
//     subscriptions, error)
//   - model.Unknown for well-formed frames of an unhandled type
//   - a *DecodeError for anything malformed
//
// Coinbase wire notes:
//   - Numeric values are JSON strings to preserve precision
//   - Trades are called "matches" and carry RFC3339 timestamps with microseconds
//   - Book levels are [price, size] pairs, changes are [side, price, size]
package exchange

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustins/tradr/internal/model"
	"github.com/dustins/tradr/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// defaultCoinbaseConfig provides the public feed endpoint and the channels the
	// service needs.
	defaultCoinbaseConfig = ExchangeConfig{
		BaseURL:    "wss://ws-feed.exchange.coinbase.com",
		MaxSymbols: 10,
		Channels:   []string{"heartbeat", "ticker", "level2", "matches"},
	}

	// ErrMissingType indicates a JSON object without a "type" field.
	ErrMissingType = errors.New("frame has no type")

	// ErrInvalidLevel indicates a malformed book level or change entry.
	ErrInvalidLevel = errors.New("invalid book level")

	// ErrNonPositive indicates a trade price or size that is zero or negative.
	ErrNonPositive = errors.New("value must be positive")
)

// DecodeError reports a frame that could not be decoded. The frame is kept for
// logging; the session drops the frame and keeps streaming.
type DecodeError struct {
	Frame []byte
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Codec converts raw feed frames into model events and builds subscription
// requests.
type Codec struct {
	config   ExchangeConfig      // Endpoint, symbol limit and channels
	validate *validator.Validate // Validator instance for message validation
}

// coinbaseEnvelope is decoded first to dispatch on the message type.
type coinbaseEnvelope struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
}

type coinbaseHeartbeat struct {
	Sequence    int64  `json:"sequence"`
	LastTradeID int64  `json:"last_trade_id"`
	ProductID   string `json:"product_id" validate:"required"`
	Time        string `json:"time" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
}

type coinbaseTicker struct {
	Sequence  int64  `json:"sequence"`
	ProductID string `json:"product_id" validate:"required"`
	Price     string `json:"price" validate:"required,numeric"`
	Open24h   string `json:"open_24h" validate:"omitempty,numeric"`
	Volume24h string `json:"volume_24h" validate:"omitempty,numeric"`
	Low24h    string `json:"low_24h" validate:"omitempty,numeric"`
	High24h   string `json:"high_24h" validate:"omitempty,numeric"`
	Volume30d string `json:"volume_30d" validate:"omitempty,numeric"`
	BestBid   string `json:"best_bid" validate:"omitempty,numeric"`
	BestAsk   string `json:"best_ask" validate:"omitempty,numeric"`
	Time      string `json:"time" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// coinbaseMatch represents a trade execution (match) message.
//
// Example:
//
//	{
//		"type": "match",
//		"trade_id": 10,
//		"sequence": 50,
//		"maker_order_id": "ac928c66-ca53-498f-9c13-a110027a60e8",
//		"taker_order_id": "132fb6ae-456b-4654-b4e0-d681ac05cea1",
//		"time": "2014-11-07T08:19:27.028459Z",
//		"product_id": "BTC-USD",
//		"size": "5.23512",
//		"price": "400.23",
//		"side": "sell"
//	}
type coinbaseMatch struct {
	TradeID      int64  `json:"trade_id"`
	Sequence     int64  `json:"sequence"`
	MakerOrderID string `json:"maker_order_id" validate:"required"`
	TakerOrderID string `json:"taker_order_id" validate:"required"`
	Time         string `json:"time" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	ProductID    string `json:"product_id" validate:"required"`
	Size         string `json:"size" validate:"required,numeric"`
	Price        string `json:"price" validate:"required,numeric"`
	Side         string `json:"side" validate:"required,oneof=buy sell"`
}

type coinbaseSnapshot struct {
	ProductID string     `json:"product_id" validate:"required"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
}

type coinbaseL2Update struct {
	ProductID string     `json:"product_id" validate:"required"`
	Time      string     `json:"time" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Changes   [][]string `json:"changes" validate:"required"`
}

type coinbaseSubscriptions struct {
	Channels []struct {
		Name string `json:"name"`
	} `json:"channels"`
}

type coinbaseError struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

type coinbaseChannel struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

type coinbaseSubscribe struct {
	Type       string            `json:"type"`
	ProductIDs []string          `json:"product_ids"`
	Channels   []coinbaseChannel `json:"channels"`
}

// NewCodec creates a Codec. A nil cfg selects the public Coinbase endpoint and
// the heartbeat, ticker, level2 and matches channels.
func NewCodec(cfg *ExchangeConfig) (*Codec, error) {
	if cfg == nil {
		cfg = &defaultCoinbaseConfig
	}

	if err := validateConfig(cfg, &defaultCoinbaseConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &Codec{
		config:   *cfg,
		validate: validator.New(),
	}, nil
}

// Endpoint returns the websocket URL of the feed.
func (c *Codec) Endpoint() string {
	return c.config.BaseURL
}

// SubscriptionMessage builds the subscribe request for the given products on all
// configured channels.
//
//	{
//	  "type": "subscribe",
//	  "product_ids": ["BTC-USD"],
//	  "channels": [{"name": "heartbeat", "product_ids": ["BTC-USD"]}, ...]
//	}
func (c *Codec) SubscriptionMessage(products []string) ([]byte, error) {
	if err := utils.ValidatePairs(products, c.config.MaxSymbols); err != nil {
		return nil, err
	}

	channels := make([]coinbaseChannel, 0, len(c.config.Channels))
	for _, name := range c.config.Channels {
		channels = append(channels, coinbaseChannel{Name: name, ProductIDs: products})
	}

	return json.Marshal(coinbaseSubscribe{
		Type:       "subscribe",
		ProductIDs: products,
		Channels:   channels,
	})
}

// Decode converts one raw frame into a FeedEvent. Malformed frames return a
// *DecodeError and a nil event.
func (c *Codec) Decode(raw []byte) (model.FeedEvent, error) {
	var env coinbaseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, decodeError(raw, err)
	}
	if env.Type == "" {
		return nil, decodeError(raw, ErrMissingType)
	}

	var (
		ev  model.FeedEvent
		err error
	)
	switch env.Type {
	case "heartbeat":
		ev, err = c.decodeHeartbeat(raw)
	case "ticker":
		ev, err = c.decodeTicker(raw)
	case "match", "last_match":
		ev, err = c.decodeMatch(raw)
	case "snapshot":
		ev, err = c.decodeSnapshot(raw)
	case "l2update":
		ev, err = c.decodeL2Update(raw)
	case "subscriptions":
		ev, err = decodeSubscriptions(raw)
	case "error":
		ev, err = decodeFeedError(raw)
	default:
		return model.Unknown{Type: env.Type, ProductID: env.ProductID}, nil
	}
	if err != nil {
		return nil, decodeError(raw, fmt.Errorf("%s: %w", env.Type, err))
	}
	return ev, nil
}

func (c *Codec) decodeHeartbeat(raw []byte) (model.FeedEvent, error) {
	var msg coinbaseHeartbeat
	if err := c.unmarshalValid(raw, &msg); err != nil {
		return nil, err
	}

	t, err := parseTime(msg.Time)
	if err != nil {
		return nil, err
	}

	return model.Heartbeat{
		ProductID:   msg.ProductID,
		Sequence:    msg.Sequence,
		LastTradeID: msg.LastTradeID,
		Time:        t,
	}, nil
}

func (c *Codec) decodeTicker(raw []byte) (model.FeedEvent, error) {
	var msg coinbaseTicker
	if err := c.unmarshalValid(raw, &msg); err != nil {
		return nil, err
	}

	tick := model.Ticker{ProductID: msg.ProductID, Sequence: msg.Sequence}
	fields := []struct {
		in  string
		out *float64
	}{
		{msg.Price, &tick.Price},
		{msg.Open24h, &tick.Open24h},
		{msg.Volume24h, &tick.Volume24h},
		{msg.Low24h, &tick.Low24h},
		{msg.High24h, &tick.High24h},
		{msg.Volume30d, &tick.Volume30d},
		{msg.BestBid, &tick.BestBid},
		{msg.BestAsk, &tick.BestAsk},
	}
	for _, f := range fields {
		if f.in == "" {
			continue
		}
		v, err := strconv.ParseFloat(f.in, 64)
		if err != nil {
			return nil, err
		}
		*f.out = v
	}

	if msg.Time != "" {
		t, err := parseTime(msg.Time)
		if err != nil {
			return nil, err
		}
		tick.Time = t
	}

	return tick, nil
}

func (c *Codec) decodeMatch(raw []byte) (model.FeedEvent, error) {
	var msg coinbaseMatch
	if err := c.unmarshalValid(raw, &msg); err != nil {
		return nil, err
	}

	t, err := parseTime(msg.Time)
	if err != nil {
		return nil, err
	}

	price, err := positiveDecimal(msg.Price)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}

	size, err := positiveDecimal(msg.Size)
	if err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}

	maker, err := uuid.Parse(msg.MakerOrderID)
	if err != nil {
		return nil, fmt.Errorf("maker_order_id: %w", err)
	}

	taker, err := uuid.Parse(msg.TakerOrderID)
	if err != nil {
		return nil, fmt.Errorf("taker_order_id: %w", err)
	}

	side, _ := model.ParseSide(msg.Side)

	return model.Trade{
		ProductID:    msg.ProductID,
		TradeID:      msg.TradeID,
		Sequence:     msg.Sequence,
		MakerOrderID: maker,
		TakerOrderID: taker,
		Time:         t,
		Price:        price,
		Size:         size,
		Side:         side,
	}, nil
}

func (c *Codec) decodeSnapshot(raw []byte) (model.FeedEvent, error) {
	var msg coinbaseSnapshot
	if err := c.unmarshalValid(raw, &msg); err != nil {
		return nil, err
	}

	bids, err := parseLevels(msg.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}

	asks, err := parseLevels(msg.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}

	return model.BookSnapshot{ProductID: msg.ProductID, Bids: bids, Asks: asks}, nil
}

func (c *Codec) decodeL2Update(raw []byte) (model.FeedEvent, error) {
	var msg coinbaseL2Update
	if err := c.unmarshalValid(raw, &msg); err != nil {
		return nil, err
	}

	delta := model.BookDelta{
		ProductID: msg.ProductID,
		Changes:   make([]model.Change, 0, len(msg.Changes)),
	}

	if msg.Time != "" {
		t, err := parseTime(msg.Time)
		if err != nil {
			return nil, err
		}
		delta.Time = t
	}

	for i, entry := range msg.Changes {
		if len(entry) != 3 {
			return nil, fmt.Errorf("%w: change %d has %d fields", ErrInvalidLevel, i, len(entry))
		}
		side, ok := model.ParseSide(entry[0])
		if !ok {
			return nil, fmt.Errorf("%w: change %d has side %q", ErrInvalidLevel, i, entry[0])
		}
		lvl, err := parseLevel(entry[1], entry[2])
		if err != nil {
			return nil, fmt.Errorf("change %d: %w", i, err)
		}
		delta.Changes = append(delta.Changes, model.Change{Side: side, Price: lvl.Price, Size: lvl.Size})
	}

	return delta, nil
}

func decodeSubscriptions(raw []byte) (model.FeedEvent, error) {
	var msg coinbaseSubscriptions
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(msg.Channels))
	for _, ch := range msg.Channels {
		names = append(names, ch.Name)
	}
	return model.Subscriptions{Channels: names}, nil
}

func decodeFeedError(raw []byte) (model.FeedEvent, error) {
	var msg coinbaseError
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return model.FeedError{Message: msg.Message, Reason: msg.Reason}, nil
}

// unmarshalValid decodes raw into v and runs the struct's validate tags.
func (c *Codec) unmarshalValid(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	return c.validate.Struct(v)
}

func decodeError(raw []byte, cause error) *DecodeError {
	frame := make([]byte, len(raw))
	copy(frame, raw)
	return &DecodeError{Frame: frame, Cause: cause}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func positiveDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrNonPositive, s)
	}
	return d, nil
}

// parseLevels converts [price, size] pairs, skipping levels with zero size.
func parseLevels(entries [][]string) ([]model.Level, error) {
	levels := make([]model.Level, 0, len(entries))
	for i, entry := range entries {
		if len(entry) < 2 {
			return nil, fmt.Errorf("%w: level %d has %d fields", ErrInvalidLevel, i, len(entry))
		}
		lvl, err := parseLevel(entry[0], entry[1])
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		if lvl.Size.IsZero() {
			continue
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

func parseLevel(priceStr, sizeStr string) (model.Level, error) {
	price, err := positiveDecimal(priceStr)
	if err != nil {
		return model.Level{}, fmt.Errorf("%w: price %q", ErrInvalidLevel, priceStr)
	}
	size, err := decimal.NewFromString(sizeStr)
	if err != nil || size.IsNegative() {
		return model.Level{}, fmt.Errorf("%w: size %q", ErrInvalidLevel, sizeStr)
	}
	return model.Level{Price: price, Size: size}, nil
}
