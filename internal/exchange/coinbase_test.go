package exchange

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dustins/tradr/internal/model"
	"github.com/dustins/tradr/internal/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMaker = "ac928c66-ca53-498f-9c13-a110027a60e8"
	testTaker = "132fb6ae-456b-4654-b4e0-d681ac05cea1"
)

// createTestCodec creates a codec with default configuration
func createTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(nil)
	require.NoError(t, err)
	return codec
}

// createTestMatchMessage creates a realistic Coinbase match message for testing
func createTestMatchMessage(productID, price, size, timestamp, side string) []byte {
	message := map[string]interface{}{
		"type":           "match",
		"trade_id":       10,
		"sequence":       50,
		"maker_order_id": testMaker,
		"taker_order_id": testTaker,
		"time":           timestamp,
		"product_id":     productID,
		"size":           size,
		"price":          price,
		"side":           side,
	}

	messageBytes, _ := json.Marshal(message)
	return messageBytes
}

func Test_NewCodec(t *testing.T) {
	tests := []struct {
		name        string
		config      *ExchangeConfig
		expectError bool
	}{
		{name: "Nil configuration uses defaults", config: nil},
		{
			name: "Custom configuration",
			config: &ExchangeConfig{
				BaseURL:    "wss://ws-feed-public.sandbox.exchange.coinbase.com",
				MaxSymbols: 5,
				Channels:   []string{"matches"},
			},
		},
		{
			name:        "Non websocket endpoint",
			config:      &ExchangeConfig{BaseURL: "http://example.com"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := NewCodec(tt.config)

			if tt.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Nil(t, codec)
				return
			}

			require.NoError(t, err)
			assert.NotNil(t, codec.validate)
			if tt.config == nil {
				assert.Equal(t, defaultCoinbaseConfig.BaseURL, codec.Endpoint())
				assert.Equal(t, defaultCoinbaseConfig.Channels, codec.config.Channels)
			} else {
				assert.Equal(t, tt.config.BaseURL, codec.Endpoint())
			}
		})
	}
}

func Test_Codec_SubscriptionMessage(t *testing.T) {
	codec := createTestCodec(t)

	t.Run("All channels for every product", func(t *testing.T) {
		raw, err := codec.SubscriptionMessage([]string{"BTC-USD", "ETH-USD"})
		require.NoError(t, err)

		var msg coinbaseSubscribe
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, "subscribe", msg.Type)
		assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, msg.ProductIDs)
		require.Len(t, msg.Channels, 4)
		for i, name := range []string{"heartbeat", "ticker", "level2", "matches"} {
			assert.Equal(t, name, msg.Channels[i].Name)
			assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, msg.Channels[i].ProductIDs)
		}
	})

	t.Run("No products", func(t *testing.T) {
		_, err := codec.SubscriptionMessage(nil)
		assert.ErrorIs(t, err, utils.ErrNoSymbols)
	})

	t.Run("Invalid product", func(t *testing.T) {
		_, err := codec.SubscriptionMessage([]string{"BTCUSD"})
		assert.Error(t, err)
	})
}

func Test_Codec_DecodeMatch(t *testing.T) {
	codec := createTestCodec(t)

	tests := []struct {
		name        string
		message     []byte
		expectError bool
		expected    model.Trade
	}{
		{
			name:    "Valid match",
			message: createTestMatchMessage("BTC-USD", "400.23", "5.23512", "2014-11-07T08:19:27.028459Z", "sell"),
			expected: model.Trade{
				ProductID:    "BTC-USD",
				TradeID:      10,
				Sequence:     50,
				MakerOrderID: uuid.MustParse(testMaker),
				TakerOrderID: uuid.MustParse(testTaker),
				Time:         time.Date(2014, 11, 7, 8, 19, 27, 28459000, time.UTC),
				Price:        decimal.RequireFromString("400.23"),
				Size:         decimal.RequireFromString("5.23512"),
				Side:         model.Sell,
			},
		},
		{
			name:    "Offset timestamp normalized to UTC",
			message: createTestMatchMessage("ETH-USD", "10", "1", "2023-01-01T14:00:00+02:00", "buy"),
			expected: model.Trade{
				ProductID:    "ETH-USD",
				TradeID:      10,
				Sequence:     50,
				MakerOrderID: uuid.MustParse(testMaker),
				TakerOrderID: uuid.MustParse(testTaker),
				Time:         time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
				Price:        decimal.RequireFromString("10"),
				Size:         decimal.RequireFromString("1"),
				Side:         model.Buy,
			},
		},
		{
			name:        "Non numeric price",
			message:     createTestMatchMessage("BTC-USD", "abc", "1", "2023-01-01T12:00:00Z", "buy"),
			expectError: true,
		},
		{
			name:        "Zero size",
			message:     createTestMatchMessage("BTC-USD", "100", "0", "2023-01-01T12:00:00Z", "buy"),
			expectError: true,
		},
		{
			name:        "Negative price",
			message:     createTestMatchMessage("BTC-USD", "-100", "1", "2023-01-01T12:00:00Z", "buy"),
			expectError: true,
		},
		{
			name:        "Bad timestamp",
			message:     createTestMatchMessage("BTC-USD", "100", "1", "yesterday", "buy"),
			expectError: true,
		},
		{
			name:        "Unknown side",
			message:     createTestMatchMessage("BTC-USD", "100", "1", "2023-01-01T12:00:00Z", "hold"),
			expectError: true,
		},
		{
			name:        "Missing product",
			message:     createTestMatchMessage("", "100", "1", "2023-01-01T12:00:00Z", "buy"),
			expectError: true,
		},
		{
			name:        "Malformed order id",
			message:     []byte(`{"type":"match","maker_order_id":"nope","taker_order_id":"` + testTaker + `","time":"2023-01-01T12:00:00Z","product_id":"BTC-USD","size":"1","price":"1","side":"buy"}`),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := codec.Decode(tt.message)

			if tt.expectError {
				require.Error(t, err)
				var decErr *DecodeError
				require.True(t, errors.As(err, &decErr), "error should be a DecodeError")
				assert.Equal(t, tt.message, decErr.Frame)
				assert.Nil(t, ev)
				return
			}

			require.NoError(t, err)
			trade, ok := ev.(model.Trade)
			require.True(t, ok, "expected model.Trade, got %T", ev)
			assert.Equal(t, tt.expected.ProductID, trade.ProductID)
			assert.Equal(t, tt.expected.TradeID, trade.TradeID)
			assert.Equal(t, tt.expected.Sequence, trade.Sequence)
			assert.Equal(t, tt.expected.MakerOrderID, trade.MakerOrderID)
			assert.Equal(t, tt.expected.TakerOrderID, trade.TakerOrderID)
			assert.True(t, tt.expected.Time.Equal(trade.Time), "time %v != %v", trade.Time, tt.expected.Time)
			assert.True(t, tt.expected.Price.Equal(trade.Price))
			assert.True(t, tt.expected.Size.Equal(trade.Size))
			assert.Equal(t, tt.expected.Side, trade.Side)
			assert.Equal(t, time.UTC, trade.Time.Location())
		})
	}
}

func Test_Codec_DecodeLastMatch(t *testing.T) {
	codec := createTestCodec(t)
	raw := []byte(`{"type":"last_match","trade_id":7,"maker_order_id":"` + testMaker + `","taker_order_id":"` + testTaker + `","time":"2023-01-01T12:00:00Z","product_id":"BTC-USD","size":"0.5","price":"20000","side":"buy"}`)

	ev, err := codec.Decode(raw)
	require.NoError(t, err)

	trade, ok := ev.(model.Trade)
	require.True(t, ok)
	assert.Equal(t, int64(7), trade.TradeID)
}

func Test_Codec_DecodeHeartbeat(t *testing.T) {
	codec := createTestCodec(t)
	raw := []byte(`{"type":"heartbeat","sequence":90,"last_trade_id":20,"product_id":"BTC-USD","time":"2014-11-07T08:19:28.464459Z"}`)

	ev, err := codec.Decode(raw)
	require.NoError(t, err)

	hb, ok := ev.(model.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", hb.Product())
	assert.Equal(t, int64(90), hb.Sequence)
	assert.Equal(t, int64(20), hb.LastTradeID)
	assert.Equal(t, 2014, hb.Time.Year())

	_, err = codec.Decode([]byte(`{"type":"heartbeat","product_id":"BTC-USD"}`))
	assert.Error(t, err, "heartbeat without time must fail")
}

func Test_Codec_DecodeTicker(t *testing.T) {
	codec := createTestCodec(t)
	raw := []byte(`{"type":"ticker","sequence":37475248783,"product_id":"ETH-USD","price":"1285.22","open_24h":"1310.79","volume_24h":"245532.79","low_24h":"1280.52","high_24h":"1313.8","volume_30d":"9788783.60","best_bid":"1285.04","best_ask":"1285.27","time":"2022-10-19T23:28:22.061769Z"}`)

	ev, err := codec.Decode(raw)
	require.NoError(t, err)

	tick, ok := ev.(model.Ticker)
	require.True(t, ok)
	assert.Equal(t, "ETH-USD", tick.ProductID)
	assert.InDelta(t, 1285.22, tick.Price, 1e-9)
	assert.InDelta(t, 1310.79, tick.Open24h, 1e-9)
	assert.InDelta(t, 1285.04, tick.BestBid, 1e-9)
	assert.InDelta(t, 1285.27, tick.BestAsk, 1e-9)
	assert.False(t, tick.Time.IsZero())

	t.Run("Optional fields may be absent", func(t *testing.T) {
		ev, err := codec.Decode([]byte(`{"type":"ticker","product_id":"ETH-USD","price":"1"}`))
		require.NoError(t, err)
		assert.Zero(t, ev.(model.Ticker).BestAsk)
	})

	t.Run("Price is required", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{"type":"ticker","product_id":"ETH-USD"}`))
		assert.Error(t, err)
	})
}

func Test_Codec_DecodeSnapshot(t *testing.T) {
	codec := createTestCodec(t)

	t.Run("Levels parsed and zero sizes skipped", func(t *testing.T) {
		raw := []byte(`{"type":"snapshot","product_id":"BTC-USD","bids":[["10101.10","0.45054140"],["10100.00","0"]],"asks":[["10102.55","0.57753524"]]}`)

		ev, err := codec.Decode(raw)
		require.NoError(t, err)

		snap, ok := ev.(model.BookSnapshot)
		require.True(t, ok)
		require.Len(t, snap.Bids, 1)
		require.Len(t, snap.Asks, 1)
		assert.Equal(t, "10101.1", snap.Bids[0].Price.String())
		assert.Equal(t, "0.4505414", snap.Bids[0].Size.String())
	})

	t.Run("Negative size rejected", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{"type":"snapshot","product_id":"BTC-USD","bids":[["1","-1"]],"asks":[]}`))
		assert.ErrorIs(t, err, ErrInvalidLevel)
	})

	t.Run("Short level rejected", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{"type":"snapshot","product_id":"BTC-USD","bids":[["1"]],"asks":[]}`))
		assert.ErrorIs(t, err, ErrInvalidLevel)
	})
}

func Test_Codec_DecodeL2Update(t *testing.T) {
	codec := createTestCodec(t)

	t.Run("Changes keep order and side", func(t *testing.T) {
		raw := []byte(`{"type":"l2update","product_id":"BTC-USD","time":"2019-08-14T20:42:27.265Z","changes":[["buy","10101.80000000","0.162567"],["sell","10102.00","0"]]}`)

		ev, err := codec.Decode(raw)
		require.NoError(t, err)

		delta, ok := ev.(model.BookDelta)
		require.True(t, ok)
		require.Len(t, delta.Changes, 2)
		assert.Equal(t, model.Buy, delta.Changes[0].Side)
		assert.Equal(t, "10101.8", delta.Changes[0].Price.String())
		assert.Equal(t, model.Sell, delta.Changes[1].Side)
		assert.True(t, delta.Changes[1].Size.IsZero())
	})

	t.Run("Unknown side rejected", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["bid","1","1"]]}`))
		assert.ErrorIs(t, err, ErrInvalidLevel)
	})

	t.Run("Non numeric price rejected", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["buy","x","1"]]}`))
		assert.ErrorIs(t, err, ErrInvalidLevel)
	})
}

func Test_Codec_DecodeSessionMessages(t *testing.T) {
	codec := createTestCodec(t)

	ev, err := codec.Decode([]byte(`{"type":"subscriptions","channels":[{"name":"level2","product_ids":["BTC-USD"]},{"name":"heartbeat","product_ids":["BTC-USD"]}]}`))
	require.NoError(t, err)
	assert.Equal(t, model.Subscriptions{Channels: []string{"level2", "heartbeat"}}, ev)

	ev, err = codec.Decode([]byte(`{"type":"error","message":"Failed to subscribe","reason":"BTC-XYZ is not a valid product"}`))
	require.NoError(t, err)
	assert.Equal(t, model.FeedError{Message: "Failed to subscribe", Reason: "BTC-XYZ is not a valid product"}, ev)
}

func Test_Codec_DecodeUnknownAndMalformed(t *testing.T) {
	codec := createTestCodec(t)

	tests := []struct {
		name        string
		message     string
		expectError bool
		expected    model.FeedEvent
	}{
		{name: "Unknown type ignored", message: `{"type":"status","products":[]}`, expected: model.Unknown{Type: "status"}},
		{name: "Unknown type keeps product", message: `{"type":"received","product_id":"BTC-USD"}`, expected: model.Unknown{Type: "received", ProductID: "BTC-USD"}},
		{name: "Invalid JSON", message: `{"type":"match"`, expectError: true},
		{name: "Missing type", message: `{"product_id":"BTC-USD"}`, expectError: true},
		{name: "Not an object", message: `[1,2,3]`, expectError: true},
		{name: "Empty frame", message: ``, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := codec.Decode([]byte(tt.message))
			if tt.expectError {
				var decErr *DecodeError
				assert.True(t, errors.As(err, &decErr))
				assert.Nil(t, ev)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ev)
		})
	}
}

func Test_DecodeError_Unwrap(t *testing.T) {
	err := &DecodeError{Frame: []byte("x"), Cause: ErrMissingType}

	assert.ErrorIs(t, err, ErrMissingType)
	assert.Contains(t, err.Error(), "frame has no type")
}

func Benchmark_Codec_DecodeMatch(b *testing.B) {
	codec, err := NewCodec(nil)
	require.NoError(b, err)
	raw := createTestMatchMessage("BTC-USD", "50000.12345678", "0.001", "2023-01-01T12:00:00.123456Z", "buy")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := codec.Decode(raw); err != nil {
			b.Fatal(err)
		}
	}
}
