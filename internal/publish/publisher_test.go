package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dustins/tradr/internal/metrics"
	"github.com/dustins/tradr/internal/model"
	"github.com/dustins/tradr/internal/sink"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockMessageWriter struct {
	mock.Mock
}

func (m *MockMessageWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MockMessageWriter) Close() error {
	return m.Called().Error(0)
}

var testCandle = model.Candle{
	ProductID:   "BTC-USD",
	BucketStart: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	Width:       time.Minute,
	Open:        decimal.RequireFromString("100"),
	High:        decimal.RequireFromString("105.5"),
	Low:         decimal.RequireFromString("99"),
	Close:       decimal.RequireFromString("101.25"),
	Volume:      decimal.RequireFromString("3.00000001"),
	TradeCount:  4,
}

func Test_NewWriter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "No brokers", cfg: Config{Topic: "candles"}, wantErr: true},
		{name: "No topic", cfg: Config{Brokers: []string{"localhost:9092"}}, wantErr: true},
		{name: "Valid", cfg: Config{Brokers: []string{"localhost:9092", "localhost:9093"}, Topic: "candles"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWriter(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "candles", w.Topic)
			assert.NotNil(t, w.Addr)
			assert.NoError(t, w.Close())
		})
	}
}

func Test_Publish(t *testing.T) {
	w := &MockMessageWriter{}
	var sent []kafka.Message
	w.On("WriteMessages", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).([]kafka.Message) }).
		Return(nil)

	p := NewPublisher(w, 0, metrics.New())
	require.NoError(t, p.Publish(context.Background(), []model.Candle{testCandle}))

	require.Len(t, sent, 1)
	assert.Equal(t, "BTC-USD", string(sent[0].Key))
	assert.Equal(t, []kafka.Header{{Key: "id", Value: []byte("BTC-USD:1709287200000")}}, sent[0].Headers)

	var got map[string]any
	require.NoError(t, json.Unmarshal(sent[0].Value, &got))
	assert.Equal(t, "BTC-USD:1709287200000", got["id"])
	assert.Equal(t, float64(1709287200000), got["bucket_start"])
	assert.Equal(t, float64(60000), got["bucket_width"])
	assert.Equal(t, "105.5", got["high"])
	assert.Equal(t, "3.00000001", got["volume"], "decimals are published as exact text")
	assert.Equal(t, float64(4), got["trade_count"])
}

func Test_Publish_Empty(t *testing.T) {
	w := &MockMessageWriter{}
	p := NewPublisher(w, 0, metrics.New())

	assert.NoError(t, p.Publish(context.Background(), nil))
	w.AssertNotCalled(t, "WriteMessages", mock.Anything, mock.Anything)
}

func Test_Publish_AppliesTimeout(t *testing.T) {
	w := &MockMessageWriter{}
	w.On("WriteMessages", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.DeadlineExceeded)

	p := NewPublisher(w, 20*time.Millisecond, metrics.New())
	err := p.Publish(context.Background(), []model.Candle{testCandle})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_OnFlush(t *testing.T) {
	w := &MockMessageWriter{}
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("leader not available")).Once()
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(nil)

	m := metrics.New()
	p := NewPublisher(w, 0, m)

	var flush sink.FlushFunc = p.OnFlush
	flush(context.Background(), []model.Candle{testCandle})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors))

	flush(context.Background(), []model.Candle{testCandle})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors))
	w.AssertNumberOfCalls(t, "WriteMessages", 2)
}

func Test_Close(t *testing.T) {
	w := &MockMessageWriter{}
	w.On("Close").Return(nil)

	assert.NoError(t, NewPublisher(w, 0, metrics.New()).Close())
	w.AssertExpectations(t)
}
