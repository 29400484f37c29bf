package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dustins/tradr/internal/backfill"
	"github.com/dustins/tradr/internal/model"
	"github.com/dustins/tradr/internal/query"
	"github.com/dustins/tradr/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBooks map[string]model.BookView

func (f fakeBooks) Snapshot(p string) (model.BookView, bool) {
	v, ok := f[p]
	return v, ok
}

type fakeTickers map[string]model.Ticker

func (f fakeTickers) Get(p string) (model.Ticker, bool) {
	t, ok := f[p]
	return t, ok
}

type MockQuerier struct {
	mock.Mock
}

func (m *MockQuerier) Query(ctx context.Context, productID string, start, end time.Time, resolution time.Duration) ([]model.Candle, error) {
	args := m.Called(productID, start, end, resolution)
	out, _ := args.Get(0).([]model.Candle)
	return out, args.Error(1)
}

func (m *MockQuerier) Width() time.Duration {
	return time.Minute
}

type fakeBackfiller struct {
	mu      sync.Mutex
	started []string
	ctx     context.Context
	err     error
}

func (f *fakeBackfiller) Start(ctx context.Context, product, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ctx = ctx
	f.started = append(f.started, product+"|"+source)
	return nil
}

func (f *fakeBackfiller) Status() backfill.Status {
	return backfill.Status{Running: true, Last: &backfill.Stats{Product: "BTC-USD", Records: 42}}
}

func level(price, size string) model.Level {
	return model.Level{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func Test_Health(t *testing.T) {
	tests := []struct {
		name       string
		ping       func(context.Context) error
		wantStatus int
		wantBody   map[string]any
	}{
		{
			name:       "Healthy",
			ping:       func(context.Context) error { return nil },
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"status": "ok", "storage": "ok", "feed": "Streaming"},
		},
		{
			name:       "Storage down",
			ping:       func(context.Context) error { return errors.New("database is locked") },
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   map[string]any{"status": "unavailable", "storage": "database is locked", "feed": "Streaming"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Deps{Ping: tt.ping, FeedState: func() string { return "Streaming" }})

			w := do(t, s, http.MethodGet, "/healthz", "")

			assert.Equal(t, tt.wantStatus, w.Code)
			var got map[string]any
			decode(t, w, &got)
			assert.Equal(t, tt.wantBody, got)
			assert.NotEmpty(t, w.Header().Get(requestIDHeader))
		})
	}
}

func Test_RequestIDIsEchoed(t *testing.T) {
	s := NewServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}

func Test_DisabledRoutes(t *testing.T) {
	s := NewServer(Deps{})

	for _, path := range []string{"/snapshot/BTC-USD", "/ticker/BTC-USD", "/candles/BTC-USD", "/backfill", "/stream", "/metrics"} {
		assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, path, "").Code, path)
	}
}

func Test_Metrics(t *testing.T) {
	s := NewServer(Deps{Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tradr_up 1\n"))
	})})

	w := do(t, s, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tradr_up 1\n", w.Body.String())
}

func Test_Snapshot(t *testing.T) {
	s := NewServer(Deps{Books: fakeBooks{
		"BTC-USD": {
			ProductID: "BTC-USD",
			Bids:      []model.Level{level("100.5", "1"), level("100", "2.5"), level("99", "3")},
			Asks:      []model.Level{level("101", "0.1")},
		},
	}})

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantBids   int
	}{
		{name: "Full book", target: "/snapshot/BTC-USD", wantStatus: http.StatusOK, wantBids: 3},
		{name: "Depth limited", target: "/snapshot/BTC-USD?depth=2", wantStatus: http.StatusOK, wantBids: 2},
		{name: "Bad depth", target: "/snapshot/BTC-USD?depth=0", wantStatus: http.StatusBadRequest},
		{name: "Invalid product", target: "/snapshot/btc-usd", wantStatus: http.StatusBadRequest},
		{name: "No book yet", target: "/snapshot/ETH-USD", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodGet, tt.target, "")
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got bookJSON
			decode(t, w, &got)
			assert.Len(t, got.Bids, tt.wantBids)
			assert.Equal(t, levelJSON{"100.5", "1"}, got.Bids[0])
			assert.Equal(t, []levelJSON{{"101", "0.1"}}, got.Asks)
		})
	}
}

func Test_Ticker(t *testing.T) {
	s := NewServer(Deps{Tickers: fakeTickers{
		"BTC-USD": {ProductID: "BTC-USD", Sequence: 7, Price: 100.5, BestBid: 100.4, BestAsk: 100.6},
	}})

	w := do(t, s, http.MethodGet, "/ticker/BTC-USD", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got tickerJSON
	decode(t, w, &got)
	assert.Equal(t, int64(7), got.Sequence)
	assert.Equal(t, 100.6, got.BestAsk)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/ticker/ETH-USD", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/ticker/ETHUSD", "").Code)
}

func Test_Candles(t *testing.T) {
	q := &MockQuerier{}
	stored := []model.Candle{{
		ProductID:   "BTC-USD",
		BucketStart: t0,
		Width:       5 * time.Minute,
		Open:        decimal.RequireFromString("100"),
		High:        decimal.RequireFromString("110"),
		Low:         decimal.RequireFromString("90"),
		Close:       decimal.RequireFromString("105"),
		Volume:      decimal.RequireFromString("12.5"),
		TradeCount:  9,
	}}
	q.On("Query", "BTC-USD", t0, t0.Add(time.Hour), 5*time.Minute).Return(stored, nil)

	s := NewServer(Deps{Candles: q})

	target := fmt.Sprintf("/candles/BTC-USD?start=%s&end=%d&resolution=5m", t0.Format(time.RFC3339), t0.Add(time.Hour).Unix())
	w := do(t, s, http.MethodGet, target, "")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got []model.CandleDocument
	decode(t, w, &got)
	require.Len(t, got, 1)
	assert.Equal(t, stored[0].Document(), got[0])
	q.AssertExpectations(t)
}

func Test_Candles_DefaultWindow(t *testing.T) {
	q := &MockQuerier{}
	end := t0.Add(time.Hour)
	q.On("Query", "BTC-USD", end.Add(-100*time.Minute), end, time.Minute).Return([]model.Candle(nil), nil)
	s := NewServer(Deps{Candles: q})

	w := do(t, s, http.MethodGet, fmt.Sprintf("/candles/BTC-USD?end=%d", end.Unix()), "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
	q.AssertExpectations(t)
}

func Test_Candles_DefaultWindowLongResolution(t *testing.T) {
	resolution := 30000 * time.Hour
	end := t0.Add(time.Hour)
	q := &MockQuerier{}
	q.On("Query", "BTC-USD", mock.Anything, end, resolution).Return([]model.Candle(nil), nil)
	s := NewServer(Deps{Candles: q})

	w := do(t, s, http.MethodGet, fmt.Sprintf("/candles/BTC-USD?end=%d&resolution=%s", end.Unix(), resolution), "")

	require.Equal(t, http.StatusOK, w.Code)
	start := q.Calls[0].Arguments.Get(1).(time.Time)
	assert.True(t, start.Before(end), "start %s must precede end %s", start, end)
}

func Test_DefaultStart(t *testing.T) {
	end := t0
	tests := []struct {
		name       string
		resolution time.Duration
		want       time.Time
	}{
		{name: "Minute", resolution: time.Minute, want: end.Add(-100 * time.Minute)},
		{name: "Largest exact span", resolution: math.MaxInt64 / 100, want: end.Add(-100 * (math.MaxInt64 / 100))},
		{name: "Clamped", resolution: math.MaxInt64/100 + 1, want: end.Add(-math.MaxInt64)},
		{name: "Maximum", resolution: math.MaxInt64, want: end.Add(-math.MaxInt64)},
		{name: "Not positive", resolution: 0, want: end},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := defaultStart(end, tt.resolution)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
			assert.False(t, got.After(end))
		})
	}
}

func Test_Candles_Errors(t *testing.T) {
	q := &MockQuerier{}
	q.On("Query", "BTC-USD", mock.Anything, mock.Anything, 90*time.Second).Return(nil, fmt.Errorf("%w: 1m30s", query.ErrResolution))
	q.On("Query", "BTC-USD", mock.Anything, mock.Anything, time.Hour).Return(nil, errors.New("disk I/O error"))
	s := NewServer(Deps{Candles: q})

	tests := []struct {
		name       string
		target     string
		wantStatus int
	}{
		{name: "Bad resolution syntax", target: "/candles/BTC-USD?resolution=fast", wantStatus: http.StatusBadRequest},
		{name: "Bad start", target: "/candles/BTC-USD?start=yesterday", wantStatus: http.StatusBadRequest},
		{name: "Bad end", target: "/candles/BTC-USD?end=tomorrow", wantStatus: http.StatusBadRequest},
		{name: "Resolution rejected", target: "/candles/BTC-USD?resolution=90s", wantStatus: http.StatusBadRequest},
		{name: "Storage failure", target: "/candles/BTC-USD?resolution=1h", wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodGet, tt.target, "")
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func Test_Backfill(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := &fakeBackfiller{}
	s := NewServer(Deps{
		Backfill:       b,
		BaseContext:    base,
		DefaultProduct: "BTC-USD",
		DefaultSource:  "trades.csv.gz",
		AllowedSources: []string{"https://api.bitcoincharts.com/v1/csv/coinbaseUSD.csv.gz"},
	})

	w := do(t, s, http.MethodPost, "/backfill", `{"product":"ETH-USD","source":"https://api.bitcoincharts.com/v1/csv/coinbaseUSD.csv.gz"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, s, http.MethodPost, "/backfill", "")
	assert.Equal(t, http.StatusAccepted, w.Code, "empty body uses the defaults")

	w = do(t, s, http.MethodPost, "/backfill", `{"product":"ETH-USD","source":"trades.csv.gz"}`)
	assert.Equal(t, http.StatusAccepted, w.Code, "the default source is always allowed")

	assert.Equal(t, []string{
		"ETH-USD|https://api.bitcoincharts.com/v1/csv/coinbaseUSD.csv.gz",
		"BTC-USD|trades.csv.gz",
		"ETH-USD|trades.csv.gz",
	}, b.started)
	assert.Equal(t, base, b.ctx, "backfills run under the server context, not the request")

	w = do(t, s, http.MethodPost, "/backfill", `{"product":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/backfill", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st backfill.Status
	decode(t, w, &st)
	assert.True(t, st.Running)
	assert.Equal(t, int64(42), st.Last.Records)
}

func Test_Backfill_SourceNotAllowed(t *testing.T) {
	internal := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		internal++
	}))
	defer upstream.Close()

	tests := []struct {
		name   string
		deps   Deps
		source string
	}{
		{name: "Local file", deps: Deps{DefaultSource: "trades.csv.gz"}, source: "/etc/passwd"},
		{name: "Relative path", deps: Deps{DefaultSource: "trades.csv.gz"}, source: "../trades.csv.gz"},
		{name: "Internal URL", deps: Deps{DefaultSource: "trades.csv.gz"}, source: upstream.URL + "/admin"},
		{name: "Allowed prefix only", deps: Deps{AllowedSources: []string{upstream.URL + "/export.csv"}}, source: upstream.URL + "/export.csv.gz"},
		{name: "No source configured", deps: Deps{}, source: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackfiller{}
			tt.deps.Backfill = b
			tt.deps.BaseContext = context.Background()
			s := NewServer(tt.deps)

			body, err := json.Marshal(backfillRequest{Product: "BTC-USD", Source: tt.source})
			require.NoError(t, err)
			w := do(t, s, http.MethodPost, "/backfill", string(body))

			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.Contains(t, w.Body.String(), ErrSourceNotAllowed.Error())
			assert.Empty(t, b.started)
		})
	}
	assert.Zero(t, internal)
}

func Test_Backfill_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "Already running", err: backfill.ErrRunning, wantStatus: http.StatusConflict},
		{name: "Invalid product", err: errors.New("invalid symbol"), wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Deps{Backfill: &fakeBackfiller{err: tt.err}, DefaultSource: "trades.csv.gz"})
			w := do(t, s, http.MethodPost, "/backfill", `{"product":"BTC-USD"}`)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func Test_Stream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := service.NewDispatcher(service.DispatcherConfig{MaxProducts: 5})
	in := make(chan model.Candle)
	require.NoError(t, d.StartDispatching(ctx, in))

	server := httptest.NewServer(NewServer(Deps{Stream: d}).Handler())
	defer server.Close()

	reqCtx, reqCancel := context.WithCancel(ctx)
	defer reqCancel()
	// The subscription is registered asynchronously and response headers only
	// arrive with the first event, so keep feeding until a candle comes through.
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-reqCtx.Done():
				return
			case <-ticker.C:
				select {
				case in <- model.Candle{ProductID: "BTC-USD", BucketStart: t0, Width: time.Minute}:
				case <-reqCtx.Done():
					return
				}
			}
		}
	}()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, server.URL+"/stream?products=BTC-USD", nil)
	require.NoError(t, err)
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimPrefix(line, "event:")
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimPrefix(line, "data:")
			break
		}
	}
	require.NotEmpty(t, data)
	assert.Equal(t, "candle", event)

	var doc model.CandleDocument
	require.NoError(t, json.Unmarshal([]byte(data), &doc))
	assert.Equal(t, "BTC-USD:1709287200000", doc.ID)
}

func Test_Stream_InvalidProducts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := service.NewDispatcher(service.DispatcherConfig{MaxProducts: 1})
	require.NoError(t, d.StartDispatching(ctx, make(chan model.Candle)))
	s := NewServer(Deps{Stream: d})

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/stream", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/stream?products=BTC-USD,ETH-USD", "").Code)

	notStarted := NewServer(Deps{Stream: service.NewDispatcher(service.DispatcherConfig{MaxProducts: 1})})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, notStarted, http.MethodGet, "/stream?products=BTC-USD", "").Code)
}
