package service

import (
	"sync"
	"testing"
	"time"

	"github.com/dustins/tradr/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Clock(t *testing.T) {
	var c Clock
	assert.True(t, c.Now().IsZero())

	assert.True(t, c.Advance(t0))
	assert.False(t, c.Advance(t0.Add(-time.Second)), "clock never moves backwards")
	assert.False(t, c.Advance(t0))
	assert.True(t, t0.Equal(c.Now()))

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Advance(t0.Add(time.Duration(i) * time.Second))
		}(i)
	}
	wg.Wait()
	assert.True(t, t0.Add(100*time.Second).Equal(c.Now()))
}

func Test_TickerCache(t *testing.T) {
	cache := NewTickerCache()
	_, ok := cache.Get("BTC-USD")
	assert.False(t, ok)

	cache.Put(model.Ticker{ProductID: "ETH-USD", Sequence: 1, Price: 3000})
	cache.Put(model.Ticker{ProductID: "BTC-USD", Sequence: 5, Price: 60000})
	cache.Put(model.Ticker{ProductID: "BTC-USD", Sequence: 6, Price: 60001})

	tk, ok := cache.Get("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, int64(6), tk.Sequence)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, cache.Products())
}
