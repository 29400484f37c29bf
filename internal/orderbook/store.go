// Package orderbook keeps a level-2 book per product from snapshot and delta
// events.
//
// The Store is written by a single goroutine (the feed session) and read by any
// number of goroutines. Each book carries its own RWMutex so a delta is applied
// atomically with respect to readers and updates to one product never block
// readers of another.
package orderbook

import (
	"errors"
	"sort"
	"sync"

	"github.com/dustins/tradr/internal/model"

	"github.com/shopspring/decimal"
)

// ErrNoSnapshot is returned by ApplyDelta when no snapshot has been applied for
// the product since the last reset.
var ErrNoSnapshot = errors.New("delta before snapshot")

// book holds the two sides of one product keyed by canonical price text.
type book struct {
	mu   sync.RWMutex
	bids map[string]model.Level
	asks map[string]model.Level
}

// Store holds one book per product.
type Store struct {
	mu    sync.RWMutex
	books map[string]*book
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{books: make(map[string]*book)}
}

// ApplySnapshot replaces the product's book with the snapshot's levels. Levels
// with zero size are not stored.
func (s *Store) ApplySnapshot(snap model.BookSnapshot) {
	b := &book{
		bids: levelsToMap(snap.Bids),
		asks: levelsToMap(snap.Asks),
	}

	s.mu.Lock()
	s.books[snap.ProductID] = b
	s.mu.Unlock()
}

// ApplyDelta applies every change of the delta in order. A positive size sets
// the level, a zero size removes it. Applying the same delta twice leaves the
// book unchanged after the first application.
func (s *Store) ApplyDelta(delta model.BookDelta) error {
	s.mu.RLock()
	b, ok := s.books[delta.ProductID]
	s.mu.RUnlock()
	if !ok {
		return ErrNoSnapshot
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range delta.Changes {
		side := b.bids
		if ch.Side == model.Sell {
			side = b.asks
		}
		key := ch.Price.String()
		if ch.Size.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = model.Level{Price: ch.Price, Size: ch.Size}
	}
	return nil
}

// Snapshot returns a sorted copy of the product's book. The copy never changes
// after it is returned. ok is false if the product has no book.
func (s *Store) Snapshot(productID string) (model.BookView, bool) {
	s.mu.RLock()
	b, ok := s.books[productID]
	s.mu.RUnlock()
	if !ok {
		return model.BookView{}, false
	}

	b.mu.RLock()
	view := model.BookView{
		ProductID: productID,
		Bids:      sortedLevels(b.bids, true),
		Asks:      sortedLevels(b.asks, false),
	}
	b.mu.RUnlock()
	return view, true
}

// Products returns the products that currently have a book, sorted.
func (s *Store) Products() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.books))
	for p := range s.books {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Reset drops every book. It is called when the feed connection is lost so that
// no delta is applied across a gap.
func (s *Store) Reset() {
	s.mu.Lock()
	s.books = make(map[string]*book)
	s.mu.Unlock()
}

func levelsToMap(levels []model.Level) map[string]model.Level {
	m := make(map[string]model.Level, len(levels))
	for _, l := range levels {
		if l.Size.IsZero() {
			continue
		}
		m[l.Price.String()] = l
	}
	return m
}

func sortedLevels(m map[string]model.Level, descending bool) []model.Level {
	out := make([]model.Level, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// Depth sums the size of the first n levels of a side.
func Depth(levels []model.Level, n int) decimal.Decimal {
	total := decimal.Zero
	for i := 0; i < n && i < len(levels); i++ {
		total = total.Add(levels[i].Size)
	}
	return total
}
