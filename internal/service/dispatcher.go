// Package service wires the feed session to the order book, the candle
// aggregator and the sink, and fans sealed live candles out to stream
// subscribers.
//
// The dispatcher delivers every sealed live candle to the subscribers of its
// product. Slow subscribers lose their oldest buffered candle rather than
// blocking the feed.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustins/tradr/internal/model"
	"github.com/dustins/tradr/internal/utils"

	"github.com/rs/zerolog/log"
)

const (
	subscriberBuffer = 100
	requestBuffer    = 10
)

var (
	// ErrDispatcherNotStarted is returned by Subscribe before StartDispatching.
	ErrDispatcherNotStarted = errors.New("dispatcher not started")

	// ErrDispatcherBusy is returned when a (un)subscription request cannot be
	// queued.
	ErrDispatcherBusy = errors.New("dispatcher request queue is full")
)

// Subscriber receives sealed candles for a set of products.
type Subscriber struct {
	id       int64
	ch       chan model.Candle
	products map[string]struct{}
}

// Candles returns the delivery channel. It is closed on unsubscribe or when
// the dispatcher stops.
func (s *Subscriber) Candles() <-chan model.Candle {
	return s.ch
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	// MaxProducts bounds the products of one subscription.
	MaxProducts int
}

// Dispatcher fans candles out to subscribers. One goroutine owns the
// subscriber map; everything else talks to it through channels.
type Dispatcher struct {
	cfg         DispatcherConfig
	subscribers map[int64]*Subscriber
	requests    chan request
	started     atomic.Bool

	idMu sync.Mutex // rand.Rand is not safe for concurrent use
	ids  *rand.Rand
}

// request is a subscribe or unsubscribe. Both travel on one queue so they
// are applied in the order they were made.
type request struct {
	sub         *Subscriber
	unsubscribe bool
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		subscribers: make(map[int64]*Subscriber),
		requests:    make(chan request, requestBuffer),
		ids:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe registers interest in products. The returned subscriber receives
// candles once the dispatching goroutine has picked up the request.
func (d *Dispatcher) Subscribe(products []string) (*Subscriber, error) {
	if !d.started.Load() {
		return nil, ErrDispatcherNotStarted
	}

	if err := utils.ValidatePairs(products, d.cfg.MaxProducts); err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(products))
	for _, p := range products {
		set[p] = struct{}{}
	}

	sub := &Subscriber{
		id:       d.nextID(),
		ch:       make(chan model.Candle, subscriberBuffer),
		products: set,
	}

	select {
	case d.requests <- request{sub: sub}:
	default:
		return nil, fmt.Errorf("subscribe: %w", ErrDispatcherBusy)
	}

	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (d *Dispatcher) Unsubscribe(sub *Subscriber) error {
	select {
	case d.requests <- request{sub: sub, unsubscribe: true}:
		return nil
	default:
		return fmt.Errorf("unsubscribe: %w", ErrDispatcherBusy)
	}
}

// StartDispatching starts the owning goroutine. It reads candles from in until
// ctx is done and then closes every subscriber channel.
func (d *Dispatcher) StartDispatching(ctx context.Context, in <-chan model.Candle) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	go func() {
		defer func() {
			for _, sub := range d.subscribers {
				close(sub.ch)
			}
			d.subscribers = make(map[int64]*Subscriber)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Str("component", "dispatcher").Msg("dispatcher stopped")
				return
			case req := <-d.requests:
				d.apply(req)
			case c, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				d.dispatch(c)
			}
		}
	}()
	return nil
}

// apply runs on the owning goroutine.
func (d *Dispatcher) apply(req request) {
	if !req.unsubscribe {
		d.subscribers[req.sub.id] = req.sub
		return
	}
	if _, ok := d.subscribers[req.sub.id]; ok {
		delete(d.subscribers, req.sub.id)
		close(req.sub.ch)
	}
}

// dispatch runs on the owning goroutine. A full subscriber buffer drops its
// oldest candle.
func (d *Dispatcher) dispatch(c model.Candle) {
	for _, sub := range d.subscribers {
		if _, ok := sub.products[c.ProductID]; !ok {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			log.Debug().Int64("subscriber", sub.id).Str("product", c.ProductID).Msg("slow subscriber, dropping oldest candle")
			// The consumer may have drained the buffer since the failed send.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- c:
			default:
			}
		}
	}
}

func (d *Dispatcher) nextID() int64 {
	d.idMu.Lock()
	defer d.idMu.Unlock()
	return d.ids.Int63()
}
