package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustins/tradr/internal/model"

	"github.com/rs/zerolog/log"
)

// SessionRunner runs the feed until ctx is done. *feed.Session implements it.
type SessionRunner interface {
	Run(ctx context.Context) error
}

// IntervalFlusher flushes buffered output periodically. *sink.Sink implements it.
type IntervalFlusher interface {
	Run(ctx context.Context)
}

// SubscriptionManager fans live candles out to subscribers. *Dispatcher
// implements it.
type SubscriptionManager interface {
	Subscribe(products []string) (*Subscriber, error)
	Unsubscribe(sub *Subscriber) error
	StartDispatching(ctx context.Context, in <-chan model.Candle) error
}

// FeedService owns the lifecycle of the live pipeline: the session, the
// interval flusher and the live dispatcher.
type FeedService struct {
	session    SessionRunner
	flusher    IntervalFlusher
	dispatcher SubscriptionManager
	live       <-chan model.Candle

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	done chan struct{}
	err  error
}

// NewFeedService creates a stopped service. live is the channel the router
// publishes sealed candles on.
func NewFeedService(session SessionRunner, flusher IntervalFlusher, dispatcher SubscriptionManager, live <-chan model.Candle) *FeedService {
	return &FeedService{
		session:    session,
		flusher:    flusher,
		dispatcher: dispatcher,
		live:       live,
	}
}

// Start launches the pipeline in the background.
func (fs *FeedService) Start(ctx context.Context) error {
	if !fs.started.CompareAndSwap(false, true) {
		return errors.New("feed service has already started")
	}

	ctx, cancel := context.WithCancel(ctx)

	if err := fs.dispatcher.StartDispatching(ctx, fs.live); err != nil {
		cancel()
		fs.started.Store(false)
		return fmt.Errorf("failed to start dispatching: %w", err)
	}

	fs.cancel = cancel
	fs.done = make(chan struct{})

	// The flusher stops with the session so it never races the final drain
	// into a canceled context.
	flushCtx, stopFlush := context.WithCancel(context.WithoutCancel(ctx))
	fs.wg.Add(1)
	go func() {
		defer fs.wg.Done()
		fs.flusher.Run(flushCtx)
	}()

	go func() {
		defer close(fs.done)
		fs.err = fs.session.Run(ctx)
		stopFlush()
		fs.wg.Wait()
		if fs.err != nil {
			log.Error().Err(fs.err).Msg("feed session failed")
		}
	}()

	return nil
}

// Done is closed once the session has returned.
func (fs *FeedService) Done() <-chan struct{} {
	return fs.done
}

// Err returns the session's result after Done is closed.
func (fs *FeedService) Err() error {
	<-fs.done
	return fs.err
}

// Stop cancels the session, waits for it to drain and returns its result.
func (fs *FeedService) Stop() error {
	if !fs.started.CompareAndSwap(true, false) {
		return errors.New("service not started")
	}

	fs.cancel()
	err := fs.Err()
	log.Info().Msg("FeedService stopped")
	return err
}

// Subscribe registers a live subscriber.
func (fs *FeedService) Subscribe(products []string) (*Subscriber, error) {
	if !fs.started.Load() {
		return nil, errors.New("feed service not started")
	}
	return fs.dispatcher.Subscribe(products)
}

// Unsubscribe removes a live subscriber.
func (fs *FeedService) Unsubscribe(sub *Subscriber) error {
	return fs.dispatcher.Unsubscribe(sub)
}
