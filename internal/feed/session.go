// Package feed runs the live market-data session.
//
// A Session connects to the feed, subscribes, waits for the acknowledgement and
// then decodes every frame and hands it to a Handler. When the connection is
// lost the Handler is reset, so no order-book delta or open candle survives a
// gap, and a new connection is attempted after an exponential backoff. Too many
// consecutive failed attempts end Run with model.ErrExhaustedRetries.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustins/tradr/internal/exchange"
	"github.com/dustins/tradr/internal/metrics"
	"github.com/dustins/tradr/internal/model"
	"github.com/dustins/tradr/internal/websocket"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

const (
	defaultHandshakeTimeout     = 10 * time.Second
	defaultMaxHandshakeFailures = 10
	defaultBackoffBase          = 500 * time.Millisecond
	defaultBackoffMax           = 30 * time.Second
	defaultShutdownTimeout      = 10 * time.Second
	backoffJitterPercent        = 20
)

var (
	// ErrTransport wraps connection failures: dial errors, peer closes and
	// stale connections.
	ErrTransport = errors.New("transport error")

	// ErrHandshake is returned when the subscription is rejected or not
	// acknowledged in time.
	ErrHandshake = errors.New("handshake failed")

	// ErrHandler wraps an error returned by Handler.Handle. It ends Run.
	ErrHandler = errors.New("handler failed")

	// ErrAlreadyRunning is returned by Run when the session is already running.
	ErrAlreadyRunning = errors.New("session already running")

	errStopped = errors.New("session stopped")
)

// State is the subscription state of the session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Codec turns frames into events and builds the subscription request.
// *exchange.Codec implements it.
type Codec interface {
	Endpoint() string
	SubscriptionMessage(products []string) ([]byte, error)
	Decode(raw []byte) (model.FeedEvent, error)
}

// Handler consumes decoded events. All three methods are called from the
// goroutine running Session.Run.
type Handler interface {
	// Handle processes one event. A returned error is fatal and ends Run.
	Handle(ctx context.Context, ev model.FeedEvent) error

	// Reset discards per-product state after the connection was lost.
	Reset()

	// Shutdown flushes pending output. It is called before the transport is
	// released.
	Shutdown(ctx context.Context) error
}

// Config holds the session parameters. Zero values select defaults.
type Config struct {
	// Products is the set of product ids to subscribe to.
	Products []string

	// HandshakeTimeout bounds the wait for the subscription acknowledgement.
	HandshakeTimeout time.Duration

	// MaxHandshakeFailures is the number of consecutive failed connection
	// attempts tolerated before Run gives up.
	MaxHandshakeFailures uint64

	// BackoffBase and BackoffMax shape the reconnect backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// ShutdownTimeout bounds Handler.Shutdown once Run's context is done.
	ShutdownTimeout time.Duration

	// Websocket configures the transport. An empty Endpoint selects the
	// codec's endpoint.
	Websocket websocket.Config

	// OnStateChange, if set, is called on every state transition.
	OnStateChange func(State)
}

// Session owns the feed connection.
type Session struct {
	codec   Codec
	handler Handler
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	state   atomic.Int32
	running atomic.Bool
}

// NewSession creates a session. It does not connect until Run is called.
func NewSession(codec Codec, handler Handler, cfg Config, m *metrics.Metrics) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.MaxHandshakeFailures == 0 {
		cfg.MaxHandshakeFailures = defaultMaxHandshakeFailures
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Websocket.Endpoint == "" {
		cfg.Websocket.Endpoint = codec.Endpoint()
	}

	return &Session{
		codec:   codec,
		handler: handler,
		cfg:     cfg,
		metrics: m,
		logger: log.With().
			Str("component", "feed").
			Str("endpoint", cfg.Websocket.Endpoint).
			Strs("products", cfg.Products).
			Logger(),
	}
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run connects and processes frames until ctx is done or a fatal error occurs.
// On cancellation the handler is shut down before the connection is closed and
// Run returns nil.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	defer s.setState(Disconnected)

	sub, err := s.codec.SubscriptionMessage(s.cfg.Products)
	if err != nil {
		return fmt.Errorf("build subscription: %w", err)
	}

	backoff := s.newBackoff()
	var (
		failures uint64
		attempt  int
	)
	for {
		if ctx.Err() != nil {
			return s.stop(ctx)
		}

		attempt++
		if attempt > 1 {
			s.metrics.Reconnects.Inc()
		}

		subscribed, err := s.connect(ctx, sub)
		switch {
		case errors.Is(err, errStopped):
			return nil
		case errors.Is(err, ErrHandler):
			s.logger.Error().Err(err).Msg("fatal handler error")
			return err
		}

		s.handler.Reset()
		s.setState(Disconnected)

		if subscribed {
			failures = 0
			backoff = s.newBackoff()
		} else {
			failures++
		}
		if failures > s.cfg.MaxHandshakeFailures {
			err = fmt.Errorf("%w: %d consecutive connection failures: %w", model.ErrExhaustedRetries, failures, err)
			s.logger.Error().Err(err).Msg("giving up")
			return err
		}

		wait, _ := backoff.Next()
		s.logger.Warn().Err(err).Uint64("failures", failures).Dur("backoff", wait).Msg("connection lost, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.stop(ctx)
		case <-timer.C:
		}
	}
}

// connect runs one connection from dial to disconnect. subscribed reports
// whether the subscription was acknowledged.
func (s *Session) connect(ctx context.Context, sub []byte) (subscribed bool, err error) {
	s.setState(Connecting)

	// The client outlives ctx so the handler can drain before the connection
	// is released; ctx only aborts the dial.
	connCtx, cancelConn := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConn()
	stopDialAbort := context.AfterFunc(ctx, cancelConn)

	wsCfg := s.cfg.Websocket
	wsCfg.SubscriptionMessages = [][]byte{sub}
	client, err := websocket.NewWebsocketClient(connCtx, wsCfg)
	aborted := !stopDialAbort()
	if err != nil {
		if aborted || ctx.Err() != nil {
			return false, s.stopErr(ctx)
		}
		return false, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer client.Close()
	if aborted {
		return false, s.stopErr(ctx)
	}

	pending, err := s.handshake(ctx, client)
	if err != nil {
		return false, err
	}
	s.setState(Subscribed)
	s.logger.Info().Msg("subscribed")

	if pending != nil {
		if err := s.dispatch(ctx, pending); err != nil {
			return true, err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return true, s.stopErr(ctx)
		case raw, ok := <-client.Frames():
			if !ok {
				return true, fmt.Errorf("%w: %w", ErrTransport, <-client.ErrChan())
			}
			ev, ok := s.decode(raw)
			if !ok {
				continue
			}
			if err := s.dispatch(ctx, ev); err != nil {
				return true, err
			}
		}
	}
}

// handshake waits for the subscription acknowledgement. A data event received
// first counts as the acknowledgement and is returned for dispatch.
func (s *Session) handshake(ctx context.Context, client *websocket.Client) (model.FeedEvent, error) {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, s.stopErr(ctx)
		case <-timer.C:
			return nil, fmt.Errorf("%w: no acknowledgement within %s", ErrHandshake, s.cfg.HandshakeTimeout)
		case raw, ok := <-client.Frames():
			if !ok {
				return nil, fmt.Errorf("%w: %w", ErrTransport, <-client.ErrChan())
			}
			ev, ok := s.decode(raw)
			if !ok {
				continue
			}
			switch ev := ev.(type) {
			case model.Subscriptions:
				s.logger.Debug().Strs("channels", ev.Channels).Msg("subscription acknowledged")
				return nil, nil
			case model.FeedError:
				return nil, fmt.Errorf("%w: %s: %s", ErrHandshake, ev.Message, ev.Reason)
			case model.Unknown:
				continue
			default:
				return ev, nil
			}
		}
	}
}

// dispatch routes one event to the handler once streaming.
func (s *Session) dispatch(ctx context.Context, ev model.FeedEvent) error {
	switch ev := ev.(type) {
	case model.Subscriptions:
		return nil
	case model.FeedError:
		s.logger.Warn().Str("message", ev.Message).Str("reason", ev.Reason).Msg("feed error")
		return nil
	}

	s.setState(Streaming)
	if err := s.handler.Handle(ctx, ev); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrHandler, EventType(ev), err)
	}
	return nil
}

// decode parses a frame. Malformed frames are counted and skipped.
func (s *Session) decode(raw []byte) (model.FeedEvent, bool) {
	ev, err := s.codec.Decode(raw)
	if err != nil {
		s.metrics.DroppedEvents.WithLabelValues(metrics.ReasonDecode).Inc()
		var de *exchange.DecodeError
		if errors.As(err, &de) {
			s.logger.Debug().Err(de.Cause).Bytes("frame", de.Frame).Msg("dropping malformed frame")
		} else {
			s.logger.Debug().Err(err).Msg("dropping malformed frame")
		}
		return nil, false
	}
	s.metrics.FramesReceived.WithLabelValues(EventType(ev)).Inc()
	return ev, true
}

// stop drains the handler after ctx is done.
func (s *Session) stop(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.handler.Shutdown(drainCtx); err != nil {
		s.logger.Error().Err(err).Msg("shutdown drain failed")
	}
	s.logger.Info().Msg("session stopped")
	return nil
}

// stopErr drains the handler while the connection is still open and reports
// errStopped to Run.
func (s *Session) stopErr(ctx context.Context) error {
	_ = s.stop(ctx)
	return errStopped
}

func (s *Session) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	s.metrics.SessionState.Set(float64(st))
	s.logger.Debug().Stringer("state", st).Msg("state changed")
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

func (s *Session) newBackoff() retry.Backoff {
	b := retry.NewExponential(s.cfg.BackoffBase)
	b = retry.WithJitterPercent(backoffJitterPercent, b)
	return retry.WithCappedDuration(s.cfg.BackoffMax, b)
}

// EventType returns the metric label of an event.
func EventType(ev model.FeedEvent) string {
	switch ev.(type) {
	case model.Heartbeat:
		return "heartbeat"
	case model.Ticker:
		return "ticker"
	case model.Trade:
		return "match"
	case model.BookSnapshot:
		return "snapshot"
	case model.BookDelta:
		return "l2update"
	case model.Subscriptions:
		return "subscriptions"
	case model.FeedError:
		return "error"
	default:
		return "unknown"
	}
}
