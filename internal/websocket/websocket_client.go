// Package websocket provides the transport for the market-data feed.
//
// A Client owns one websocket connection. Incoming data frames are delivered in
// order on Frames; the channel is closed when the connection ends and the cause
// is then available from ErrChan. Every read and write carries a deadline, so a
// stalled peer is detected as ErrStale instead of blocking forever.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultPingPeriod       = 15 * time.Second
	defaultSendTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultFrameBuffer      = 1024

	// Level-2 snapshots of liquid products run to several megabytes.
	defaultReadLimit = 16 << 20
)

var (
	// ErrClientShuttingDown is the read loop's exit cause after Close.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrStale indicates that no frame, pong or data, arrived within the read timeout.
	ErrStale = errors.New("connection stale")
)

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to.
	Endpoint string

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between WebSocket ping messages.
	PingPeriod time.Duration

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// ReadTimeout is the maximum silence tolerated before the connection is
	// considered stale. Defaults to twice PingPeriod.
	ReadTimeout time.Duration

	// HandshakeTimeout bounds the HTTP upgrade.
	HandshakeTimeout time.Duration

	// FrameBuffer is the capacity of the Frames channel.
	FrameBuffer int

	// SubscriptionMessages contains messages to send immediately after connection.
	SubscriptionMessages [][]byte
}

// Client is one feed connection. Frames are delivered until the read loop
// exits; the exit cause is then sent on ErrChan and both Frames and
// DisconnectChan are closed.
type Client struct {
	conn atomic.Value // *websocket.Conn

	frames     chan []byte
	disconnect chan struct{}
	errChan    chan error

	// gorilla connections allow one concurrent writer.
	writeMu sync.Mutex

	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	wg   sync.WaitGroup
}

// NewWebsocketClient dials the endpoint, sends the subscription messages and
// starts delivering frames.
func NewWebsocketClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}

	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * cfg.PingPeriod
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		frames:     make(chan []byte, cfg.FrameBuffer),
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
	}

	if err := client.run(cfg.SubscriptionMessages); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

// run establishes the WebSocket connection and starts the background loops.
func (c *Client) run(subMsgs [][]byte) (err error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "websocket").
		Logger()

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	defer func() {
		if err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn().Err(closeErr).Msg("error closing connection during cleanup")
			}
		}
	}()

	c.conn.Store(conn)

	conn.SetReadLimit(defaultReadLimit)
	if err = c.extendReadDeadline(conn); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return c.extendReadDeadline(conn)
	})

	for _, msg := range subMsgs {
		if err = c.Send(msg); err != nil {
			logger.Error().Err(err).Msg("subscription error")
			return err
		}
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop(conn)
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	// Not part of wg: it calls Close, which waits on wg.
	go c.shutdownListener()

	return nil
}

// readLoop reads data frames until the connection fails or the client closes.
func (c *Client) readLoop(conn *websocket.Conn) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	logger.Debug().Msg("starting read loop")
	var exitErr error = ErrClientShuttingDown
	defer func() {
		logger.Debug().Err(exitErr).Msg("read loop exiting")
		c.errChan <- exitErr
		close(c.frames)
		close(c.disconnect)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			exitErr = classifyReadError(err)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info().Err(err).Msg("websocket closed by peer")
			} else {
				logger.Warn().Err(exitErr).Msg("read error")
			}
			return
		}

		if err := c.extendReadDeadline(conn); err != nil {
			exitErr = err
			return
		}

		select {
		case c.frames <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

// classifyReadError maps read deadline expiry to ErrStale.
func classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrStale, err)
	}
	return err
}

func (c *Client) extendReadDeadline(conn *websocket.Conn) error {
	return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
}

// pingLoop sends periodic ping messages to keep the connection alive.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "pingLoop").
		Logger()

	for {
		select {
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				logger.Warn().Err(err).Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// shutdownListener waits for context cancellation and closes connection.
func (c *Client) shutdownListener() {
	<-c.ctx.Done()
	c.Close()
}

// Send writes a text frame within SendTimeout.
func (c *Client) Send(msg []byte) error {
	return c.write(websocket.TextMessage, msg)
}

func (c *Client) write(messageType int, data []byte) error {
	connVal := c.conn.Load()
	if connVal == nil {
		return errors.New("connection not available")
	}
	conn := connVal.(*websocket.Conn)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

// Close sends a close frame, closes the connection and waits for the loops to
// exit. It can be called multiple times safely.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().
			Str("endpoint", c.cfg.Endpoint).
			Str("component", "close").
			Logger()

		c.cancel()

		if conn := c.conn.Load(); conn != nil {
			if ws, ok := conn.(*websocket.Conn); ok {
				c.writeMu.Lock()
				if err := ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				); err != nil {
					logger.Debug().Err(err).Msg("failed to send close frame")
				}
				c.writeMu.Unlock()

				if err := ws.Close(); err != nil {
					logger.Debug().Err(err).Msg("error closing websocket connection")
				}
			}
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}

		logger.Debug().Msg("shutdown complete")
	})
}

// dial establishes a WebSocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Bool("tlsInsecureSkip", c.cfg.TLSInsecureSkip).
		Dur("handshakeTimeout", c.cfg.HandshakeTimeout).
		Logger()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			logger.Warn().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Str("status", resp.Status).
				Msg("connection failed")
		} else {
			logger.Warn().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}

// Frames returns the channel of incoming data frames. It is closed when the
// connection ends.
func (c *Client) Frames() <-chan []byte {
	return c.frames
}

// DisconnectChan returns a channel that is closed when the client disconnects.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel that receives the error that ended the read loop,
// ErrClientShuttingDown after a local Close.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
