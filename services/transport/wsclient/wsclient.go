package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/ds"
	"github.com/kychandar/changecast/services"
	"github.com/kychandar/changecast/services/pool"
)

// ConnectionIDHeader carries the client's connection id on the upgrade request.
const ConnectionIDHeader = "X-Connection-Id"

const (
	writeWait      = 10 * time.Second
	defaultPong    = 60 * time.Second
	maxMessageSize = 512 * 1024
)

const (
	ReasonTransportClose = "transport close"
	ReasonTransportError = "transport error"
	ReasonPingTimeout    = "ping timeout"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrAlreadyOpen  = errors.New("transport already opened")
	ErrClosed       = errors.New("transport closed")
)

type Options struct {
	URL                  string
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	ReconnectionDelayMax time.Duration
	// Timeout bounds each dial including the websocket handshake.
	Timeout time.Duration
	// PongWait is how long the link may stay silent before it is considered dead. The
	// server pings well within this window.
	PongWait time.Duration
	Header   http.Header
	Logger   *slog.Logger
}

// Client is a services.Transport over a single gorilla websocket. It redials with
// exponential backoff after a drop until ReconnectionAttempts consecutive attempts
// failed, then reports OnReconnectFailed and stops.
type Client struct {
	opts   Options
	id     string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	opened bool

	writeMu   sync.Mutex
	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
}

var _ services.Transport = (*Client)(nil)

func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPong
	}
	id := uuid.NewString()
	return &Client{
		opts: opts,
		id:   id,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.Timeout,
		},
		logger: opts.Logger.With("component", "ws-client", "conn-id", id),
		done:   make(chan struct{}),
	}
}

// Open validates the endpoint and starts connecting in the background.
func (c *Client) Open(ctx context.Context, handler services.TransportHandler) error {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("parse channel url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("channel url %q: scheme must be ws or wss", c.opts.URL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if c.opened {
		return ErrAlreadyOpen
	}
	c.opened = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx, handler)
	return nil
}

// Close stops reconnecting and closes the socket. It does not wait for the background
// goroutine, so it is safe to call from a handler; no handler is called after it returns
// except one already in progress.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.connected.Store(false)

	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	opened := c.opened
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !opened {
		close(c.done)
	}
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, common.DisconnectReasonClient),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) Connected() bool {
	return c.connected.Load() && !c.closed.Load()
}

func (c *Client) ID() string {
	return c.id
}

// Done is closed once the background goroutine has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Send(event common.EventName, data any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	frame, err := ds.ClientFrame(event, data)
	if err != nil {
		return err
	}
	objPool := pool.GetGlobalPool()
	b, err := frame.AppendSerialized(objPool.ByteSlice.Get())
	if err != nil {
		return fmt.Errorf("serialize %s: %w", event, err)
	}
	// WriteMessage copies b into the frame before returning.
	defer objPool.ResetByteSlice(b)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectionDelay
	b.MaxInterval = c.opts.ReconnectionDelayMax
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	attempts := c.opts.ReconnectionAttempts
	if attempts < 0 {
		attempts = 0
	}
	return backoff.WithMaxRetries(b, uint64(attempts))
}

func (c *Client) run(ctx context.Context, h services.TransportHandler) {
	defer close(c.done)
	bo := c.newBackOff()
	attempt := 0

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("dial failed", "attempt", attempt, "err", err)
			h.OnConnectError(err)
		} else {
			c.mu.Lock()
			if ctx.Err() != nil {
				c.mu.Unlock()
				_ = conn.Close()
				return
			}
			c.conn = conn
			c.mu.Unlock()
			c.connected.Store(true)

			if attempt > 0 {
				h.OnReconnect(attempt)
			}
			h.OnConnect()
			bo.Reset()
			attempt = 0

			// Closing on ctx done unblocks ReadMessage.
			stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
			reason := c.readLoop(ctx, conn, h)
			stopWatch()

			c.connected.Store(false)
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			h.OnDisconnect(reason)
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Warn("reconnection attempts exhausted", "attempts", attempt)
			h.OnReconnectFailed()
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		attempt++
		h.OnReconnectAttempt(attempt)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range c.opts.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set(ConnectionIDHeader, c.id)

	dialCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	conn, resp, err := c.dialer.DialContext(dialCtx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

// readLoop delivers inbound frames until the connection fails and returns why it did.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, h services.TransportHandler) string {
	objPool := pool.GetGlobalPool()
	pongWait := c.opts.PongWait

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return disconnectReason(err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		frame := objPool.Frame.Get()
		if err := frame.DeserializeFrom(message); err != nil || frame.Event == "" {
			c.logger.Warn("dropping malformed frame", "err", err)
			objPool.ResetFrame(frame)
			continue
		}
		if ctx.Err() == nil {
			h.OnEvent(frame.Event, frame.Data)
		}
		objPool.ResetFrame(frame)
	}
}

func disconnectReason(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonPingTimeout
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ReasonTransportClose
	}
	return ReasonTransportError
}
