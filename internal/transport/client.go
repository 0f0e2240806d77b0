package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/g960059/window/internal/metrics"
	"github.com/g960059/window/internal/protocol"
	"github.com/g960059/window/internal/security"
)

var ErrNotConnected = errors.New("transport not connected")

const (
	defaultWriteTimeout = 5 * time.Second
	outboxSize          = 64
)

// Handler receives transport callbacks. Methods run with the client lock
// held and must not call back into the Client; hand the value off instead.
type Handler interface {
	HandleOpen()
	HandleEvent(ev protocol.Event)
	HandleDisconnect(err error)
}

// Client adapts a Conn into decoded events. It never reconnects on its own.
type Client struct {
	dialer       Dialer
	url          string
	handler      Handler
	log          logr.Logger
	metrics      *metrics.Session
	writeTimeout time.Duration

	mu        sync.Mutex
	attempt   uint64
	conn      Conn
	outbox    chan []byte
	cancel    context.CancelFunc
	connected bool
	wg        sync.WaitGroup
}

type Option func(*Client)

func WithLogger(log logr.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithMetrics(m *metrics.Session) Option {
	return func(c *Client) { c.metrics = m }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

func NewClient(dialer Dialer, url string, handler Handler, opts ...Option) *Client {
	c := &Client{
		dialer:       dialer,
		url:          url,
		handler:      handler,
		log:          logr.Discard(),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithName("transport")
	return c
}

// Connect starts a new connection attempt in the background and returns
// immediately. Any previous attempt is abandoned without notification.
// The outcome arrives as HandleOpen or HandleDisconnect.
func (c *Client) Connect() {
	c.mu.Lock()
	c.dropLocked()
	c.attempt++
	attempt := c.attempt
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx, attempt)
}

// Close tears the connection down without a disconnect notification and
// waits for the receive loop to exit.
func (c *Client) Close() {
	c.mu.Lock()
	c.dropLocked()
	c.attempt++
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send queues a message.send frame for the writer and returns at once.
// Failures are logged and dropped; there is no retry.
func (c *Client) Send(id, content string) {
	frame, err := protocol.EncodeSend(id, content)
	if err != nil {
		c.log.Error(err, "encode send", "id", id)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outbox == nil {
		c.log.Error(ErrNotConnected, "send dropped", "id", id)
		return
	}
	select {
	case c.outbox <- frame:
	default:
		c.log.Error(errors.New("outbox full"), "send dropped", "id", id)
	}
}

func (c *Client) dropLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.V(1).Info("close connection", "err", err.Error())
		}
		c.conn = nil
	}
	c.outbox = nil
	c.connected = false
}

func (c *Client) run(ctx context.Context, attempt uint64) {
	defer c.wg.Done()

	c.log.V(1).Info("dialing", "url", security.RedactURL(c.url))
	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		c.lost(attempt, fmt.Errorf("dial: %w", err))
		return
	}

	c.mu.Lock()
	if attempt != c.attempt {
		c.mu.Unlock()
		conn.Close() //nolint:errcheck
		return
	}
	c.conn = conn
	c.outbox = make(chan []byte, outboxSize)
	c.connected = true
	c.wg.Add(1)
	go c.writePump(ctx, conn, c.outbox)
	c.handler.HandleOpen()
	c.mu.Unlock()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.lost(attempt, fmt.Errorf("receive: %w", err))
			return
		}
		c.metrics.FrameReceived()
		ev, err := protocol.Decode(data)
		if err != nil {
			c.metrics.Dropped(metrics.ReasonDecode)
			c.log.Info("dropping frame", "reason", err.Error(), "frame", security.RedactPayload(string(data)))
			continue
		}
		c.mu.Lock()
		if attempt != c.attempt {
			c.mu.Unlock()
			return
		}
		c.log.V(1).Info("event", "type", ev.Type())
		c.handler.HandleEvent(ev)
		c.mu.Unlock()
	}
}

func (c *Client) writePump(ctx context.Context, conn Conn, outbox <-chan []byte) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-outbox:
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := conn.Write(wctx, frame)
			cancel()
			if err != nil {
				c.log.Error(err, "send failed")
			}
		}
	}
}

// lost reports the end of attempt at most once; superseded attempts are silent.
func (c *Client) lost(attempt uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if attempt != c.attempt {
		return
	}
	c.dropLocked()
	c.attempt++
	c.log.Info("disconnected", "reason", security.RedactPayload(err.Error()))
	c.handler.HandleDisconnect(err)
}
