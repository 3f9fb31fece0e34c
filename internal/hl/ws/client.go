package ws

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type Options struct {
	// ReconnectDelay is the base backoff delay after a failed connection or
	// read error. Doubles per consecutive failure up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	// IdleTimeout forces the socket closed when no message arrives within the
	// window, so a half-open stream reconnects instead of hanging.
	IdleTimeout time.Duration
	// OnReconnect fires once per backoff cycle, OnIdleReset once per
	// idle-forced reset. Both may be nil.
	OnReconnect func()
	OnIdleReset func()
}

// Client owns one persistent streaming connection. The loop is
// Connecting -> Subscribing -> Streaming -> Backoff -> Connecting and only a
// cancelled context ends it. Subscriptions are keyed so re-subscribing an
// already-acknowledged key within one connection lifetime is a no-op.
type Client struct {
	url  string
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	subs  map[string]any
	sent  map[string]struct{}
	acked map[string]struct{}

	failures int
	gotMsg   bool

	reconnects atomic.Uint64
	idleResets atomic.Uint64
	lastMsg    atomic.Int64
}

func New(url string, opts Options, log *zap.Logger) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = 30 * time.Second
	}
	return &Client{
		url:   url,
		opts:  opts,
		log:   log,
		subs:  make(map[string]any),
		sent:  make(map[string]struct{}),
		acked: make(map[string]struct{}),
	}
}

// Subscribe registers a keyed subscription and sends the frame if the
// connection is up and the key has not already been sent or acknowledged
// during this connection lifetime.
func (c *Client) Subscribe(ctx context.Context, key string, frame any) error {
	c.mu.Lock()
	c.subs[key] = frame
	conn := c.conn
	if _, done := c.sent[key]; done {
		c.mu.Unlock()
		return nil
	}
	if _, done := c.acked[key]; done {
		c.mu.Unlock()
		return nil
	}
	if conn != nil {
		c.sent[key] = struct{}{}
	}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, frame)
}

// Unsubscribe drops the keyed subscription and, when connected, sends the
// provided unsubscribe frame.
func (c *Client) Unsubscribe(ctx context.Context, key string, frame any) error {
	c.mu.Lock()
	delete(c.subs, key)
	delete(c.sent, key)
	delete(c.acked, key)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || frame == nil {
		return nil
	}
	return writeJSON(ctx, conn, frame)
}

// MarkAcked records a venue acknowledgment for a subscription key.
func (c *Client) MarkAcked(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, known := c.subs[key]; !known {
		return
	}
	c.acked[key] = struct{}{}
	c.sent[key] = struct{}{}
}

func (c *Client) Acked(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.acked[key]
	return ok
}

func (c *Client) Reconnects() uint64 { return c.reconnects.Load() }
func (c *Client) IdleResets() uint64 { return c.idleResets.Load() }

// LastMessageAt reports when the most recent message arrived; zero before the
// first message.
func (c *Client) LastMessageAt() time.Time {
	ns := c.lastMsg.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run drives the connection until ctx is cancelled. Every inbound message is
// handed to handler; transport errors are recovered locally via backoff and
// never returned.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("ws connect failed", zap.String("url", c.url), zap.Error(err))
			if err := c.backoff(ctx); err != nil {
				return err
			}
			continue
		}
		if err := c.resubscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("ws resubscribe failed", zap.Error(err))
			c.resetConn()
			if err := c.backoff(ctx); err != nil {
				return err
			}
			continue
		}

		loopCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.pingLoop(loopCtx)
		}()
		go func() {
			defer wg.Done()
			c.idleWatchdog(loopCtx)
		}()

		err := c.readLoop(ctx, handler)
		cancel()
		wg.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logReadLoopError(err)
		c.resetConn()
		if err := c.backoff(ctx); err != nil {
			return err
		}
	}
}

// Close tears down the current socket. Run, if active, observes the closed
// connection and exits via its context.
func (c *Client) Close() {
	c.resetConn()
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.gotMsg = false
	c.sent = make(map[string]struct{})
	c.acked = make(map[string]struct{})
	c.mu.Unlock()
	c.lastMsg.Store(time.Now().UnixNano())
	return nil
}

func (c *Client) resubscribe(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	frames := make([]any, 0, len(c.subs))
	for key, frame := range c.subs {
		if _, done := c.sent[key]; done {
			continue
		}
		if _, done := c.acked[key]; done {
			continue
		}
		c.sent[key] = struct{}{}
		frames = append(frames, frame)
	}
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for _, frame := range frames {
		if err := writeJSON(ctx, conn, frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.lastMsg.Store(time.Now().UnixNano())
		c.mu.Lock()
		if !c.gotMsg {
			c.gotMsg = true
			c.failures = 0
		}
		c.mu.Unlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.opts.PingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *Client) idleWatchdog(ctx context.Context) {
	timeout := c.opts.IdleTimeout
	if timeout <= 0 {
		return
	}
	poll := timeout / 4
	if poll < 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := c.lastMsg.Load()
			if last == 0 {
				continue
			}
			if time.Since(time.Unix(0, last)) <= timeout {
				continue
			}
			c.idleResets.Add(1)
			if c.opts.OnIdleReset != nil {
				c.opts.OnIdleReset()
			}
			c.log.Warn("ws idle timeout, forcing reconnect",
				zap.String("url", c.url),
				zap.Duration("idle_timeout", timeout),
			)
			c.resetConn()
			return
		}
	}
}

// backoff sleeps for an exponentially growing, capped, jittered delay and
// bumps the failure counter. The counter resets once a message arrives on the
// next connection.
func (c *Client) backoff(ctx context.Context) error {
	c.mu.Lock()
	delay := backoffDelay(c.opts.ReconnectDelay, c.opts.MaxReconnectDelay, c.failures)
	c.failures++
	c.mu.Unlock()
	c.reconnects.Add(1)
	if c.opts.OnReconnect != nil {
		c.opts.OnReconnect()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func backoffDelay(base, max time.Duration, failures int) time.Duration {
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	// +-20% jitter
	jittered := float64(delay) * (0.8 + 0.4*rand.Float64())
	return time.Duration(jittered)
}

func (c *Client) logReadLoopError(err error) {
	if c.log == nil || err == nil {
		return
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws read loop ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
		c.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("ws read loop ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
