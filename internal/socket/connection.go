// Package socket maintains a single reconnecting websocket to the Netra
// agent backend: exponential backoff on loss, outbound queueing while not
// open, and environment signals (online/offline, foreground/background)
// that redirect or suspend the retry schedule.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/netra-labs/netra-go/internal/config"
	"github.com/netra-labs/netra-go/internal/protocol"
)

var (
	// ErrConnectionFailed is set once reconnect attempts are exhausted;
	// the connection stays down until an explicit Connect.
	ErrConnectionFailed = errors.New("connection failed: reconnect attempts exhausted")
	// ErrParse marks a malformed inbound frame. Recorded on LastError,
	// never fatal to the connection.
	ErrParse = errors.New("malformed inbound frame")
)

const writeTimeout = 10 * time.Second

// TokenSource supplies the bearer token appended to the websocket URL.
type TokenSource func(ctx context.Context) (string, error)

// Handler receives parsed inbound frames, in transport order.
type Handler func(env protocol.Envelope)

// Connection owns exactly one transport at a time.
type Connection struct {
	cfg    config.SocketConfig
	wsURL  string
	tokens TokenSource
	dialer Dialer
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	transport   Transport
	handler     Handler
	listeners   []func(State)
	queue       [][]byte
	attempt     int
	lastErr     error
	intentional bool
	online      bool
	visible     bool

	// gen invalidates read loops, heartbeats, and retry timers that
	// belong to a torn-down transport.
	gen int

	retryTimer    *time.Timer
	retryDeadline time.Time
	pendingDelay  time.Duration // preserved retry schedule while paused

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewConnection creates a connection to wsURL. A nil dialer uses the
// real websocket dialer.
func NewConnection(wsURL string, tokens TokenSource, dialer Dialer, cfg config.SocketConfig, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	return &Connection{
		cfg:     cfg,
		wsURL:   wsURL,
		tokens:  tokens,
		dialer:  dialer,
		logger:  logger,
		state:   StateClosed,
		online:  true,
		visible: true,
	}
}

// SetHandler registers the single inbound frame callback. Must be called
// before Connect.
func (c *Connection) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// OnStateChange registers a listener invoked on every state transition.
func (c *Connection) OnStateChange(f func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, f)
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the connection is open.
func (c *Connection) Connected() bool {
	return c.State() == StateOpen
}

// LastError returns the most recent transport or parse error.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// QueueLen returns the number of frames waiting for an open transport.
func (c *Connection) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect establishes the transport. The first dial runs synchronously;
// on failure the backoff schedule takes over and the dial error is
// returned. Connecting while already open or connecting is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}

	c.intentional = false
	c.attempt = 0
	c.lastErr = nil
	c.gen++
	c.stopRetryTimerLocked()
	old := c.transport
	c.transport = nil
	if c.runCancel != nil {
		c.runCancel()
	}
	c.runCtx, c.runCancel = context.WithCancel(ctx)
	runCtx := c.runCtx
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			c.logger.Debug("failed to close superseded transport", "error", err)
		}
	}
	notify()

	return c.dialOnce(runCtx)
}

// Disconnect tears the connection down from any state: timers cancelled,
// transport closed, outbound queue cleared without flushing.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	c.gen++
	c.stopRetryTimerLocked()
	c.pendingDelay = 0
	c.attempt = 0
	c.queue = nil
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	t := c.transport
	c.transport = nil

	var notifyClosing func()
	if t != nil {
		notifyClosing = c.setStateLocked(StateClosing)
	}
	notifyClosed := c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if notifyClosing != nil {
		notifyClosing()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			c.logger.Debug("failed to close transport", "error", err)
		}
	}
	notifyClosed()
	c.logger.Info("disconnected")
}

// Send transmits a frame when open, otherwise enqueues it. The queue is
// bounded; the oldest frame is dropped on overflow.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	if c.state == StateOpen && c.transport != nil {
		t := c.transport
		gen := c.gen
		ctx := c.runCtx
		c.mu.Unlock()

		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := t.Write(wctx, data)
		cancel()
		if err != nil {
			c.transportLost(gen, fmt.Errorf("write frame: %w", err))
			return err
		}
		return nil
	}

	if len(c.queue) >= c.cfg.QueueCapacity {
		c.queue = c.queue[1:]
		c.logger.Warn("outbound queue full, dropping oldest frame", "capacity", c.cfg.QueueCapacity)
	}
	c.queue = append(c.queue, data)
	queued := len(c.queue)
	state := c.state
	c.mu.Unlock()

	c.logger.Debug("frame queued until open", "queued", queued, "state", state)
	return nil
}

// SetOnline feeds the network-availability signal. Going offline closes
// the transport and stops retries; coming back online dials immediately.
func (c *Connection) SetOnline(v bool) {
	c.mu.Lock()
	if v == c.online {
		c.mu.Unlock()
		return
	}
	c.online = v

	if !v {
		c.gen++
		c.stopRetryTimerLocked()
		c.pendingDelay = 0
		t := c.transport
		c.transport = nil
		if c.state.Terminal() || c.intentional {
			c.mu.Unlock()
			if t != nil {
				_ = t.Close()
			}
			return
		}
		notify := c.setStateLocked(StateOffline)
		c.mu.Unlock()
		if t != nil {
			if err := t.Close(); err != nil {
				c.logger.Debug("failed to close transport on offline", "error", err)
			}
		}
		notify()
		c.logger.Info("network offline")
		return
	}

	if c.state != StateOffline || c.runCtx == nil {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	runCtx := c.runCtx
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	notify()
	c.logger.Info("network online, reconnecting")
	go func() {
		_ = c.dialOnce(runCtx)
	}()
}

// SetVisible feeds the foreground/background signal. Going to background
// suspends a pending retry, preserving its remaining delay; returning to
// foreground resumes the schedule.
func (c *Connection) SetVisible(v bool) {
	c.mu.Lock()
	if v == c.visible {
		c.mu.Unlock()
		return
	}
	c.visible = v

	if !v {
		if c.retryTimer == nil {
			c.mu.Unlock()
			return
		}
		c.stopRetryTimerLocked()
		remaining := time.Until(c.retryDeadline)
		if remaining < 0 {
			remaining = 0
		}
		c.pendingDelay = remaining
		notify := c.setStateLocked(StatePaused)
		c.mu.Unlock()
		notify()
		c.logger.Debug("retry schedule paused", "remaining", remaining)
		return
	}

	if c.state != StatePaused {
		c.mu.Unlock()
		return
	}
	delay := c.pendingDelay
	c.pendingDelay = 0
	c.startRetryTimerLocked(delay)
	notify := c.setStateLocked(StateReconnecting)
	c.mu.Unlock()
	notify()
	c.logger.Debug("retry schedule resumed", "delay", delay)
}

// setStateLocked transitions state and returns the listener notification
// to run after the lock is released.
func (c *Connection) setStateLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	listeners := make([]func(State), len(c.listeners))
	copy(listeners, c.listeners)
	return func() {
		for _, f := range listeners {
			f(s)
		}
	}
}

func (c *Connection) dialOnce(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	tok, err := c.tokens(ctx)
	if err != nil {
		wrapped := fmt.Errorf("obtain connection token: %w", err)
		c.dialFailed(gen, wrapped)
		return wrapped
	}

	target := c.wsURL + "?token=" + url.QueryEscape(tok)
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	t, err := c.dialer.Dial(dctx, target)
	cancel()
	if err != nil {
		wrapped := fmt.Errorf("dial: %w", err)
		c.dialFailed(gen, wrapped)
		return wrapped
	}

	c.mu.Lock()
	if gen != c.gen || c.intentional {
		c.mu.Unlock()
		_ = t.Close()
		return nil
	}
	c.transport = t
	c.attempt = 0
	c.lastErr = nil
	queued := c.queue
	c.queue = nil
	notify := c.setStateLocked(StateOpen)
	c.mu.Unlock()
	notify()
	c.logger.Info("connection open", "flushing", len(queued))

	// Flush the queue in FIFO order before regular traffic resumes.
	for i, data := range queued {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := t.Write(wctx, data)
		cancel()
		if err != nil {
			// Anything not yet flushed goes back to the front of the queue.
			c.mu.Lock()
			if gen == c.gen {
				c.queue = append(append([][]byte{}, queued[i:]...), c.queue...)
			}
			c.mu.Unlock()
			c.transportLost(gen, fmt.Errorf("flush queued frame: %w", err))
			return nil
		}
	}

	go c.readLoop(ctx, gen, t)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, gen, t)
	}
	return nil
}

// dialFailed handles a failed dial attempt (no transport was created).
func (c *Connection) dialFailed(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen || c.intentional {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	if !c.online {
		notify := c.setStateLocked(StateOffline)
		c.mu.Unlock()
		notify()
		return
	}
	notify := c.scheduleRetryLocked()
	c.mu.Unlock()
	c.logger.Warn("dial failed", "error", err)
	notify()
}

// transportLost handles loss of an established transport.
func (c *Connection) transportLost(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	t := c.transport
	c.transport = nil

	if c.intentional {
		c.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}

	c.lastErr = err
	notifyErr := c.setStateLocked(StateError)

	if !c.online {
		notifyOffline := c.setStateLocked(StateOffline)
		c.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		notifyErr()
		notifyOffline()
		return
	}

	notifyNext := c.scheduleRetryLocked()
	c.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
	c.logger.Warn("transport lost", "error", err)
	notifyErr()
	notifyNext()
}

// scheduleRetryLocked advances the attempt counter and either arms the
// next retry or goes terminal. Returns the listener notification.
func (c *Connection) scheduleRetryLocked() func() {
	c.attempt++
	if c.attempt > c.cfg.MaxReconnectAttempts {
		c.lastErr = fmt.Errorf("%w: %w", ErrConnectionFailed, c.lastErr)
		c.logger.Error("reconnect attempts exhausted", "attempts", c.cfg.MaxReconnectAttempts)
		return c.setStateLocked(StateFailed)
	}

	delay := backoffDelay(c.attempt, c.cfg.BackoffBase)
	if !c.visible {
		c.pendingDelay = delay
		return c.setStateLocked(StatePaused)
	}
	c.startRetryTimerLocked(delay)
	c.logger.Info("reconnecting", "attempt", c.attempt, "delay", delay)
	return c.setStateLocked(StateReconnecting)
}

func (c *Connection) startRetryTimerLocked(delay time.Duration) {
	gen := c.gen
	c.retryDeadline = time.Now().Add(delay)
	c.retryTimer = time.AfterFunc(delay, func() {
		c.retryFire(gen)
	})
}

func (c *Connection) stopRetryTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Connection) retryFire(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.intentional || !c.online || !c.visible {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	runCtx := c.runCtx
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	notify()
	_ = c.dialOnce(runCtx)
}

func (c *Connection) readLoop(ctx context.Context, gen int, t Transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			c.transportLost(gen, fmt.Errorf("read frame: %w", err))
			return
		}

		var env protocol.Envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil || env.Type == "" {
			c.mu.Lock()
			if jsonErr != nil {
				c.lastErr = fmt.Errorf("%w: %w", ErrParse, jsonErr)
			} else {
				c.lastErr = fmt.Errorf("%w: missing type field", ErrParse)
			}
			c.mu.Unlock()
			c.logger.Warn("dropping malformed frame", "error", jsonErr)
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context, gen int, t Transport) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ping, err := protocol.EncodePing()
	if err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := gen != c.gen || c.state != StateOpen
			c.mu.Unlock()
			if stale {
				return
			}

			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := t.Write(wctx, ping)
			cancel()
			if err != nil {
				c.transportLost(gen, fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

// backoffDelay returns the delay before the given reconnect attempt
// (attempt counting from 1): base, 2*base, 4*base, ...
func backoffDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
