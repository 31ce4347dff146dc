// Package signaling keeps a registered websocket connection to the relay and
// carries call envelopes over it. The relay also pushes stored chat records
// down the same connection.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

var (
	ErrNotConnected = errors.New("signaling channel not connected")
	ErrClosed       = errors.New("signaling client closed")
	ErrLost         = errors.New("signaling channel lost")
)

// Status is the connection state reported to subscribers.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusLost         Status = "lost"
	StatusClosed       Status = "closed"
)

// Options configures a Client.
type Options struct {
	RelayURL          string // http(s) base URL of the relay
	UID               string
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	WriteTimeout      time.Duration
	// ReadTimeout is how long the connection may stay silent. The relay
	// pings well within it; a half-open connection fails after it.
	ReadTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = 2 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
}

// Client is a reconnecting signaling connection. Envelopes are delivered to
// every subscriber in the order the relay sent them. Send never queues: while
// the connection is down it fails with ErrNotConnected.
type Client struct {
	opts   Options
	wsURL  string
	dialer *websocket.Dialer

	mu     sync.Mutex
	ws     *websocket.Conn
	status Status
	err    error

	writeMu sync.Mutex

	listenerMu      sync.RWMutex
	listeners       map[chan *proto.Envelope]struct{}
	recordListeners map[chan proto.Record]struct{}
	statusListeners map[chan Status]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects and registers uid with the relay, retrying with the
// configured policy. The returned Client reconnects on its own until the
// attempts are exhausted or Close is called.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.applyDefaults()
	uid, err := util.ValidateUID(opts.UID)
	if err != nil {
		return nil, err
	}
	opts.UID = uid

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:            opts,
		wsURL:           util.WebsocketURL(opts.RelayURL, proto.SignalingPath),
		dialer:          &websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout},
		listeners:       make(map[chan *proto.Envelope]struct{}),
		recordListeners: make(map[chan proto.Record]struct{}),
		statusListeners: make(map[chan Status]struct{}),
		ctx:             cctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}

	ws, err := c.connectWithRetry(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.setConn(ws, StatusConnected)
	log.Printf("SIGNAL: registered %s at %s", uid, c.wsURL)

	go c.run(ws)
	return c, nil
}

// UID returns the registered user id.
func (c *Client) UID() string { return c.opts.UID }

// Send writes env to the relay.
func (c *Client) Send(ctx context.Context, env *proto.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	ws, status := c.ws, c.status
	c.mu.Unlock()
	if ws == nil || status != StatusConnected {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(proto.Frame{Type: proto.FrameEnvelope, Envelope: env}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Subscribe returns a channel receiving every inbound envelope. The channel
// is closed by cancel or when the client stops.
func (c *Client) Subscribe() (ch chan *proto.Envelope, cancel func()) {
	ch = make(chan *proto.Envelope, 256)

	c.listenerMu.Lock()
	if c.listeners == nil {
		close(ch)
		c.listenerMu.Unlock()
		return ch, func() {}
	}
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// SubscribeRecords returns a channel receiving chat records the relay pushes
// as they are stored. Records missed while disconnected are not replayed.
func (c *Client) SubscribeRecords() (ch chan proto.Record, cancel func()) {
	ch = make(chan proto.Record, 64)

	c.listenerMu.Lock()
	if c.recordListeners == nil {
		close(ch)
		c.listenerMu.Unlock()
		return ch, func() {}
	}
	c.recordListeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.recordListeners[ch]; ok {
			delete(c.recordListeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// SubscribeStatus returns a channel receiving connection state changes.
func (c *Client) SubscribeStatus() (ch chan Status, cancel func()) {
	ch = make(chan Status, 8)

	c.listenerMu.Lock()
	if c.statusListeners == nil {
		close(ch)
		c.listenerMu.Unlock()
		return ch, func() {}
	}
	c.statusListeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.statusListeners[ch]; ok {
			delete(c.statusListeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Done is closed once the client has stopped for good, either because
// reconnect attempts ran out or Close was called. Err reports which.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns ErrLost or ErrClosed after Done is closed, nil before.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the client and closes the connection.
func (c *Client) Close() error {
	c.stop(ErrClosed, StatusClosed)
	return nil
}

func (c *Client) run(ws *websocket.Conn) {
	for {
		c.readLoop(ws)

		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.setConn(nil, StatusReconnecting)
		log.Printf("SIGNAL: connection lost, reconnecting (%d attempts)", c.opts.ReconnectAttempts)

		next, err := c.connectWithRetry(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("SIGNAL: giving up: %v", err)
			c.stop(ErrLost, StatusLost)
			return
		}
		c.setConn(next, StatusConnected)
		log.Printf("SIGNAL: re-registered %s", c.opts.UID)
		ws = next
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	defer ws.Close()

	extend := func() { ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)) }
	extend()
	ws.SetPingHandler(func(appData string) error {
		extend()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.opts.WriteTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			log.Printf("SIGNAL: pong: %v", err)
		}
		return nil
	})

	for {
		var f proto.Frame
		if err := ws.ReadJSON(&f); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Printf("SIGNAL: relay silent for %s, dropping connection", c.opts.ReadTimeout)
			}
			return
		}
		extend()
		switch f.Type {
		case proto.FrameEnvelope:
			if f.Envelope != nil {
				c.deliver(f.Envelope)
			}
		case proto.FrameRecord:
			if f.Record != nil {
				c.deliverRecord(*f.Record)
			}
		case proto.FrameError:
			log.Printf("SIGNAL: relay error: %s", f.Error)
		case proto.FrameRegistered:
		}
	}
}

func (c *Client) deliver(env *proto.Envelope) {
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- env:
		default:
			log.Printf("SIGNAL: subscriber full, dropped %s from %s", env.Kind, env.From)
		}
	}
	c.listenerMu.RUnlock()
}

func (c *Client) deliverRecord(rec proto.Record) {
	c.listenerMu.RLock()
	for ch := range c.recordListeners {
		select {
		case ch <- rec:
		default:
			log.Printf("SIGNAL: record subscriber full, dropped %s from %s", rec.ID, rec.SenderID)
		}
	}
	c.listenerMu.RUnlock()
}

// connectWithRetry makes up to ReconnectAttempts attempts with a fixed
// backoff between them.
func (c *Client) connectWithRetry(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		ws, err := c.connect(ctx)
		if err == nil {
			return ws, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == c.opts.ReconnectAttempts {
			break
		}
		select {
		case <-time.After(c.opts.ReconnectBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("connect %s after %d attempts: %w", c.wsURL, c.opts.ReconnectAttempts, lastErr)
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := ws.WriteJSON(proto.Frame{Type: proto.FrameRegister, UID: c.opts.UID}); err != nil {
		ws.Close()
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(c.opts.WriteTimeout))
	var f proto.Frame
	if err := ws.ReadJSON(&f); err != nil {
		ws.Close()
		return nil, err
	}
	if f.Type != proto.FrameRegistered {
		ws.Close()
		return nil, fmt.Errorf("register rejected: %s", f.Error)
	}
	ws.SetReadDeadline(time.Time{})
	ws.SetWriteDeadline(time.Time{})
	return ws, nil
}

func (c *Client) setConn(ws *websocket.Conn, status Status) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	c.ws = ws
	changed := c.status != status
	c.status = status
	c.mu.Unlock()
	if changed {
		c.notify(status)
	}
}

func (c *Client) notify(s Status) {
	c.listenerMu.RLock()
	for ch := range c.statusListeners {
		select {
		case ch <- s:
		default:
		}
	}
	c.listenerMu.RUnlock()
}

func (c *Client) stop(reason error, status Status) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = reason
	ws := c.ws
	c.ws = nil
	c.status = status
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		ws.Close()
	}
	c.notify(status)
	close(c.done)

	c.listenerMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	for ch := range c.recordListeners {
		close(ch)
	}
	for ch := range c.statusListeners {
		close(ch)
	}
	c.listeners = nil
	c.recordListeners = nil
	c.statusListeners = nil
	c.listenerMu.Unlock()
}
