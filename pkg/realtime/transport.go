package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/taskhive/taskhive-go/pkg/log"
)

var (
	// ErrNotConnected is returned by Send and Invoke when no link is up.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrRPCUnsupported is returned by Invoke on the plain WebSocket
	// endpoint, which has no invocation framing. Callers are expected to
	// fall back to Send with a typed message.
	ErrRPCUnsupported = errors.New("realtime: rpc invocation not supported by transport")
)

const (
	// DefaultDialTimeout bounds a single WebSocket handshake.
	DefaultDialTimeout = 15 * time.Second

	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 75 * time.Second
	writeWait           = 10 * time.Second
)

// DefaultRetryDelays returns the built-in redial ladder. The transport walks
// it once per connection loss: an immediate retry, then doubling waits up to
// the 16 second step.
func DefaultRetryDelays() []time.Duration {
	return []time.Duration{
		0,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
}

// Conn is the transport contract the Manager drives. *WSConn is the real
// implementation; tests substitute their own.
type Conn interface {
	// Start dials and begins the read loop. It returns an error when the
	// initial dial fails; no close callback fires in that case.
	Start(ctx context.Context) error
	// Stop tears the link down. The close callback fires asynchronously
	// with a nil error.
	Stop() error
	// Send writes v as a single JSON text message.
	Send(ctx context.Context, v any) error
	// Invoke calls a named server-side method, when the transport has a
	// framing for that.
	Invoke(ctx context.Context, target string, args ...any) error
	Connected() bool
	State() State
	// ID identifies the current link. It changes on every redial.
	ID() string
	// OnServerEvent registers a listener for a named server event.
	// Register before Start; registration is not synchronized with a
	// running read loop.
	OnServerEvent(name string, fn func(data any))
	OnClose(fn func(err error))
	OnReconnecting(fn func(attempt int, delay time.Duration))
	OnReconnected(fn func(connectionID string))
}

// TransportConfig carries the dial target and tuning knobs for a WSConn.
type TransportConfig struct {
	// URL is the full endpoint including the access_token query parameter.
	// http and https schemes are rewritten to ws and wss.
	URL string
	// DialTimeout bounds each handshake. Zero means DefaultDialTimeout.
	DialTimeout time.Duration
	// RetryDelays is the redial ladder walked after a lost link. Nil means
	// DefaultRetryDelays; an empty slice disables transport-level retries.
	RetryDelays []time.Duration
	// PingInterval and PongWait tune the keepalive. Zero means defaults.
	PingInterval time.Duration
	PongWait     time.Duration
}

// WSConn is a WebSocket transport with its own keepalive and short-lived
// redial ladder. Longer outages are the Manager's problem.
type WSConn struct {
	cfg    TransportConfig
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
	id   string

	writeMu sync.Mutex
	state   atomic.Int32

	listenersMu sync.RWMutex
	listeners   map[string][]func(data any)

	onClose        func(err error)
	onReconnecting func(attempt int, delay time.Duration)
	onReconnected  func(connectionID string)

	stopOnce sync.Once
}

// NewWSConn builds a transport for cfg.URL. Callers register listeners and
// callbacks, then Start it.
func NewWSConn(cfg TransportConfig) *WSConn {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = DefaultRetryDelays()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSConn{
		cfg:       cfg,
		logger:    log.ForComponent("transport"),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[string][]func(data any)),
	}
}

// Start dials the endpoint and launches the read loop. A failed dial leaves
// the transport Disconnected and returns the error without firing OnClose.
func (c *WSConn) Start(ctx context.Context) error {
	if c.isStopped() {
		return errors.New("realtime: transport already stopped")
	}
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return errors.New("realtime: transport already started")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx)
	if err != nil {
		c.setState(Disconnected)
		return err
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.conn = conn
	c.id = id
	c.mu.Unlock()
	// Stop cancels first and closes the installed conn second, so after
	// installing we either see the cancellation here or Stop saw the conn.
	if c.isStopped() {
		_ = conn.Close()
		c.setState(Disconnected)
		return errors.New("realtime: transport already stopped")
	}
	c.setState(Connected)
	c.logger.Debugf("connected to %s (connection %s)", redactURL(c.cfg.URL), id)

	go c.run(conn)
	return nil
}

// Stop closes the link and cancels any in-flight redial. Safe to call more
// than once. It does not wait for the read loop to drain; OnClose fires with
// a nil error once it has.
func (c *WSConn) Stop() error {
	c.stopOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = conn.Close()
		}
	})
	return nil
}

// Send marshals v and writes it as one text message.
func (c *WSConn) Send(_ context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.Connected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: encoding message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("realtime: writing message: %w", err)
	}
	return nil
}

// Invoke reports ErrRPCUnsupported: the plain endpoint carries no method
// invocation protocol.
func (c *WSConn) Invoke(_ context.Context, target string, _ ...any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return fmt.Errorf("realtime: invoke %s: %w", target, ErrRPCUnsupported)
}

func (c *WSConn) Connected() bool {
	return c.State() == Connected
}

func (c *WSConn) State() State {
	return State(c.state.Load())
}

// ID returns the identifier of the current link, or an empty string before
// the first successful dial.
func (c *WSConn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *WSConn) OnServerEvent(name string, fn func(data any)) {
	if name == "" || fn == nil {
		return
	}
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[name] = append(c.listeners[name], fn)
}

func (c *WSConn) OnClose(fn func(err error)) {
	c.onClose = fn
}

func (c *WSConn) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	c.onReconnecting = fn
}

func (c *WSConn) OnReconnected(fn func(connectionID string)) {
	c.onReconnected = fn
}

// run owns the connection after a successful Start: it reads until the link
// drops, walks the redial ladder, and reports the final closure.
func (c *WSConn) run(conn *websocket.Conn) {
	for {
		err := c.readLoop(conn)
		if c.isStopped() {
			c.finish(nil)
			return
		}
		c.logger.Warnf("connection lost: %v", err)

		next, rerr := c.redial(err)
		if rerr != nil {
			if c.isStopped() {
				c.finish(nil)
			} else {
				c.finish(rerr)
			}
			return
		}
		conn = next
	}
}

// readLoop pumps messages from one link until it fails. The returned error is
// the read error that ended it.
func (c *WSConn) readLoop(conn *websocket.Conn) error {
	pingStop := make(chan struct{})
	go c.pingLoop(conn, pingStop)
	defer close(pingStop)

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.dispatch(data)
	}
}

func (c *WSConn) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debugf("ping failed: %v", err)
				return
			}
		}
	}
}

// redial walks the retry ladder after a lost link. On success it installs the
// new connection under a fresh ID and fires OnReconnected.
func (c *WSConn) redial(cause error) (*websocket.Conn, error) {
	c.setState(Reconnecting)

	for i, delay := range c.cfg.RetryDelays {
		attempt := i + 1
		c.notifyReconnecting(attempt, delay)
		if delay > 0 {
			select {
			case <-c.ctx.Done():
				return nil, c.ctx.Err()
			case <-time.After(delay):
			}
		}
		if c.isStopped() {
			return nil, c.ctx.Err()
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		conn, err := c.dial(dialCtx)
		cancel()
		if err != nil {
			c.logger.Debugf("redial attempt %d failed: %v", attempt, err)
			continue
		}

		id := uuid.NewString()
		c.mu.Lock()
		c.conn = conn
		c.id = id
		c.mu.Unlock()
		// Same ordering as Start: a Stop that raced this dial either shows
		// up here or already closed the conn we just installed.
		if c.isStopped() {
			_ = conn.Close()
			return nil, c.ctx.Err()
		}
		c.setState(Connected)
		c.logger.Infof("transport reestablished (connection %s)", id)
		c.notifyReconnected(id)
		return conn, nil
	}

	return nil, fmt.Errorf("realtime: redial attempts exhausted: %w", cause)
}

func (c *WSConn) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: invalid URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: c.cfg.DialTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: websocket dial %s failed: %w", redactURL(c.cfg.URL), err)
	}
	return conn, nil
}

// dispatch decodes one frame and hands its payload to every listener
// registered for the event name. Frames name their event in a target or type
// field; the payload is the arguments value, the payload value, or the whole
// frame, in that order.
func (c *WSConn) dispatch(data []byte) {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debugf("dropping undecodable frame: %v", err)
		return
	}

	name, _ := frame["target"].(string)
	if name == "" {
		name, _ = frame["type"].(string)
	}
	if name == "" {
		c.logger.Debugf("dropping frame without event name")
		return
	}

	var payload any
	switch {
	case frame["arguments"] != nil:
		payload = frame["arguments"]
	case frame["payload"] != nil:
		payload = frame["payload"]
	default:
		payload = frame
	}

	for _, fn := range c.listenersFor(name) {
		fn(payload)
	}
}

func (c *WSConn) listenersFor(name string) []func(data any) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	regs := c.listeners[name]
	out := make([]func(data any), len(regs))
	copy(out, regs)
	return out
}

func (c *WSConn) finish(err error) {
	c.setState(Disconnected)
	if err != nil {
		c.logger.Errorf("transport closed: %v", err)
	} else {
		c.logger.Debugf("transport closed")
	}
	if c.onClose != nil {
		c.onClose(err)
	}
}

func (c *WSConn) notifyReconnecting(attempt int, delay time.Duration) {
	if c.onReconnecting != nil {
		c.onReconnecting(attempt, delay)
	}
}

func (c *WSConn) notifyReconnected(id string) {
	if c.onReconnected != nil {
		c.onReconnected(id)
	}
}

func (c *WSConn) setState(s State) {
	c.state.Store(int32(s))
}

func (c *WSConn) isStopped() bool {
	return c.ctx.Err() != nil
}

// redactURL strips the access_token query value so log lines and errors never
// leak credentials.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("access_token") {
		q.Set("access_token", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
