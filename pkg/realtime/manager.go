// Package realtime maintains the client's WebSocket link to the Taskhive push
// endpoint. It covers authenticated dialing, keepalive, transport-level and
// scheduled reconnection, token rotation handling, and fan-out of server
// events to the event hub.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/taskhive/taskhive-go/pkg/auth"
	"github.com/taskhive/taskhive-go/pkg/events"
	"github.com/taskhive/taskhive-go/pkg/groups"
	"github.com/taskhive/taskhive-go/pkg/log"
	"github.com/taskhive/taskhive-go/pkg/storage"
)

// ErrNoAccessToken is returned by Connect when neither an explicit token, a
// stored token, nor a refresh can produce credentials.
var ErrNoAccessToken = errors.New("realtime: no access token available")

// Reconnect supervision defaults. The transport retries short blips on its
// own; these govern the slower scheduled attempts after it gives up.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultRotationInterval     = 5 * time.Second
)

// ConnectionEvent is the payload of the synthetic connected and reconnected
// events emitted on the hub.
type ConnectionEvent struct {
	ConnectionID string `json:"connectionId"`
}

// Config wires a Manager. URL and Store are required; everything else has a
// usable default.
type Config struct {
	// URL is the push endpoint, with an http(s) or ws(s) scheme.
	URL string
	// RefreshURL is the token refresh endpoint. Used only when TokenSource
	// is nil.
	RefreshURL string
	// Store holds the credentials.
	Store storage.Store

	// TokenSource, Hub and Groups override the defaults built from Store.
	TokenSource *auth.TokenSource
	Hub         *events.Hub
	Groups      *groups.Membership

	// MaxReconnectAttempts caps scheduled reconnects per outage.
	MaxReconnectAttempts int
	// ReconnectBaseDelay is the first scheduled reconnect delay; it doubles
	// per attempt up to ReconnectMaxDelay.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// RotationInterval is how often the stored token is compared against
	// the one the connection was dialed with.
	RotationInterval time.Duration
	DialTimeout      time.Duration
	// RetryDelays overrides the transport redial ladder.
	RetryDelays []time.Duration

	// StorageChanges, when set, short-circuits the rotation poll. Wire a
	// storage.Watcher's Events channel here.
	StorageChanges <-chan struct{}

	// NewTransport overrides transport construction. Tests install fakes.
	NewTransport func(TransportConfig) Conn
}

// Manager owns at most one transport at a time and supervises its lifecycle.
//
// Short connection blips are healed by the transport's own redial ladder.
// When that ladder is exhausted the Manager takes over with slower scheduled
// attempts, re-resolving the token from storage each time. A rotation watch
// replaces the connection whenever another process refreshes the stored token
// out from under it.
type Manager struct {
	cfg          Config
	tokens       *auth.TokenSource
	hub          *events.Hub
	groups       *groups.Membership
	newTransport func(TransportConfig) Conn
	logger       *log.Logger

	mu             sync.Mutex
	conn           Conn
	connecting     bool
	gen            uint64
	lastToken      string
	attempts       int
	delay          time.Duration
	reconnectTimer *time.Timer
	rotationStop   chan struct{}
}

// NewManager validates cfg, fills defaults, and returns a disconnected
// Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime: endpoint URL is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("realtime: credential store is required")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = DefaultRotationInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	tokens := cfg.TokenSource
	if tokens == nil {
		tokens = auth.New(cfg.Store, auth.Config{RefreshURL: cfg.RefreshURL})
	}
	hub := cfg.Hub
	if hub == nil {
		hub = events.NewHub()
	}
	grp := cfg.Groups
	if grp == nil {
		grp = groups.New()
	}
	newTransport := cfg.NewTransport
	if newTransport == nil {
		newTransport = func(tc TransportConfig) Conn { return NewWSConn(tc) }
	}

	return &Manager{
		cfg:          cfg,
		tokens:       tokens,
		hub:          hub,
		groups:       grp,
		newTransport: newTransport,
		delay:        cfg.ReconnectBaseDelay,
		logger:       log.ForComponent("realtime"),
	}, nil
}

// Hub returns the event hub. Handlers registered here survive reconnects and
// disconnects.
func (m *Manager) Hub() *events.Hub {
	return m.hub
}

// Groups returns the project group membership attached to this manager.
func (m *Manager) Groups() *groups.Membership {
	return m.groups
}

// Tokens returns the token source the manager resolves credentials with.
func (m *Manager) Tokens() *auth.TokenSource {
	return m.tokens
}

// Connect establishes the connection using stored credentials. It is a no-op
// when a connection attempt or live connection already exists.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, "", nil)
}

// ConnectWithToken is Connect with an explicit access token taking precedence
// over the stored one.
func (m *Manager) ConnectWithToken(ctx context.Context, token string) error {
	return m.connect(ctx, token, nil)
}

// connect is the shared implementation behind Connect, ConnectWithToken, the
// scheduled reconnect, and the rotation restart. expect, when non-nil, is a
// generation precondition: the attempt is abandoned when a teardown has moved
// the generation since the caller observed it.
func (m *Manager) connect(ctx context.Context, explicit string, expect *uint64) error {
	m.mu.Lock()
	if expect != nil && m.gen != *expect {
		m.mu.Unlock()
		m.logger.Debugf("connect abandoned: superseded before start")
		return nil
	}
	if m.connecting || m.conn != nil {
		current := "connecting"
		if m.conn != nil {
			current = m.conn.State().String()
		}
		m.mu.Unlock()
		m.logger.Debugf("connect ignored: already %s", current)
		return nil
	}
	m.connecting = true
	gen := m.gen
	m.mu.Unlock()

	token := m.tokens.CurrentToken(explicit)
	if token != "" && m.tokens.Expired(token) {
		m.logger.Infof("access token expired or expiring, refreshing")
		fresh, err := m.tokens.Refresh(ctx)
		if err != nil {
			m.logger.Warnf("token refresh failed, trying stored token: %v", err)
		} else {
			token = fresh
		}
	}
	if token == "" {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
		return ErrNoAccessToken
	}

	conn := m.newTransport(TransportConfig{
		URL:         buildTransportURL(m.cfg.URL, token),
		DialTimeout: m.cfg.DialTimeout,
		RetryDelays: m.cfg.RetryDelays,
	})
	m.hub.BindTransport(conn)
	conn.OnClose(func(err error) { m.handleClose(conn, err) })
	conn.OnReconnecting(func(attempt int, delay time.Duration) {
		m.logger.Warnf("connection lost, transport retry %d in %s", attempt, delay)
	})
	conn.OnReconnected(func(id string) { m.handleReconnected(conn, id) })

	if err := conn.Start(ctx); err != nil {
		m.mu.Lock()
		superseded := m.gen != gen
		m.connecting = false
		m.mu.Unlock()
		if superseded {
			return nil
		}
		m.logger.Errorf("transport start failed: %v", err)
		m.scheduleReconnect(gen)
		return fmt.Errorf("realtime: connect: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen {
		// Disconnect won the race while we were dialing.
		m.connecting = false
		m.mu.Unlock()
		m.logger.Debugf("connection superseded during start, dropping")
		_ = conn.Stop()
		return nil
	}
	m.conn = conn
	m.connecting = false
	m.attempts = 0
	m.delay = m.cfg.ReconnectBaseDelay
	m.lastToken = token
	m.mu.Unlock()

	m.groups.UpdateConn(conn)
	m.startRotationWatch()
	m.hub.Emit(events.Connected, ConnectionEvent{ConnectionID: conn.ID()})
	m.logger.Infof("connected (connection %s)", conn.ID())

	// A closure can land between Start returning and the install above, in
	// which case the close handler dropped it as stale. Disconnected here
	// means exactly that; handleClose is idempotent for the normal case.
	if conn.State() == Disconnected {
		m.handleClose(conn, errors.New("realtime: connection closed during start"))
	}
	return nil
}

// Disconnect tears the connection down and cancels all supervision: the
// pending reconnect timer, the rotation watch, and the group attachment.
// Handlers on the hub survive and fire again after the next Connect. Safe to
// call when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.resetLocked()
	m.mu.Unlock()
	m.teardown(conn)
}

// disconnectIf is Disconnect conditioned on the generation still matching
// gen. It reports the generation after its teardown; ok is false when another
// teardown already landed in between, and that one stays final.
func (m *Manager) disconnectIf(gen uint64) (next uint64, ok bool) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return 0, false
	}
	conn := m.resetLocked()
	next = m.gen
	m.mu.Unlock()
	m.teardown(conn)
	return next, true
}

// resetLocked advances the generation and clears supervision state, handing
// back the conn for the caller to stop once the lock is released.
func (m *Manager) resetLocked() Conn {
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.connecting = false
	m.attempts = 0
	m.delay = m.cfg.ReconnectBaseDelay
	m.lastToken = ""
	return conn
}

func (m *Manager) teardown(conn Conn) {
	m.stopRotationWatch()
	m.groups.UpdateConn(nil)
	if conn != nil {
		if err := conn.Stop(); err != nil {
			m.logger.Debugf("transport stop: %v", err)
		}
		m.logger.Infof("disconnected")
	}
}

// IsConnected reports whether a live transport exists.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	return conn != nil && conn.Connected()
}

// State reports the connection lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	conn := m.conn
	connecting := m.connecting
	m.mu.Unlock()
	if connecting {
		return Connecting
	}
	if conn == nil {
		return Disconnected
	}
	return conn.State()
}

// handleClose runs when a transport shuts down for good. A nil error means an
// intentional stop; anything else starts the scheduled reconnect cycle.
func (m *Manager) handleClose(conn Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	// Capture the generation this closure belongs to while still holding the
	// lock: a Disconnect landing before scheduleReconnect runs must win.
	gen := m.gen
	m.mu.Unlock()

	m.stopRotationWatch()
	m.groups.UpdateConn(nil)

	if err == nil {
		return
	}
	m.logger.Warnf("connection closed: %v", err)
	m.scheduleReconnect(gen)
}

// handleReconnected runs when the transport's own redial ladder succeeds. The
// scheduled reconnect budget resets and listeners learn the new connection ID.
func (m *Manager) handleReconnected(conn Conn, id string) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.delay = m.cfg.ReconnectBaseDelay
	m.mu.Unlock()

	m.logger.Infof("transport reconnected (connection %s)", id)
	m.hub.Emit(events.Reconnected, ConnectionEvent{ConnectionID: id})
}

// scheduleReconnect arms a single reconnect timer at the current delay. gen is
// the generation the caller observed together with the failure; arming is
// refused when a Disconnect has moved it since. At most one attempt is ever
// pending; the delay doubles per failed attempt up to ReconnectMaxDelay, and
// after MaxReconnectAttempts failures the manager stays down until the next
// explicit Connect.
func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		m.logger.Debugf("reconnect not scheduled: connection superseded")
		return
	}
	if m.reconnectTimer != nil {
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Errorf("giving up after %d reconnect attempts", m.attempts)
		return
	}
	delay := m.delay
	m.logger.Infof("scheduling reconnect attempt %d/%d in %s", m.attempts+1, m.cfg.MaxReconnectAttempts, delay)
	m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnectNow(gen) })
}

func (m *Manager) reconnectNow(gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.attempts++
	m.delay *= 2
	if m.delay > m.cfg.ReconnectMaxDelay {
		m.delay = m.cfg.ReconnectMaxDelay
	}
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Infof("reconnect attempt %d/%d", attempt, m.cfg.MaxReconnectAttempts)
	if err := m.connect(context.Background(), "", &gen); err != nil {
		m.logger.Warnf("reconnect attempt %d failed: %v", attempt, err)
	}
}

func (m *Manager) startRotationWatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rotationStop != nil {
		return
	}
	stop := make(chan struct{})
	m.rotationStop = stop
	go m.rotationLoop(stop)
}

func (m *Manager) stopRotationWatch() {
	m.mu.Lock()
	stop := m.rotationStop
	m.rotationStop = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// rotationLoop watches for the stored access token changing underneath a live
// connection, typically another process refreshing it. The storage change
// channel short-circuits the poll when configured; the ticker is the
// fallback.
func (m *Manager) rotationLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.RotationInterval)
	defer ticker.Stop()

	changes := m.cfg.StorageChanges
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
		}
		m.checkRotation()
	}
}

func (m *Manager) checkRotation() {
	current := storage.AccessToken(m.cfg.Store)
	if current == "" {
		return
	}
	m.mu.Lock()
	if m.conn == nil || m.connecting || current == m.lastToken {
		m.mu.Unlock()
		return
	}
	// Claim the new token here so concurrent checks trigger one restart, and
	// the generation with it so a Disconnect landing before the restart wins.
	m.lastToken = current
	gen := m.gen
	m.mu.Unlock()

	m.logger.Infof("access token rotated, replacing connection")
	go m.restart(gen, current)
}

// restart replaces the connection after a token rotation: one full teardown,
// then a dial with the rotated token. The generation precondition holds across
// both halves, so a Disconnect interleaving anywhere abandons the restart.
func (m *Manager) restart(gen uint64, token string) {
	next, ok := m.disconnectIf(gen)
	if !ok {
		m.logger.Debugf("rotation restart superseded")
		return
	}
	if err := m.connect(context.Background(), token, &next); err != nil {
		m.logger.Errorf("reconnect with rotated token failed: %v", err)
	}
}

// buildTransportURL appends the access token as a query parameter, the auth
// scheme the push endpoint expects.
func buildTransportURL(endpoint, token string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "access_token=" + url.QueryEscape(token)
}
