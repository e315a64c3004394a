// Package realtime maintains the chat hub connection: joining and leaving
// phone rooms, reconnecting with a fixed schedule, and publishing normalized
// inbound and outbound messages on the event bus.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/drivewhip/crmlink/client/internal/config"
	"github.com/drivewhip/crmlink/client/internal/eventbus"
	"github.com/drivewhip/crmlink/pkg/protocol"
)

var (
	ErrNotConnected    = errors.New("realtime: not connected")
	ErrReconnectFailed = errors.New("realtime: reconnect failed")
	ErrHubClosed       = errors.New("realtime: hub closed the connection")

	// errIdle ends a reconnect whose rooms were all left meanwhile.
	errIdle = errors.New("realtime: no rooms left")
)

// State of the hub connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// TokenSource supplies the bearer token for each handshake.
type TokenSource interface {
	CachedToken(ctx context.Context) string
}

// Publisher receives normalized messages and state changes.
type Publisher interface {
	PublishType(eventType string, data any)
}

// Options configures a Manager.
type Options struct {
	HubURL            string
	ReconnectDelays   []time.Duration
	HandshakeTimeout  time.Duration
	InvokeTimeout     time.Duration
	KeepAliveInterval time.Duration
	TLSSkipVerify     bool
}

// OptionsFromConfig builds Options from the realtime config section.
func OptionsFromConfig(cfg *config.Config) Options {
	delays := make([]time.Duration, len(cfg.Realtime.ReconnectDelays))
	for i, d := range cfg.Realtime.ReconnectDelays {
		delays[i] = d.Duration
	}
	hubURL := cfg.Realtime.HubURL
	if hubURL == "" {
		hubURL = config.HubURL(cfg.Active().BaseURL)
	}
	return Options{
		HubURL:            hubURL,
		ReconnectDelays:   delays,
		HandshakeTimeout:  cfg.Realtime.HandshakeTimeout.Duration,
		InvokeTimeout:     cfg.Realtime.InvokeTimeout.Duration,
		KeepAliveInterval: cfg.Realtime.KeepAliveInterval.Duration,
		TLSSkipVerify:     cfg.Realtime.TLSSkipVerify,
	}
}

// connectKey is the single-flight key shared by connects and reconnects.
const connectKey = "connect"

// Manager owns the hub connection and the set of joined rooms.
type Manager struct {
	opts   Options
	tokens TokenSource
	pub    Publisher
	logger *slog.Logger
	sf     singleflight.Group
	done   chan struct{}

	mu     sync.Mutex
	conn   *hubConn
	state  State
	rooms  map[string]struct{}
	closed bool
}

// NewManager creates a Manager. No connection is opened until the first join.
func NewManager(opts Options, tokens TokenSource, pub Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.ReconnectDelays) == 0 {
		opts.ReconnectDelays = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = 30 * time.Second
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = 15 * time.Second
	}
	return &Manager{
		opts:   opts,
		tokens: tokens,
		pub:    pub,
		logger: logger.With("component", "realtime"),
		done:   make(chan struct{}),
		state:  StateDisconnected,
		rooms:  make(map[string]struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Rooms returns the joined rooms, sorted.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomsLocked()
}

func (m *Manager) roomsLocked() []string {
	out := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.logger.Info("connection state", "state", string(s), "rooms", len(m.rooms))
	if m.pub != nil {
		m.pub.PublishType(eventbus.RealtimeState, eventbus.StateData{State: string(s), Rooms: len(m.rooms)})
	}
}

// JoinPhone subscribes to a phone room, connecting first if needed. Joining
// a room twice is a no-op; an empty phone is ignored.
func (m *Manager) JoinPhone(ctx context.Context, phone string) error {
	room, ok := NormalizePhone(phone)
	if !ok {
		return nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		c, err := m.ensureConnected(ctx)
		if errors.Is(err, errIdle) {
			continue
		}
		if err != nil {
			return fmt.Errorf("join %s: %w", room, err)
		}

		m.mu.Lock()
		if m.conn != c {
			// Torn down between connect and registration.
			m.mu.Unlock()
			continue
		}
		_, joined := m.rooms[room]
		m.rooms[room] = struct{}{}
		m.mu.Unlock()

		if joined {
			return nil
		}
		if err := c.invoke(ctx, protocol.MethodJoinPhone, room); err != nil {
			m.mu.Lock()
			delete(m.rooms, room)
			idle := m.detachIfIdleLocked()
			m.mu.Unlock()
			if idle != nil {
				idle.close()
			}
			return fmt.Errorf("join %s: %w", room, err)
		}
		m.logger.Info("joined room", "phone", room)
		return nil
	}
	return fmt.Errorf("join %s: %w", room, ErrNotConnected)
}

// LeavePhone unsubscribes from a room. The hub call is best effort. When the
// last room is left the connection is closed.
func (m *Manager) LeavePhone(ctx context.Context, phone string) error {
	room, ok := NormalizePhone(phone)
	if !ok {
		return nil
	}

	m.mu.Lock()
	c := m.conn
	_, joined := m.rooms[room]
	m.mu.Unlock()

	if c != nil && joined {
		if err := c.invoke(ctx, protocol.MethodLeavePhone, room); err != nil {
			m.logger.Warn("leave failed", "phone", room, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.rooms, room)
	idle := m.detachIfIdleLocked()
	m.mu.Unlock()

	if idle != nil {
		m.logger.Info("no rooms left, closing connection")
		idle.close()
	}
	return nil
}

// detachIfIdleLocked drops the connection when no rooms remain and returns it
// for closing outside the lock.
func (m *Manager) detachIfIdleLocked() *hubConn {
	if len(m.rooms) > 0 || m.conn == nil {
		return nil
	}
	c := m.conn
	m.conn = nil
	m.setStateLocked(StateDisconnected)
	return c
}

// Close tears down the connection and forgets all rooms.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	c := m.conn
	m.conn = nil
	m.rooms = make(map[string]struct{})
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if c != nil {
		c.close()
	}
	return nil
}

// ensureConnected returns the live connection, establishing it through the
// single-flight group. Callers arriving during a reconnect share its outcome.
func (m *Manager) ensureConnected(ctx context.Context) (*hubConn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrHubClosed
	}
	if m.conn != nil {
		c := m.conn
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	ch := m.sf.DoChan(connectKey, m.establish)
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*hubConn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// establish connects once, or walks the reconnect schedule when the previous
// connection was lost with rooms still joined.
func (m *Manager) establish() (any, error) {
	m.mu.Lock()
	if m.conn != nil {
		c := m.conn
		m.mu.Unlock()
		return c, nil
	}
	reconnecting := m.state == StateReconnecting
	if !reconnecting {
		m.setStateLocked(StateConnecting)
	}
	m.mu.Unlock()

	delays := []time.Duration{0}
	if reconnecting {
		delays = m.opts.ReconnectDelays
	}

	var lastErr error
	for i, d := range delays {
		if d > 0 {
			select {
			case <-time.After(d):
			case <-m.done:
				return nil, ErrHubClosed
			}
		}

		c, err := m.dial()
		if err != nil {
			lastErr = err
			m.logger.Warn("connect attempt failed", "attempt", i+1, "error", err)
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			c.close()
			return nil, ErrHubClosed
		}
		if reconnecting && len(m.rooms) == 0 {
			m.setStateLocked(StateDisconnected)
			m.mu.Unlock()
			c.close()
			return nil, errIdle
		}
		m.conn = c
		m.setStateLocked(StateConnected)
		rooms := m.roomsLocked()
		m.mu.Unlock()

		go c.keepalive(m.opts.KeepAliveInterval)
		go m.run(c)

		if reconnecting {
			m.rejoin(c, rooms)
		}
		return c, nil
	}

	m.mu.Lock()
	if reconnecting {
		m.rooms = make(map[string]struct{})
	}
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if reconnecting {
		return nil, fmt.Errorf("%w: %v", ErrReconnectFailed, lastErr)
	}
	return nil, lastErr
}

func (m *Manager) dial() (*hubConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.HandshakeTimeout)
	defer cancel()

	token := ""
	if m.tokens != nil {
		token = m.tokens.CachedToken(ctx)
	}
	return dialHub(ctx, m.opts, token)
}

// rejoin re-subscribes rooms after a reconnect. Failures are logged and
// swallowed.
func (m *Manager) rejoin(c *hubConn, rooms []string) {
	for _, room := range rooms {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.InvokeTimeout)
		err := c.invoke(ctx, protocol.MethodJoinPhone, room)
		cancel()
		if err != nil {
			m.logger.Warn("rejoin failed", "phone", room, "error", err)
			continue
		}
		m.logger.Info("rejoined room", "phone", room)
	}
}

// run reads from c until it fails, then reconnects if c is still the live
// connection and rooms remain.
func (m *Manager) run(c *hubConn) {
	err := c.readLoop(m.dispatch)

	m.mu.Lock()
	if m.conn != c {
		// Closed on purpose.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.closed || len(m.rooms) == 0 {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		return
	}
	m.logger.Warn("connection lost", "error", err)
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	m.reconnect()
}

// reconnect runs the shared establish call until a connection is live, the
// manager is closed or no rooms remain. A connection that drops while its
// rooms are rejoined comes back from the shared call already dead.
func (m *Manager) reconnect() {
	for {
		_, err, _ := m.sf.Do(connectKey, m.establish)
		switch {
		case errors.Is(err, errIdle):
			m.logger.Info("no rooms left, reconnect abandoned")
			return
		case err != nil:
			m.logger.Error("giving up on hub connection", "error", err)
			return
		}

		m.mu.Lock()
		retry := m.conn == nil && !m.closed && len(m.rooms) > 0
		if retry {
			m.setStateLocked(StateReconnecting)
		}
		m.mu.Unlock()
		if !retry {
			return
		}
	}
}

func (m *Manager) dispatch(msg protocol.HubMessage) {
	if !strings.EqualFold(msg.Target, protocol.EventReceiveInboundMessage) &&
		!strings.EqualFold(msg.Target, protocol.EventReceiveOutboundMessage) {
		m.logger.Debug("ignoring hub invocation", "target", msg.Target)
		return
	}
	chat, ok := Normalize(msg.Target, msg.Arguments)
	if !ok {
		m.logger.Debug("dropping malformed chat payload", "target", msg.Target)
		return
	}
	if m.pub != nil {
		m.pub.PublishType(eventbus.ChatMessage, chat)
	}
}
