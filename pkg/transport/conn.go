// Package transport owns the websocket lifecycle for the session engine:
// dial, read, detect-drop, reconnect with capped backoff. It carries no
// chat-level knowledge; frames go out and come in as opaque byte slices.
package transport

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("transport is not connected")

// Heartbeat frames. The server only resets its read deadline on data
// frames, so the keepalive is a text "ping" answered with a text "pong";
// control pings would not keep the connection alive.
var (
	pingFrame = []byte("ping")
	pongFrame = []byte("pong")
)

// State is the single process-wide connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:port/ws. Reconnects
	// always reuse it.
	URL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// PingInterval/PongTimeout implement the client half of the server's
	// heartbeat window; PingInterval must stay below PongTimeout.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// BackoffMin..BackoffMax bound the reconnect delay. Retries never stop;
	// cancellation of the Run context is the only way out.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Conn is the subset of *websocket.Conn the manager needs; tests substitute
// a stub.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens one connection attempt.
type Dialer func(ctx context.Context, url string) (Conn, error)

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dial = d
	}
}

// Manager drives one long-lived connection. Run owns the dial/read/reconnect
// loop; Send may be called from any goroutine.
type Manager struct {
	cfg  Config
	dial Dialer

	mu    sync.Mutex
	conn  Conn
	state State

	frames chan []byte
	states chan State
}

func NewManager(cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:    cfg,
		frames: make(chan []byte, 64),
		states: make(chan State, 16),
	}
	m.dial = func(ctx context.Context, url string) (Conn, error) {
		d := &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
		conn, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Frames delivers inbound text frames. Consumed by a single engine goroutine.
func (m *Manager) Frames() <-chan []byte { return m.frames }

// States delivers every state transition in order. If the consumer lags, the
// oldest transition is dropped; the latest state always arrives.
func (m *Manager) States() <-chan State { return m.states }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Send writes one text frame. Fails with ErrNotConnected unless the manager
// is currently connected. A write error tears the connection down, which the
// read loop turns into a reconnect.
func (m *Manager) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.conn == nil {
		return ErrNotConnected
	}
	return m.writeLocked(websocket.TextMessage, frame)
}

func (m *Manager) writeLocked(messageType int, data []byte) error {
	_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := m.conn.WriteMessage(messageType, data); err != nil {
		_ = m.conn.Close()
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Close tears down the current connection, if any. Ongoing Run loops observe
// the read error and, unless their context is cancelled, reconnect.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}

// Run dials, reads, and redials until ctx is cancelled. It never gives up on
// its own: the client is attended, quitting the process is the retry cutoff.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.cfg.BackoffMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.setState(Connecting)
		conn, err := m.dial(ctx, m.cfg.URL)
		if err != nil {
			m.setState(Disconnected)
			log.Warn().Err(err).Str("component", "transport").Str("url", m.cfg.URL).
				Dur("backoff", backoff).Msg("dial failed")
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, m.cfg.BackoffMax)
			continue
		}

		m.attach(conn)
		m.setState(Connected)
		backoff = m.cfg.BackoffMin
		log.Info().Str("component", "transport").Str("url", m.cfg.URL).Msg("connected")

		m.serve(ctx, conn)

		m.detach(conn)
		m.setState(Disconnected)
		log.Info().Str("component", "transport").Msg("connection lost")
	}
}

// serve reads frames until the connection dies or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, conn Conn) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go m.pingLoop(conn, done)

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("component", "transport").Msg("read failed")
			} else {
				log.Debug().Err(err).Str("component", "transport").Msg("connection closed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// Inbound traffic counts as liveness too.
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
		if bytes.Equal(data, pongFrame) {
			continue
		}
		select {
		case m.frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) pingLoop(conn Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.conn != conn {
				m.mu.Unlock()
				return
			}
			err := m.writeLocked(websocket.TextMessage, pingFrame)
			m.mu.Unlock()
			if err != nil {
				log.Debug().Err(err).Str("component", "transport").Msg("ping failed")
				return
			}
		}
	}
}

func (m *Manager) attach(conn Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

func (m *Manager) detach(conn Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	for {
		select {
		case m.states <- s:
			return
		default:
		}
		// Consumer lagging: shed the oldest transition.
		select {
		case <-m.states:
		default:
		}
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		return limit
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
