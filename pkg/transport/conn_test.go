package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
	pings  int
}

func newStubConn() *stubConn {
	return &stubConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *stubConn) ReadMessage() (int, []byte, error) {
	select {
	case <-s.closed:
		return 0, nil, errors.New("use of closed connection")
	case b := <-s.in:
		return websocket.TextMessage, b, nil
	}
}

func (s *stubConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-s.closed:
		return errors.New("use of closed connection")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageType == websocket.TextMessage && string(data) == "ping" {
		s.pings++
		return nil
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *stubConn) sentFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func (s *stubConn) sentPings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *stubConn) SetReadDeadline(time.Time) error   { return nil }
func (s *stubConn) SetWriteDeadline(time.Time) error  { return nil }
func (s *stubConn) SetPongHandler(func(string) error) {}

func (s *stubConn) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func testConfig() Config {
	return Config{
		URL:        "ws://test/ws",
		BackoffMin: time.Millisecond,
		BackoffMax: 4 * time.Millisecond,
	}
}

func awaitStates(t *testing.T, m *Manager, want ...State) {
	t.Helper()
	for _, w := range want {
		select {
		case st := <-m.States():
			require.Equal(t, w, st)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for state %s", w)
		}
	}
}

func runManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = m.Run(ctx) }()
}

func TestManagerConnectStateSequence(t *testing.T) {
	stub := newStubConn()
	m := NewManager(testConfig(), WithDialer(func(context.Context, string) (Conn, error) {
		return stub, nil
	}))
	runManager(t, m)
	awaitStates(t, m, Connecting, Connected)
	require.Equal(t, Connected, m.State())
}

func TestManagerDeliversInboundFrames(t *testing.T) {
	stub := newStubConn()
	m := NewManager(testConfig(), WithDialer(func(context.Context, string) (Conn, error) {
		return stub, nil
	}))
	runManager(t, m)
	awaitStates(t, m, Connecting, Connected)

	stub.in <- []byte(`{"online":{}}`)
	select {
	case frame := <-m.Frames():
		require.Equal(t, `{"online":{}}`, string(frame))
	case <-time.After(time.Second):
		t.Fatal("frame was not delivered")
	}
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	conns := []*stubConn{newStubConn(), newStubConn()}
	m := NewManager(testConfig(), WithDialer(func(context.Context, string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		conn := conns[dials%len(conns)]
		dials++
		return conn, nil
	}))
	runManager(t, m)
	awaitStates(t, m, Connecting, Connected)

	_ = conns[0].Close()
	awaitStates(t, m, Disconnected, Connecting, Connected)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, dials, "reconnect reuses the same endpoint with a fresh dial")
}

func TestManagerRetriesFailedDials(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	stub := newStubConn()
	m := NewManager(testConfig(), WithDialer(func(context.Context, string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials < 3 {
			return nil, errors.New("connection refused")
		}
		return stub, nil
	}))
	runManager(t, m)

	require.Eventually(t, func() bool {
		return m.State() == Connected
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, dials)
}

func TestSendWhenDisconnected(t *testing.T) {
	m := NewManager(testConfig())
	err := m.Send([]byte("frame"))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSendWritesTextFrame(t *testing.T) {
	stub := newStubConn()
	m := NewManager(testConfig(), WithDialer(func(context.Context, string) (Conn, error) {
		return stub, nil
	}))
	runManager(t, m)
	awaitStates(t, m, Connecting, Connected)

	require.NoError(t, m.Send([]byte("hello")))
	frames := stub.sentFrames()
	require.Len(t, frames, 1)
	require.Equal(t, "hello", string(frames[0]))
}

func TestHeartbeatSendsTextPing(t *testing.T) {
	stub := newStubConn()
	cfg := testConfig()
	cfg.PingInterval = 5 * time.Millisecond
	m := NewManager(cfg, WithDialer(func(context.Context, string) (Conn, error) {
		return stub, nil
	}))
	runManager(t, m)
	awaitStates(t, m, Connecting, Connected)

	// The server only resets its heartbeat window on data frames, so the
	// keepalive must go out as the text "ping".
	require.Eventually(t, func() bool {
		return stub.sentPings() >= 3
	}, time.Second, time.Millisecond)
	require.Empty(t, stub.sentFrames(), "heartbeat must not produce chat frames")
}

func TestHeartbeatPongNotForwarded(t *testing.T) {
	stub := newStubConn()
	m := NewManager(testConfig(), WithDialer(func(context.Context, string) (Conn, error) {
		return stub, nil
	}))
	runManager(t, m)
	awaitStates(t, m, Connecting, Connected)

	stub.in <- []byte("pong")
	stub.in <- []byte(`{"online":{}}`)
	select {
	case frame := <-m.Frames():
		require.Equal(t, `{"online":{}}`, string(frame))
	case <-time.After(time.Second):
		t.Fatal("frame was not delivered")
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	require.Equal(t, time.Second, nextBackoff(500*time.Millisecond, 30*time.Second))
	require.Equal(t, 30*time.Second, nextBackoff(20*time.Second, 30*time.Second))
	require.Equal(t, 30*time.Second, nextBackoff(30*time.Second, 30*time.Second))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{URL: "ws://x"}.withDefaults()
	require.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	require.Equal(t, 60*time.Second, cfg.PongTimeout)
	require.Less(t, cfg.PingInterval, cfg.PongTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.BackoffMin)
	require.Equal(t, 30*time.Second, cfg.BackoffMax)
}
