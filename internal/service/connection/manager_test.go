package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

type wsServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newWSServer(t *testing.T, token string) *wsServer {
	t.Helper()
	srv := &wsServer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		srv.conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no websocket connection accepted")
		return nil
	}
}

func testOptions(url string) Options {
	opts := DefaultOptions(url)
	opts.BackoffBase = 5 * time.Millisecond
	opts.BackoffMax = 20 * time.Millisecond
	opts.HandshakeTimeout = 2 * time.Second
	return opts
}

type stateLog struct {
	mu     sync.Mutex
	states []chat.ConnectionState
}

func (l *stateLog) record(s chat.ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) contains(s chat.ConnectionState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.states {
		if got == s {
			return true
		}
	}
	return false
}

func TestConnectDeliversInboundEvents(t *testing.T) {
	srv := newWSServer(t, "good")
	m := NewManager(testOptions(srv.url()))
	defer m.Disconnect()

	got := make(chan chat.Envelope, 1)
	m.Handle(chat.EventMessage, func(env chat.Envelope) { got <- env })

	require.NoError(t, m.Connect(context.Background(), chat.Session{Token: "good"}))
	serverConn := srv.next(t)
	require.Eventually(t, func() bool { return m.State() == chat.Connected }, 2*time.Second, 5*time.Millisecond)

	env, err := chat.NewEnvelope(chat.EventMessage, chat.EventRoom("42"), chat.Message{ID: "1", Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, serverConn.WriteJSON(env))

	select {
	case in := <-got:
		assert.Equal(t, chat.EventRoom("42"), in.Room)
		var msg chat.Message
		require.NoError(t, in.Decode(&msg))
		assert.Equal(t, "hi", msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound event not dispatched")
	}
}

func TestSendWritesFramedEvent(t *testing.T) {
	srv := newWSServer(t, "good")
	m := NewManager(testOptions(srv.url()))
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background(), chat.Session{Token: "good"}))
	serverConn := srv.next(t)
	require.Eventually(t, func() bool { return m.State() == chat.Connected }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Send(chat.EventJoin, chat.MentorshipRoom("m1"), nil))

	var env chat.Envelope
	require.NoError(t, serverConn.ReadJSON(&env))
	assert.Equal(t, chat.EventJoin, env.Event)
	assert.Equal(t, chat.MentorshipRoom("m1"), env.Room)
}

func TestConnectAuthRejected(t *testing.T) {
	srv := newWSServer(t, "good")
	m := NewManager(testOptions(srv.url()))

	err := m.Connect(context.Background(), chat.Session{Token: "bad"})
	require.ErrorIs(t, err, chat.ErrAuthRejected)
	assert.Equal(t, chat.Disconnected, m.State())
	assert.ErrorIs(t, m.Err(), chat.ErrAuthRejected)

	// Nothing to tear down, and a second Disconnect is harmless.
	m.Disconnect()
	m.Disconnect()
}

func TestConnectRejectsExpiredSessionWithoutDialing(t *testing.T) {
	m := NewManager(testOptions("ws://127.0.0.1:1/ws"))
	err := m.Connect(context.Background(), chat.Session{Token: "x", ExpiresAt: time.Now().Add(-time.Minute)})
	assert.ErrorIs(t, err, chat.ErrAuthRejected)
	assert.Equal(t, chat.Disconnected, m.State())
}

func TestReconnectAfterTransportDrop(t *testing.T) {
	srv := newWSServer(t, "good")
	m := NewManager(testOptions(srv.url()))
	defer m.Disconnect()

	states := &stateLog{}
	m.SubscribeState(states.record)

	type hookCall struct {
		epoch     uint64
		reconnect bool
	}
	hooks := make(chan hookCall, 4)
	m.OnConnected(func(epoch uint64, reconnect bool) { hooks <- hookCall{epoch, reconnect} })

	require.NoError(t, m.Connect(context.Background(), chat.Session{Token: "good"}))
	first := srv.next(t)
	assert.Equal(t, hookCall{1, false}, <-hooks)

	require.NoError(t, first.Close())

	srv.next(t)
	select {
	case call := <-hooks:
		assert.Equal(t, hookCall{2, true}, call)
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect hook not called")
	}
	require.Eventually(t, func() bool { return m.State() == chat.Connected }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, states.contains(chat.Reconnecting))
	assert.Equal(t, uint64(2), m.Epoch())
}

func TestInitialDialFailureKeepsRetrying(t *testing.T) {
	srv := newWSServer(t, "good")
	url := srv.url()

	// Point at a closed port first, then swap the URL the way a server restart would look.
	m := NewManager(testOptions("ws://127.0.0.1:1/ws"))
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background(), chat.Session{Token: "good"}))
	require.Eventually(t, func() bool { return m.State() == chat.Reconnecting }, 2*time.Second, 5*time.Millisecond)

	m.mu.Lock()
	m.opts.URL = url
	m.mu.Unlock()

	srv.next(t)
	require.Eventually(t, func() bool { return m.State() == chat.Connected }, 3*time.Second, 5*time.Millisecond)
}

func TestSendWhileDisconnected(t *testing.T) {
	m := NewManager(testOptions("ws://127.0.0.1:1/ws"))
	err := m.Send(chat.EventJoin, chat.EventRoom("1"), nil)
	assert.ErrorIs(t, err, chat.ErrNotConnected)
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	srv := newWSServer(t, "good")
	m := NewManager(testOptions(srv.url()))

	require.NoError(t, m.Connect(context.Background(), chat.Session{Token: "good"}))
	srv.next(t)

	m.Disconnect()
	assert.Equal(t, chat.Disconnected, m.State())

	select {
	case <-srv.conns:
		t.Fatal("manager dialed again after Disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectDuringFirstDial(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-release
		if conn, err := upgrader.Upgrade(w, r, nil); err == nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	opts := testOptions("ws" + strings.TrimPrefix(srv.URL, "http"))
	opts.HandshakeTimeout = 10 * time.Second
	m := NewManager(opts)

	var hooks atomic.Int32
	m.OnConnected(func(uint64, bool) { hooks.Add(1) })

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background(), chat.Session{Token: "good"}) }()

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never reached the server")
	}

	start := time.Now()
	m.Disconnect()
	assert.Less(t, time.Since(start), 2*time.Second, "Disconnect waited for the handshake timeout")

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.Equal(t, chat.Disconnected, m.State())
	assert.Zero(t, hooks.Load())
}

func TestScheduleIsCappedAndJittered(t *testing.T) {
	sched := newSchedule(time.Second, 30*time.Second)
	sched.jitter = func(d time.Duration) time.Duration { return d }

	var steps []time.Duration
	for i := 0; i < 8; i++ {
		steps = append(steps, sched.Next())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, steps)

	sched.Reset()
	assert.Equal(t, time.Second, sched.Next())

	for i := 0; i < 100; i++ {
		d := fullJitter(time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}
