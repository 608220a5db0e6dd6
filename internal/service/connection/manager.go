package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

// Options configures the live channel.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	Logger           *zap.Logger
}

// DefaultOptions returns the production timeouts for url.
func DefaultOptions(url string) Options {
	return Options{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     25 * time.Second,
		BackoffBase:      time.Second,
		BackoffMax:       30 * time.Second,
	}
}

func (o *Options) norm() {
	def := DefaultOptions(o.URL)
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = def.BackoffBase
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
}

// Handler receives inbound events. Handlers run on the read goroutine and must not block.
type Handler func(chat.Envelope)

// StateListener observes connection state transitions.
type StateListener func(chat.ConnectionState)

// ConnectHook runs after every successful dial, before inbound events are read.
// epoch increases by one per transport; reconnect is false for the first transport of a Connect.
type ConnectHook func(epoch uint64, reconnect bool)

// Manager owns the single websocket of a client session. It is the stable handle the rest of
// the core talks to: the underlying transport is swapped on reconnect without changing identity.
type Manager struct {
	opts   Options
	log    *zap.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	state     chat.ConnectionState
	session   chat.Session
	conn      *websocket.Conn
	epoch     uint64
	fatal     error
	cancel    context.CancelFunc
	done      chan struct{}
	listeners map[int]StateListener
	nextID    int

	notifyMu sync.Mutex
	writeMu  sync.Mutex

	hmu      sync.RWMutex
	handlers map[string][]Handler
	hooks    []ConnectHook
}

// NewManager creates a disconnected Manager.
func NewManager(opts Options) *Manager {
	opts.norm()
	return &Manager{
		opts: opts,
		log:  logger.OrNop(opts.Logger).Named("connection"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		listeners: make(map[int]StateListener),
		handlers:  make(map[string][]Handler),
	}
}

// Handle registers fn for inbound events named event.
func (m *Manager) Handle(event string, fn Handler) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.handlers[event] = append(m.handlers[event], fn)
}

// OnConnected registers a hook run after each successful dial.
func (m *Manager) OnConnected(fn ConnectHook) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// SubscribeState calls fn on every transition, starting with the current state.
func (m *Manager) SubscribeState(fn StateListener) (cancel func()) {
	m.notifyMu.Lock()
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	current := m.state
	m.mu.Unlock()
	fn(current)
	m.notifyMu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// State returns the current connection state.
func (m *Manager) State() chat.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Epoch identifies the current transport. It changes on every successful dial.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Err returns the fatal error that moved the manager to Disconnected, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// Connect dials the live channel with the session credential. A rejected credential returns
// chat.ErrAuthRejected and leaves the manager Disconnected. Transport failures are not returned:
// the manager keeps retrying in the background until Disconnect.
func (m *Manager) Connect(ctx context.Context, session chat.Session) error {
	m.mu.Lock()
	if m.state != chat.Disconnected {
		m.mu.Unlock()
		return errors.New("connection already open")
	}
	if session.Expired(time.Now()) {
		m.fatal = fmt.Errorf("%w: credential expired", chat.ErrAuthRejected)
		err := m.fatal
		m.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.session = session
	m.fatal = nil
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.setState(chat.Connecting)

	dialCtx, stopDial := context.WithCancel(runCtx)
	unhook := context.AfterFunc(ctx, stopDial)
	conn, err := m.dial(dialCtx)
	unhook()
	stopDial()

	switch {
	case runCtx.Err() != nil:
		// Disconnect won the race with the first dial.
		if conn != nil {
			_ = conn.Close()
		}
		close(m.done)
		return runCtx.Err()
	case errors.Is(err, chat.ErrAuthRejected):
		m.fail(err)
		close(m.done)
		return err
	case err != nil && ctx.Err() != nil:
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
		cancel()
		close(m.done)
		m.setState(chat.Disconnected)
		return ctx.Err()
	case err != nil:
		m.log.Warn("initial dial failed, retrying", zap.Error(err))
	}

	go m.run(runCtx, conn)
	return nil
}

// Disconnect closes the transport and stops reconnecting. It is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	<-done
	m.setState(chat.Disconnected)
}

// Send frames payload as event for room and writes it on the current transport.
// It returns chat.ErrNotConnected unless the state is Connected.
func (m *Manager) Send(event string, room chat.RoomKey, payload any) error {
	env, err := chat.NewEnvelope(event, room, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != chat.Connected || conn == nil {
		return chat.ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		// Unblocks the read loop so the run loop notices and reconnects.
		_ = conn.Close()
		return fmt.Errorf("%w: %v", chat.ErrTransportLost, err)
	}
	return nil
}

func (m *Manager) run(ctx context.Context, conn *websocket.Conn) {
	defer close(m.done)

	sched := newSchedule(m.opts.BackoffBase, m.opts.BackoffMax)
	connectedBefore := false

	for {
		if conn != nil {
			if !m.attach(ctx, conn, connectedBefore) {
				_ = conn.Close()
				return
			}
			connectedBefore = true
			sched.Reset()

			err := m.serve(ctx, conn)
			m.detach(conn)
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("transport lost", zap.Error(err))
			conn = nil
		}

		m.setState(chat.Reconnecting)
		wait := sched.Next()
		m.log.Debug("reconnect scheduled", zap.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c, err := m.dial(ctx)
		switch {
		case ctx.Err() != nil:
			if c != nil {
				_ = c.Close()
			}
			return
		case errors.Is(err, chat.ErrAuthRejected):
			m.fail(err)
			return
		case err != nil:
			m.log.Warn("reconnect failed", zap.Error(err))
			continue
		}
		conn = c
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	m.mu.Lock()
	token, url := m.session.Token, m.opts.URL
	m.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := m.dialer.DialContext(dialCtx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", chat.ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: websocket dial failed: %v", chat.ErrTransportLost, err)
	}
	return conn, nil
}

// attach installs conn as the current transport and runs the connect hooks. It reports false,
// leaving conn unattached, once Disconnect has been called.
func (m *Manager) attach(ctx context.Context, conn *websocket.Conn, reconnect bool) bool {
	m.mu.Lock()
	if m.cancel == nil || ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	m.setState(chat.Connected)
	m.log.Info("connected", zap.Uint64("epoch", epoch), zap.Bool("reconnect", reconnect))

	m.hmu.RLock()
	hooks := append([]ConnectHook(nil), m.hooks...)
	m.hmu.RUnlock()
	for _, hook := range hooks {
		hook(epoch, reconnect)
	}
	return true
}

func (m *Manager) detach(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

// serve reads inbound frames until the transport fails.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go m.pingLoop(pingCtx, conn)

	for {
		var env chat.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env chat.Envelope) {
	m.hmu.RLock()
	handlers := m.handlers[env.Event]
	m.hmu.RUnlock()

	if len(handlers) == 0 {
		m.log.Debug("unhandled event", zap.String("event", env.Event), zap.String("room", env.Room.String()))
		return
	}
	for _, h := range handlers {
		h(env)
	}
}

// pingLoop sends periodic pings. The transport is closed when a ping fails or ctx ends,
// which also unblocks the read loop.
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.fatal = err
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	m.log.Error("connection rejected", zap.Error(err))
	m.setState(chat.Disconnected)
}

func (m *Manager) setState(next chat.ConnectionState) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	listeners := make([]StateListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
}
