package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/nss-chat/backend/internal/config"
	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
	"github.com/zhouzirui/nss-chat/backend/internal/service/connection"
	"github.com/zhouzirui/nss-chat/backend/internal/service/delivery"
	"github.com/zhouzirui/nss-chat/backend/internal/service/presence"
	"github.com/zhouzirui/nss-chat/backend/internal/service/rest"
	"github.com/zhouzirui/nss-chat/backend/internal/service/room"
	"github.com/zhouzirui/nss-chat/backend/internal/service/store"
)

// Options configures a Client.
type Options struct {
	APIBaseURL  string
	RealtimeURL string

	HTTPTimeout      time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	TypingInterval   time.Duration
	TypingTTL        time.Duration

	Logger *zap.Logger
	// OnError receives failures of background work, such as a history load started by Join.
	OnError func(room chat.RoomKey, err error)
}

// OptionsFromConfig maps the client section of the configuration.
func OptionsFromConfig(cfg config.ClientConfig, log *zap.Logger) Options {
	return Options{
		APIBaseURL:       cfg.APIBaseURL,
		RealtimeURL:      cfg.RealtimeURL,
		HTTPTimeout:      cfg.HTTPTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		ReadTimeout:      cfg.ReadTimeout,
		BackoffBase:      cfg.BackoffBase,
		BackoffMax:       cfg.BackoffMax,
		TypingInterval:   cfg.TypingInterval,
		TypingTTL:        cfg.TypingTTL,
		Logger:           log,
	}
}

// Client is the process-wide chat core for one session: it owns the single live connection
// and the room, message and typing state built on top of it. Create one at sign-in and
// Close it at sign-out; every chat surface shares it.
type Client struct {
	session chat.Session
	log     *zap.Logger
	onError func(chat.RoomKey, error)

	conn     *connection.Manager
	rooms    *room.Tracker
	api      *rest.Client
	store    *store.Store
	delivery *delivery.Coordinator
	typing   *presence.Tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New wires a Client for session. Nothing touches the network until Start.
func New(session chat.Session, opts Options) *Client {
	log := logger.OrNop(opts.Logger)
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		session: session,
		log:     log.Named("client"),
		onError: opts.OnError,
		ctx:     ctx,
		cancel:  cancel,
	}

	realtimeURL := opts.RealtimeURL
	if realtimeURL == "" {
		realtimeURL = config.RealtimeURLFor(opts.APIBaseURL)
	}
	c.conn = connection.NewManager(connection.Options{
		URL:              realtimeURL,
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadTimeout:      opts.ReadTimeout,
		PingInterval:     opts.PingInterval,
		BackoffBase:      opts.BackoffBase,
		BackoffMax:       opts.BackoffMax,
		Logger:           log,
	})
	c.rooms = room.NewTracker(c.conn, log)
	c.api = rest.NewClient(opts.APIBaseURL, session, opts.HTTPTimeout, log)
	c.store = store.New(c.api, log)
	c.delivery = delivery.NewCoordinator(c.store, c.api, c.conn, session, delivery.Options{Logger: log})
	c.typing = presence.NewTracker(c.conn, session, presence.Options{
		Interval: opts.TypingInterval,
		TTL:      opts.TypingTTL,
		Logger:   log,
	})

	c.conn.Handle(chat.EventMessage, c.handleMessage)
	c.conn.Handle(chat.EventTypingNotice, c.handleTypingNotice)
	c.conn.Handle(chat.EventError, c.handleServerError)
	c.conn.OnConnected(c.handleConnected)
	c.rooms.OnRoomLeft(func(key chat.RoomKey) {
		c.store.Reset(key)
		c.typing.Forget(key)
	})
	return c
}

// Start connects the live channel and starts the typing sweep. A rejected credential is
// returned as chat.ErrAuthRejected; transport failures are retried in the background.
func (c *Client) Start(ctx context.Context) error {
	if err := c.ctx.Err(); err != nil {
		return errors.New("chat client closed")
	}
	if err := c.conn.Connect(ctx, c.session); err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.typing.Run(c.ctx)
	}()
	return nil
}

// Close disconnects and waits for background work to stop. It is safe to call repeatedly.
func (c *Client) Close() {
	c.once.Do(func() {
		c.conn.Disconnect()
		c.cancel()
		c.wg.Wait()
	})
}

// Session returns the identity the client acts as.
func (c *Client) Session() chat.Session { return c.session }

// Join makes key the active room of surface and loads its history in the background.
// The previous room of surface, if any, is left first.
func (c *Client) Join(surface string, key chat.RoomKey) (*room.Membership, error) {
	m, err := c.rooms.Join(surface, key)
	if err != nil {
		return nil, err
	}
	c.loadInBackground(m.Context(), key)
	return m, nil
}

// Leave releases m. Its in-flight history load is discarded.
func (c *Client) Leave(m *room.Membership) {
	c.rooms.Leave(m)
}

// Send posts content to key. See delivery.Coordinator.Send.
func (c *Client) Send(ctx context.Context, key chat.RoomKey, content string) (chat.Message, error) {
	return c.delivery.Send(ctx, key, content)
}

// Retry re-sends a failed message.
func (c *Client) Retry(ctx context.Context, key chat.RoomKey, tempID string) (chat.Message, error) {
	return c.delivery.Retry(ctx, key, tempID)
}

// NotifyTyping announces that the user is typing in key, at most once per typing interval.
func (c *Client) NotifyTyping(key chat.RoomKey) error {
	_, err := c.typing.NotifyTyping(key)
	return err
}

// Messages returns the ordered messages of key.
func (c *Client) Messages(key chat.RoomKey) []chat.Message { return c.store.Snapshot(key) }

// TypingUsers returns the names of users typing in key.
func (c *Client) TypingUsers(key chat.RoomKey) []string { return c.typing.Users(key) }

// State returns the connection state.
func (c *Client) State() chat.ConnectionState { return c.conn.State() }

// Err returns the fatal connection error, if any.
func (c *Client) Err() error { return c.conn.Err() }

func (c *Client) SubscribeMessages(key chat.RoomKey, fn store.Listener) (cancel func()) {
	return c.store.Subscribe(key, fn)
}

func (c *Client) SubscribeTyping(key chat.RoomKey, fn presence.Listener) (cancel func()) {
	return c.typing.Subscribe(key, fn)
}

func (c *Client) SubscribeState(fn connection.StateListener) (cancel func()) {
	return c.conn.SubscribeState(fn)
}

func (c *Client) handleConnected(epoch uint64, reconnect bool) {
	c.rooms.Rejoin()
	if !reconnect {
		return
	}
	// Messages sent while the transport was down only reach us through history.
	for _, key := range c.rooms.Rooms() {
		c.loadInBackground(c.ctx, key)
	}
	c.log.Debug("rooms restored", zap.Uint64("epoch", epoch))
}

func (c *Client) handleMessage(env chat.Envelope) {
	var msg chat.Message
	if err := env.Decode(&msg); err != nil {
		c.log.Warn("bad message event", zap.Error(err))
		return
	}
	if msg.Room == "" {
		msg.Room = env.Room
	}
	if !c.rooms.Joined(msg.Room) {
		return
	}
	c.store.Receive(msg)
}

func (c *Client) handleTypingNotice(env chat.Envelope) {
	var p chat.TypingPayload
	if err := env.Decode(&p); err != nil {
		c.log.Debug("bad typing notice", zap.Error(err))
		return
	}
	if p.Room == "" {
		p.Room = env.Room
	}
	if !c.rooms.Joined(p.Room) {
		return
	}
	c.typing.Receive(p)
}

func (c *Client) handleServerError(env chat.Envelope) {
	var body struct {
		Event   string `json:"event"`
		Message string `json:"message"`
	}
	_ = env.Decode(&body)
	c.log.Warn("server rejected event",
		zap.String("room", env.Room.String()),
		zap.String("event", body.Event),
		zap.String("message", body.Message),
	)
}

func (c *Client) loadInBackground(parent context.Context, key chat.RoomKey) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(c.ctx, cancel)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer stop()

		if _, err := c.store.LoadHistory(ctx, key); err != nil {
			c.report(key, err)
		}
	}()
}

func (c *Client) report(key chat.RoomKey, err error) {
	if errors.Is(err, store.ErrAbandoned) || errors.Is(err, context.Canceled) {
		return
	}
	c.log.Warn("background work failed", zap.String("room", key.String()), zap.Error(err))
	if c.onError != nil {
		c.onError(key, err)
	}
}
