package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

const (
	defaultInterval = 2 * time.Second
	defaultTTL      = 3 * time.Second
	defaultSweep    = 500 * time.Millisecond
)

// Publisher writes to the live channel.
type Publisher interface {
	Send(event string, room chat.RoomKey, payload any) error
}

// Listener receives the sorted names of users typing in a room whenever the set changes.
type Listener func(users []string)

// Options configures a Tracker.
type Options struct {
	// Interval is the minimum spacing of outbound typing events per room.
	Interval time.Duration
	// TTL is how long a received typing signal stays visible without a refresh.
	TTL time.Duration
	// SweepInterval bounds the wait between sweeps of Run. Signals are dropped at their expiry
	// regardless.
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

func (o Options) norm() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweep
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Tracker emits rate-limited typing events and keeps the set of users typing per room.
// Nothing is persisted or acknowledged.
type Tracker struct {
	pub  Publisher
	self chat.Session
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	limiters  map[chat.RoomKey]*rate.Limiter
	signals   map[chat.RoomKey]map[string]chat.TypingSignal
	listeners map[chat.RoomKey]map[int]Listener
	nextID    int
	wake      chan struct{}
}

// NewTracker returns a Tracker announcing typing as self.
func NewTracker(pub Publisher, self chat.Session, opts Options) *Tracker {
	opts = opts.norm()
	return &Tracker{
		pub:       pub,
		self:      self,
		opts:      opts,
		log:       logger.OrNop(opts.Logger).Named("presence"),
		limiters:  make(map[chat.RoomKey]*rate.Limiter),
		signals:   make(map[chat.RoomKey]map[string]chat.TypingSignal),
		listeners: make(map[chat.RoomKey]map[int]Listener),
		wake:      make(chan struct{}, 1),
	}
}

// NotifyTyping emits a typing event for room unless one was emitted within the interval.
// It reports whether an event was sent.
func (t *Tracker) NotifyTyping(room chat.RoomKey) (bool, error) {
	t.mu.Lock()
	lim, ok := t.limiters[room]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.opts.Interval), 1)
		t.limiters[room] = lim
	}
	allowed := lim.AllowN(t.opts.Now(), 1)
	t.mu.Unlock()

	if !allowed {
		return false, nil
	}
	err := t.pub.Send(chat.EventTyping, room, chat.TypingPayload{
		Room:     room,
		UserID:   t.self.UserID,
		UserName: t.self.Name,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Receive records a typing notice, refreshing the expiry of a user already typing.
// Notices about the local user are ignored.
func (t *Tracker) Receive(p chat.TypingPayload) {
	if p.Room == "" || p.UserName == "" {
		return
	}
	if p.UserID != "" && p.UserID == t.self.UserID {
		return
	}
	who := p.UserID
	if who == "" {
		who = p.UserName
	}

	now := t.opts.Now()
	t.mu.Lock()
	room := t.signals[p.Room]
	if room == nil {
		room = make(map[string]chat.TypingSignal)
		t.signals[p.Room] = room
	}
	prev, seen := room[who]
	room[who] = chat.TypingSignal{
		Room:      p.Room,
		UserID:    p.UserID,
		UserName:  p.UserName,
		ExpiresAt: now.Add(t.opts.TTL),
	}
	changed := !seen || !now.Before(prev.ExpiresAt) || prev.UserName != p.UserName
	var call []Listener
	var users []string
	if changed {
		call, users = t.notifyLocked(p.Room, now)
	}
	t.mu.Unlock()

	if !seen {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
	for _, fn := range call {
		fn(users)
	}
}

// Sweep drops signals expired at now and notifies the rooms that changed.
func (t *Tracker) Sweep(now time.Time) {
	type update struct {
		call  []Listener
		users []string
	}
	var updates []update

	t.mu.Lock()
	for key, room := range t.signals {
		removed := false
		for who, sig := range room {
			if !now.Before(sig.ExpiresAt) {
				delete(room, who)
				removed = true
			}
		}
		if len(room) == 0 {
			delete(t.signals, key)
		}
		if removed {
			call, users := t.notifyLocked(key, now)
			updates = append(updates, update{call, users})
		}
	}
	t.mu.Unlock()

	for _, u := range updates {
		for _, fn := range u.call {
			fn(u.users)
		}
	}
}

// Run drops expired signals as they expire until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	timer := time.NewTimer(t.nextSweep())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			t.Sweep(t.opts.Now())
		}
		timer.Reset(t.nextSweep())
	}
}

// nextSweep returns the wait until the earliest signal expires, capped at the sweep interval.
func (t *Tracker) nextSweep() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	wait := t.opts.SweepInterval
	now := t.opts.Now()
	for _, room := range t.signals {
		for _, sig := range room {
			if d := sig.ExpiresAt.Sub(now); d < wait {
				wait = d
			}
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Users returns the sorted names of users typing in room.
func (t *Tracker) Users(room chat.RoomKey) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usersLocked(room, t.opts.Now())
}

// Subscribe calls fn with the users typing in room now and after every change.
func (t *Tracker) Subscribe(room chat.RoomKey, fn Listener) (cancel func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	if t.listeners[room] == nil {
		t.listeners[room] = make(map[int]Listener)
	}
	t.listeners[room][id] = fn
	users := t.usersLocked(room, t.opts.Now())
	t.mu.Unlock()

	fn(users)
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners[room], id)
		if len(t.listeners[room]) == 0 {
			delete(t.listeners, room)
		}
	}
}

// Forget drops all state for room, typically after leaving it.
func (t *Tracker) Forget(room chat.RoomKey) {
	t.mu.Lock()
	delete(t.limiters, room)
	_, had := t.signals[room]
	delete(t.signals, room)
	var call []Listener
	if had {
		call, _ = t.notifyLocked(room, t.opts.Now())
	}
	t.mu.Unlock()

	for _, fn := range call {
		fn(nil)
	}
	if had {
		t.log.Debug("typing state cleared", zap.String("room", room.String()))
	}
}

func (t *Tracker) notifyLocked(room chat.RoomKey, now time.Time) ([]Listener, []string) {
	ls := t.listeners[room]
	if len(ls) == 0 {
		return nil, nil
	}
	call := make([]Listener, 0, len(ls))
	for _, fn := range ls {
		call = append(call, fn)
	}
	return call, t.usersLocked(room, now)
}

func (t *Tracker) usersLocked(room chat.RoomKey, now time.Time) []string {
	var users []string
	for _, sig := range t.signals[room] {
		if now.Before(sig.ExpiresAt) {
			users = append(users, sig.UserName)
		}
	}
	sort.Strings(users)
	return users
}
