package room

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

// Conn is the part of the connection manager the tracker writes through.
type Conn interface {
	State() chat.ConnectionState
	Epoch() uint64
	Send(event string, room chat.RoomKey, payload any) error
}

// Membership is one chat surface's hold on a room. Its context is canceled when the
// surface leaves, which lets in-flight work for the room be abandoned.
type Membership struct {
	id      uint64
	surface string
	key     chat.RoomKey
	ctx     context.Context
	cancel  context.CancelFunc
}

func (m *Membership) Room() chat.RoomKey { return m.key }

func (m *Membership) Surface() string { return m.surface }

// Context is canceled once the membership is left or replaced.
func (m *Membership) Context() context.Context { return m.ctx }

// Active reports whether the membership is still the surface's current room.
func (m *Membership) Active() bool { return m.ctx.Err() == nil }

type roomEntry struct {
	refs      int
	order     uint64
	sentEpoch uint64
}

// Tracker enforces one active room per chat surface and keeps the server's view of joined
// rooms in step with the connection: joins made while offline are sent once connected, and
// every joined room is joined again on each new transport.
type Tracker struct {
	conn Conn
	log  *zap.Logger

	mu       sync.Mutex
	seq      uint64
	surfaces map[string]*Membership
	rooms    map[chat.RoomKey]*roomEntry
	onLeft   []func(chat.RoomKey)
}

// NewTracker returns a Tracker writing through conn.
func NewTracker(conn Conn, log *zap.Logger) *Tracker {
	return &Tracker{
		conn:     conn,
		log:      logger.OrNop(log).Named("room"),
		surfaces: make(map[string]*Membership),
		rooms:    make(map[chat.RoomKey]*roomEntry),
	}
}

// OnRoomLeft registers fn, called after the last surface holding a room leaves it.
func (t *Tracker) OnRoomLeft(fn func(chat.RoomKey)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLeft = append(t.onLeft, fn)
}

// Join makes key the active room of surface. A different room already held by the surface is
// left first. Joining the room the surface already holds returns the existing membership.
func (t *Tracker) Join(surface string, key chat.RoomKey) (*Membership, error) {
	if surface == "" {
		return nil, errors.New("surface is required")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	var left []chat.RoomKey
	if cur := t.surfaces[surface]; cur != nil {
		if cur.key == key {
			t.mu.Unlock()
			return cur, nil
		}
		if t.leaveLocked(cur) {
			left = append(left, cur.key)
		}
	}

	t.seq++
	ctx, cancel := context.WithCancel(context.Background())
	m := &Membership{id: t.seq, surface: surface, key: key, ctx: ctx, cancel: cancel}
	t.surfaces[surface] = m

	entry := t.rooms[key]
	if entry == nil {
		entry = &roomEntry{order: t.seq}
		t.rooms[key] = entry
	}
	entry.refs++
	t.flushLocked(key, entry)
	callbacks := append([]func(chat.RoomKey){}, t.onLeft...)
	t.mu.Unlock()

	notifyLeft(callbacks, left)
	return m, nil
}

// Leave releases m. Leaving a membership that was already left or replaced is a no-op.
func (t *Tracker) Leave(m *Membership) {
	if m == nil {
		return
	}

	t.mu.Lock()
	var left []chat.RoomKey
	if t.leaveLocked(m) {
		left = append(left, m.key)
	}
	callbacks := append([]func(chat.RoomKey){}, t.onLeft...)
	t.mu.Unlock()

	notifyLeft(callbacks, left)
}

// Rejoin sends join for every held room not yet joined on the current transport, in the
// order the rooms were first joined. It is meant to run as a connection hook.
func (t *Tracker) Rejoin() {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]chat.RoomKey, 0, len(t.rooms))
	for key := range t.rooms {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return t.rooms[keys[i]].order < t.rooms[keys[j]].order })

	for _, key := range keys {
		t.flushLocked(key, t.rooms[key])
	}
}

// Joined reports whether any surface holds key.
func (t *Tracker) Joined(key chat.RoomKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rooms[key]
	return ok
}

// Active returns the membership currently held by surface.
func (t *Tracker) Active(surface string) (*Membership, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.surfaces[surface]
	return m, ok
}

// Rooms lists held rooms in first-join order.
func (t *Tracker) Rooms() []chat.RoomKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]chat.RoomKey, 0, len(t.rooms))
	for key := range t.rooms {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return t.rooms[keys[i]].order < t.rooms[keys[j]].order })
	return keys
}

// leaveLocked drops m and reports whether its room is no longer held by any surface.
func (t *Tracker) leaveLocked(m *Membership) bool {
	if t.surfaces[m.surface] != m {
		return false
	}
	delete(t.surfaces, m.surface)
	m.cancel()

	entry := t.rooms[m.key]
	if entry == nil {
		return false
	}
	entry.refs--
	if entry.refs > 0 {
		return false
	}
	delete(t.rooms, m.key)

	// Best effort: a leave is only meaningful on the transport the join went out on.
	if t.conn.State() == chat.Connected && entry.sentEpoch == t.conn.Epoch() {
		if err := t.conn.Send(chat.EventLeave, m.key, nil); err != nil {
			t.log.Debug("leave not sent", zap.String("room", m.key.String()), zap.Error(err))
		}
	}
	return true
}

func (t *Tracker) flushLocked(key chat.RoomKey, entry *roomEntry) {
	if t.conn.State() != chat.Connected {
		t.log.Debug("join queued", zap.String("room", key.String()))
		return
	}
	epoch := t.conn.Epoch()
	if entry.sentEpoch == epoch {
		return
	}
	if err := t.conn.Send(chat.EventJoin, key, nil); err != nil {
		t.log.Warn("join not sent, will retry on reconnect", zap.String("room", key.String()), zap.Error(err))
		return
	}
	entry.sentEpoch = epoch
	t.log.Debug("joined", zap.String("room", key.String()), zap.Uint64("epoch", epoch))
}

func notifyLeft(callbacks []func(chat.RoomKey), keys []chat.RoomKey) {
	for _, key := range keys {
		for _, fn := range callbacks {
			fn(key)
		}
	}
}
