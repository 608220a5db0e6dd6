package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

// ErrAbandoned is returned by LoadHistory when the room was reset while the request was in flight.
// The response is discarded.
var ErrAbandoned = errors.New("history load abandoned")

// HistoryFetcher serves persisted messages of a room.
type HistoryFetcher interface {
	History(ctx context.Context, room chat.RoomKey) ([]chat.Message, error)
}

// Listener receives the ordered message list of a room after every change.
// The slice is shared and must not be modified.
type Listener func([]chat.Message)

// Store keeps one ordered, id-deduplicated message list per room and merges history loads with
// live events. Mutations of a room are serialized and listeners are called in mutation order,
// so every observed list is sorted by (CreatedAt, ID).
//
// Listeners run while the room is locked: they may call Snapshot but must not mutate the same room.
type Store struct {
	history HistoryFetcher
	log     *zap.Logger
	group   singleflight.Group

	mu    sync.Mutex
	rooms map[chat.RoomKey]*room
}

type room struct {
	key chat.RoomKey

	mu        sync.Mutex
	messages  []chat.Message
	snapshot  atomic.Pointer[[]chat.Message]
	gen       uint64
	inflight  int
	buffer    []chat.Message
	listeners map[int]Listener
	nextID    int
}

// New returns a Store loading history through history.
func New(history HistoryFetcher, log *zap.Logger) *Store {
	return &Store{
		history: history,
		log:     logger.OrNop(log).Named("store"),
		rooms:   make(map[chat.RoomKey]*room),
	}
}

func (s *Store) room(key chat.RoomKey) *room {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[key]
	if !ok {
		r = &room{key: key, listeners: make(map[int]Listener)}
		empty := []chat.Message{}
		r.snapshot.Store(&empty)
		s.rooms[key] = r
	}
	return r
}

// Snapshot returns the current ordered messages of key.
func (s *Store) Snapshot(key chat.RoomKey) []chat.Message {
	snap := *s.room(key).snapshot.Load()
	return append([]chat.Message(nil), snap...)
}

// Get returns the message with id in key.
func (s *Store) Get(key chat.RoomKey, id string) (chat.Message, bool) {
	for _, m := range *s.room(key).snapshot.Load() {
		if m.ID == id {
			return m, true
		}
	}
	return chat.Message{}, false
}

// Subscribe calls fn with the current list of key and again after every change.
func (s *Store) Subscribe(key chat.RoomKey, fn Listener) (cancel func()) {
	r := s.room(key)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	fn(*r.snapshot.Load())
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Receive merges a live-pushed message. While a history load for the room is in flight the
// message is buffered and merged once the load resolves.
func (s *Store) Receive(msg chat.Message) {
	if msg.ID == "" || msg.Room == "" {
		s.log.Warn("dropping message without id or room", zap.String("room", msg.Room.String()))
		return
	}
	msg.State = chat.Confirmed

	r := s.room(msg.Room)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inflight > 0 {
		r.buffer = append(r.buffer, msg)
		return
	}
	if r.merge(msg) {
		r.publish()
	}
}

// Append inserts a locally originated message, typically pending.
func (s *Store) Append(msg chat.Message) error {
	if msg.ID == "" {
		return errors.New("message id is required")
	}

	r := s.room(msg.Room)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(msg.ID) >= 0 {
		return fmt.Errorf("message %s already in %s", msg.ID, msg.Room)
	}
	r.insert(msg)
	r.publish()
	return nil
}

// Confirm replaces the local entry tempID with the authoritative message. If the
// authoritative id is already present (its broadcast arrived first) the local entry is
// simply dropped. When neither is present the room was reset since the entry was appended;
// nothing is inserted and Confirm reports false.
func (s *Store) Confirm(tempID string, msg chat.Message) bool {
	msg.State = chat.Confirmed

	r := s.room(msg.Room)
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	if i := r.indexOf(tempID); i >= 0 && r.messages[i].Local() {
		r.removeAt(i)
		removed = true
	} else if r.indexOf(msg.ID) < 0 {
		return false
	}
	if r.merge(msg) || removed {
		r.publish()
	}
	return true
}

// MarkFailed flags the local entry tempID as failed. It reports whether the entry was found.
func (s *Store) MarkFailed(key chat.RoomKey, tempID string) bool {
	r := s.room(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(tempID)
	if i < 0 || !r.messages[i].Local() {
		return false
	}
	r.messages[i].State = chat.Failed
	r.publish()
	return true
}

// Remove deletes the message id from key and returns it.
func (s *Store) Remove(key chat.RoomKey, id string) (chat.Message, bool) {
	r := s.room(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return chat.Message{}, false
	}
	msg := r.messages[i]
	r.removeAt(i)
	r.publish()
	return msg, true
}

// Reset clears key and invalidates any history load still in flight for it.
// Listeners stay registered and observe an empty list.
func (s *Store) Reset(key chat.RoomKey) {
	r := s.room(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	r.inflight = 0
	r.buffer = nil
	if len(r.messages) > 0 {
		r.messages = nil
		r.publish()
	}
}

// LoadHistory fetches the persisted messages of key and merges them with what the store
// already holds. Live messages arriving meanwhile are buffered and merged after the response.
// Concurrent loads of one room share a single request. A response that resolves after ctx is
// done or after Reset(key) is discarded.
func (s *Store) LoadHistory(ctx context.Context, key chat.RoomKey) ([]chat.Message, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	r := s.room(key)

	r.mu.Lock()
	gen := r.gen
	r.inflight++
	r.mu.Unlock()

	flight := fmt.Sprintf("%s#%d", key, gen)
	ch := s.group.DoChan(flight, func() (any, error) {
		return s.history.History(context.WithoutCancel(ctx), key)
	})

	var (
		history []chat.Message
		err     error
	)
	select {
	case res := <-ch:
		if res.Err != nil {
			err = fmt.Errorf("%w: %w", chat.ErrHistoryLoadFailed, res.Err)
		} else {
			history = res.Val.([]chat.Message)
		}
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gen != gen {
		s.log.Debug("discarding stale history", zap.String("room", key.String()))
		return nil, ErrAbandoned
	}
	r.inflight--

	changed := false
	if err == nil {
		for _, msg := range history {
			msg.Room = key
			msg.State = chat.Confirmed
			if msg.ID == "" {
				continue
			}
			if r.merge(msg) {
				changed = true
			}
		}
	}
	if r.inflight == 0 {
		for _, msg := range r.buffer {
			if r.merge(msg) {
				changed = true
			}
		}
		r.buffer = nil
	}
	if changed {
		r.publish()
	}

	if err != nil {
		s.log.Warn("history load failed", zap.String("room", key.String()), zap.Error(err))
		return nil, err
	}
	return append([]chat.Message(nil), *r.snapshot.Load()...), nil
}

// merge applies an authoritative message and reports whether the list changed.
// An id already present is updated in place; a message whose ClientID names a local entry
// replaces that entry; anything else is inserted in order.
func (r *room) merge(msg chat.Message) bool {
	if i := r.indexOf(msg.ID); i >= 0 {
		if sameMessage(r.messages[i], msg) {
			return false
		}
		r.removeAt(i)
		r.insert(msg)
		return true
	}
	if msg.ClientID != "" && msg.ClientID != msg.ID {
		if i := r.indexOf(msg.ClientID); i >= 0 && r.messages[i].Local() {
			r.removeAt(i)
		}
	}
	r.insert(msg)
	return true
}

func (r *room) indexOf(id string) int {
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *room) insert(msg chat.Message) {
	i := sort.Search(len(r.messages), func(i int) bool { return msg.Before(r.messages[i]) })
	r.messages = append(r.messages, chat.Message{})
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = msg
}

func (r *room) removeAt(i int) {
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
}

func (r *room) publish() {
	snap := append([]chat.Message(nil), r.messages...)
	r.snapshot.Store(&snap)
	for _, l := range r.listeners {
		l(snap)
	}
}

func sameMessage(a, b chat.Message) bool {
	return a.ID == b.ID &&
		a.ClientID == b.ClientID &&
		a.Room == b.Room &&
		a.SenderID == b.SenderID &&
		a.SenderRole == b.SenderRole &&
		a.SenderName == b.SenderName &&
		a.Content == b.Content &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.State == b.State
}
