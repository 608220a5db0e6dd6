package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

// ErrNotRetryable is returned by Retry for entries that are missing or not in the failed state.
var ErrNotRetryable = errors.New("message is not retryable")

// Store is the part of the message store the coordinator mutates.
type Store interface {
	Append(msg chat.Message) error
	Confirm(tempID string, msg chat.Message) bool
	MarkFailed(key chat.RoomKey, tempID string) bool
	Remove(key chat.RoomKey, id string) (chat.Message, bool)
	Get(key chat.RoomKey, id string) (chat.Message, bool)
}

// Persister stores a message authoritatively.
type Persister interface {
	Persist(ctx context.Context, room chat.RoomKey, content, clientID string) (chat.Message, error)
}

// Publisher writes to the live channel.
type Publisher interface {
	Send(event string, room chat.RoomKey, payload any) error
}

// Options configures a Coordinator.
type Options struct {
	Logger *zap.Logger
	// NewID returns temporary ids for optimistic entries. Defaults to "tmp-<uuid>".
	NewID func() string
	Now   func() time.Time
}

// Coordinator runs the send path: optimistic append, persist, then confirm or fail.
// Sends are never retried automatically.
type Coordinator struct {
	store   Store
	persist Persister
	pub     Publisher
	session chat.Session
	log     *zap.Logger
	newID   func() string
	now     func() time.Time
}

// NewCoordinator returns a Coordinator sending as session.
func NewCoordinator(store Store, persist Persister, pub Publisher, session chat.Session, opts Options) *Coordinator {
	c := &Coordinator{
		store:   store,
		persist: persist,
		pub:     pub,
		session: session,
		log:     logger.OrNop(opts.Logger).Named("delivery"),
		newID:   opts.NewID,
		now:     opts.Now,
	}
	if c.newID == nil {
		c.newID = func() string { return "tmp-" + uuid.NewString() }
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Send appends content to room as a pending message and persists it. On success the pending
// entry is replaced by the authoritative message, which is then published to the room. On
// failure the entry stays in the store marked failed and the returned error wraps
// chat.ErrPersistFailed together with the cause. The returned message is the authoritative one
// on success and the failed local entry otherwise.
func (c *Coordinator) Send(ctx context.Context, room chat.RoomKey, content string) (chat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, chat.ErrEmptyMessage
	}
	if err := room.Validate(); err != nil {
		return chat.Message{}, err
	}

	tempID := c.newID()
	pending := chat.Message{
		ID:         tempID,
		ClientID:   tempID,
		Room:       room,
		SenderID:   c.session.UserID,
		SenderRole: c.session.Role,
		SenderName: c.session.Name,
		Content:    content,
		CreatedAt:  c.now(),
		State:      chat.Pending,
	}
	if err := c.store.Append(pending); err != nil {
		return chat.Message{}, err
	}
	return c.deliver(ctx, pending)
}

// Retry removes the failed entry tempID from room and sends its content again under a new
// temporary id.
func (c *Coordinator) Retry(ctx context.Context, room chat.RoomKey, tempID string) (chat.Message, error) {
	msg, ok := c.store.Get(room, tempID)
	if !ok || msg.State != chat.Failed {
		return chat.Message{}, ErrNotRetryable
	}
	if _, ok := c.store.Remove(room, tempID); !ok {
		return chat.Message{}, ErrNotRetryable
	}
	c.log.Debug("retrying send", zap.String("room", room.String()), zap.String("tempId", tempID))
	return c.Send(ctx, room, msg.Content)
}

func (c *Coordinator) deliver(ctx context.Context, pending chat.Message) (chat.Message, error) {
	stored, err := c.persist.Persist(ctx, pending.Room, pending.Content, pending.ClientID)
	if err != nil {
		c.store.MarkFailed(pending.Room, pending.ID)
		pending.State = chat.Failed
		c.log.Warn("persist failed",
			zap.String("room", pending.Room.String()),
			zap.String("tempId", pending.ID),
			zap.Error(err),
		)
		return pending, fmt.Errorf("%w: %w", chat.ErrPersistFailed, err)
	}

	stored.Room = pending.Room
	if stored.ClientID == "" {
		stored.ClientID = pending.ClientID
	}
	stored.State = chat.Confirmed
	if !c.store.Confirm(pending.ID, stored) {
		c.log.Debug("room left before persist completed",
			zap.String("room", stored.Room.String()),
			zap.String("id", stored.ID),
		)
		return stored, nil
	}

	if err := c.pub.Send(chat.EventMessage, stored.Room, stored); err != nil {
		// Persisted already; members catch up through history.
		c.log.Info("publish skipped",
			zap.String("room", stored.Room.String()),
			zap.String("id", stored.ID),
			zap.Error(err),
		)
	}
	return stored, nil
}
