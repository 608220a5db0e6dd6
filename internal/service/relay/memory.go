package relay

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

// MemoryRepository keeps messages in process, suitable for development and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	seq      uint64
	messages map[chat.RoomKey][]chat.Message
	now      func() time.Time
}

// NewMemoryRepository bootstraps an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		messages: make(map[chat.RoomKey][]chat.Message),
		now:      time.Now,
	}
}

// Save appends msg to its room under the next sequence id.
func (r *MemoryRepository) Save(_ context.Context, msg chat.Message) (chat.Message, error) {
	if err := msg.Room.Validate(); err != nil {
		return chat.Message{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	msg.ID = strconv.FormatUint(r.seq, 10)
	msg.CreatedAt = r.now().UTC()
	msg.State = chat.Confirmed

	r.messages[msg.Room] = append(r.messages[msg.Room], msg)
	return msg, nil
}

// History returns the newest limit messages of room, oldest first. A limit <= 0 returns all.
func (r *MemoryRepository) History(_ context.Context, room chat.RoomKey, limit int) ([]chat.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	messages := r.messages[room]
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	chat.SortMessages(copied)
	return copied, nil
}

// Get retrieves a message of room by id.
func (r *MemoryRepository) Get(_ context.Context, room chat.RoomKey, id string) (chat.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, msg := range r.messages[room] {
		if msg.ID == id {
			return msg, nil
		}
	}
	return chat.Message{}, ErrMessageNotFound
}
