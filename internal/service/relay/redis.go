package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

// RedisRepository stores each room as a list of ids plus a hash of id -> message JSON.
// Ids come from one INCR counter so they are numeric and increase across rooms.
type RedisRepository struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisRepository returns a repository keeping its keys under prefix (e.g. "nss:chat:").
func NewRedisRepository(client *redis.Client, prefix string) *RedisRepository {
	return &RedisRepository{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisRepository) seqKey() string { return r.prefix + "seq" }

func (r *RedisRepository) idsKey(room chat.RoomKey) string {
	return r.prefix + "room:" + room.String() + ":ids"
}

func (r *RedisRepository) msgsKey(room chat.RoomKey) string {
	return r.prefix + "room:" + room.String() + ":msgs"
}

// Save assigns the next id and appends msg to its room atomically.
func (r *RedisRepository) Save(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if err := msg.Room.Validate(); err != nil {
		return chat.Message{}, err
	}

	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return chat.Message{}, fmt.Errorf("allocate message id: %w", err)
	}
	msg.ID = strconv.FormatInt(seq, 10)
	msg.CreatedAt = r.now().UTC()
	msg.State = chat.Confirmed

	b, err := json.Marshal(msg)
	if err != nil {
		return chat.Message{}, fmt.Errorf("encode message: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.msgsKey(msg.Room), msg.ID, b)
		pipe.RPush(ctx, r.idsKey(msg.Room), msg.ID)
		return nil
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("store message: %w", err)
	}
	return msg, nil
}

// History returns the newest limit messages of room, oldest first.
func (r *RedisRepository) History(ctx context.Context, room chat.RoomKey, limit int) ([]chat.Message, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	ids, err := r.client.LRange(ctx, r.idsKey(room), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list message ids: %w", err)
	}
	if len(ids) == 0 {
		return []chat.Message{}, nil
	}

	vals, err := r.client.HMGet(ctx, r.msgsKey(room), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	messages := make([]chat.Message, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// list and hash drifted apart; skip the orphan id
			continue
		}
		var msg chat.Message
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", ids[i], err)
		}
		messages = append(messages, msg)
	}
	chat.SortMessages(messages)
	return messages, nil
}

// Get retrieves a message of room by id.
func (r *RedisRepository) Get(ctx context.Context, room chat.RoomKey, id string) (chat.Message, error) {
	s, err := r.client.HGet(ctx, r.msgsKey(room), id).Result()
	if errors.Is(err, redis.Nil) {
		return chat.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("load message %s: %w", id, err)
	}

	var msg chat.Message
	if err := json.Unmarshal([]byte(s), &msg); err != nil {
		return chat.Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return msg, nil
}
