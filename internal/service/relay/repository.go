package relay

import (
	"context"
	"errors"

	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

var ErrMessageNotFound = errors.New("message not found")

// Repository persists room messages. Save assigns the authoritative id and creation time.
type Repository interface {
	Save(ctx context.Context, msg chat.Message) (chat.Message, error)
	// History returns the last limit messages of room ordered by (CreatedAt, ID).
	History(ctx context.Context, room chat.RoomKey, limit int) ([]chat.Message, error)
	Get(ctx context.Context, room chat.RoomKey, id string) (chat.Message, error)
}
