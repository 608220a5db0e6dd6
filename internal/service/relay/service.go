package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

var ErrNotMember = errors.New("not a member of the room")

// Service is the server side of the chat contracts: persisting and listing room
// messages, and routing live events between the peers of a room.
type Service struct {
	repo         Repository
	hub          *Hub
	historyLimit int
	log          *zap.Logger
}

// NewService wires repo and hub. historyLimit bounds History responses.
func NewService(repo Repository, hub *Hub, historyLimit int, log *zap.Logger) *Service {
	return &Service{
		repo:         repo,
		hub:          hub,
		historyLimit: historyLimit,
		log:          logger.OrNop(log).Named("relay"),
	}
}

func (s *Service) Hub() *Hub { return s.hub }

// History lists the most recent messages of room.
func (s *Service) History(ctx context.Context, room chat.RoomKey) ([]chat.Message, error) {
	if err := room.Validate(); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, room, s.historyLimit)
}

// Persist stores content in room as sent by session.
func (s *Service) Persist(ctx context.Context, session chat.Session, room chat.RoomKey, content, clientID string) (chat.Message, error) {
	if err := room.Validate(); err != nil {
		return chat.Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, chat.ErrEmptyMessage
	}

	msg, err := s.repo.Save(ctx, chat.Message{
		ClientID:   clientID,
		Room:       room,
		SenderID:   session.UserID,
		SenderRole: session.Role,
		SenderName: session.Name,
		Content:    content,
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("persist message: %w", err)
	}
	s.log.Debug("message persisted", zap.String("room", room.String()), zap.String("id", msg.ID))
	return msg, nil
}

// Join adds p to room.
func (s *Service) Join(p *Peer, room chat.RoomKey) error {
	if err := room.Validate(); err != nil {
		return err
	}
	s.hub.Join(p, room)
	return nil
}

// Leave removes p from room.
func (s *Service) Leave(p *Peer, room chat.RoomKey) {
	s.hub.Leave(p, room)
}

// Publish broadcasts the stored copy of message id to every member of room, the sender
// included. Only members may publish and only persisted messages are relayed.
func (s *Service) Publish(ctx context.Context, p *Peer, room chat.RoomKey, id string) error {
	if !s.hub.Member(p, room) {
		return ErrNotMember
	}
	msg, err := s.repo.Get(ctx, room, id)
	if err != nil {
		return err
	}

	env, err := chat.NewEnvelope(chat.EventMessage, room, msg)
	if err != nil {
		return err
	}
	n := s.hub.Broadcast(env, nil)
	s.log.Debug("message relayed", zap.String("room", room.String()), zap.String("id", id), zap.Int("peers", n))
	return nil
}

// Typing tells the other members of room that p is typing.
func (s *Service) Typing(p *Peer, room chat.RoomKey) error {
	if !s.hub.Member(p, room) {
		return ErrNotMember
	}
	env, err := chat.NewEnvelope(chat.EventTypingNotice, room, chat.TypingPayload{
		Room:     room,
		UserID:   p.Session.UserID,
		UserName: p.Session.Name,
	})
	if err != nil {
		return err
	}
	s.hub.Broadcast(env, p)
	return nil
}
