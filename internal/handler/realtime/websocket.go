package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	"github.com/zhouzirui/nss-chat/backend/internal/middleware"
	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
	"github.com/zhouzirui/nss-chat/backend/internal/service/relay"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingPeriod   = 54 * time.Second
)

// WebSocketHandler 房间实时通道的WebSocket处理器
type WebSocketHandler struct {
	svc      *relay.Service
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(svc *relay.Service, log *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		svc: svc,
		log: logger.OrNop(log).Named("ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由，调用方负责挂载鉴权中间件
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type messageRef struct {
	ID string `json:"id"`
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.SessionFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	peer := relay.NewPeer(session)
	hub := h.svc.Hub()
	hub.Register(peer)
	defer hub.Unregister(peer)

	log := h.log.With(zap.String("peer", peer.ID), zap.String("user", session.UserID))
	log.Info("connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.writeLoop(ctx, cancel, conn, peer, log)

	for {
		var env chat.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("read error", zap.Error(err))
			}
			log.Info("connection closed")
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if err := h.handleEvent(ctx, peer, env); err != nil {
			log.Debug("event rejected", zap.String("event", env.Event), zap.String("room", env.Room.String()), zap.Error(err))
			h.sendError(peer, env, err)
		}
	}
}

func (h *WebSocketHandler) handleEvent(ctx context.Context, peer *relay.Peer, env chat.Envelope) error {
	switch env.Event {
	case chat.EventJoin:
		return h.svc.Join(peer, env.Room)
	case chat.EventLeave:
		h.svc.Leave(peer, env.Room)
		return nil
	case chat.EventMessage:
		var ref messageRef
		if err := env.Decode(&ref); err != nil {
			return err
		}
		if ref.ID == "" {
			return errors.New("message id is required")
		}
		return h.svc.Publish(ctx, peer, env.Room, ref.ID)
	case chat.EventTyping:
		return h.svc.Typing(peer, env.Room)
	default:
		return errors.New("unsupported event: " + env.Event)
	}
}

func (h *WebSocketHandler) sendError(peer *relay.Peer, env chat.Envelope, cause error) {
	reply, err := chat.NewEnvelope(chat.EventError, env.Room, map[string]string{
		"event":   env.Event,
		"message": cause.Error(),
	})
	if err != nil {
		return
	}
	h.svc.Hub().Send(peer, reply)
}

// writeLoop 串行写出队列中的帧并定期发送ping
func (h *WebSocketHandler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, peer *relay.Peer, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-peer.Done():
			conn.Close()
			return
		case frame := <-peer.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Info("write failed", zap.Error(err))
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				conn.Close()
				return
			}
		}
	}
}
