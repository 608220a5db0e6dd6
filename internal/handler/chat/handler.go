package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	"github.com/zhouzirui/nss-chat/backend/internal/middleware"
	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
	"github.com/zhouzirui/nss-chat/backend/internal/service/rest"
	"github.com/zhouzirui/nss-chat/backend/pkg/utils"
)

// MessageService 房间消息的持久化与查询
type MessageService interface {
	History(ctx context.Context, room chat.RoomKey) ([]chat.Message, error)
	Persist(ctx context.Context, session chat.Session, room chat.RoomKey, content, clientID string) (chat.Message, error)
}

// Handler 聊天消息的HTTP处理器
type Handler struct {
	svc MessageService
	log *zap.Logger
}

// New 创建聊天处理器
func New(svc MessageService, log *zap.Logger) *Handler {
	return &Handler{
		svc: svc,
		log: logger.OrNop(log).Named("http"),
	}
}

// RegisterRoutes 注册聊天相关的路由，调用方负责挂载鉴权中间件
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/rooms/{roomKey}/messages", h.handleHistory)
	r.Post("/rooms/{roomKey}/messages", h.handlePersist)
}

// handleHistory 返回房间最近的消息
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(w, r)
	if !ok {
		return
	}

	messages, err := h.svc.History(r.Context(), room)
	if err != nil {
		h.log.Error("load history failed", zap.String("room", room.String()), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}

	utils.RespondJSON(w, http.StatusOK, rest.HistoryResponse{Messages: messages})
}

// handlePersist 保存一条消息并返回带权威ID的结果
func (h *Handler) handlePersist(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(w, r)
	if !ok {
		return
	}

	session, ok := middleware.SessionFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "missing session")
		return
	}

	var payload rest.PersistRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.svc.Persist(r.Context(), session, room, payload.Content, payload.ClientID)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			utils.RespondError(w, http.StatusBadRequest, "content is required")
			return
		}
		h.log.Error("persist failed", zap.String("room", room.String()), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to persist message")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, msg)
}

// roomParam 解析路径中的房间键。chi 仅在请求带有 RawPath 时返回未解码的片段，此时解码一次。
func roomParam(w http.ResponseWriter, r *http.Request) (chat.RoomKey, bool) {
	raw := chi.URLParam(r, "roomKey")
	if r.URL.RawPath != "" {
		decoded, err := url.PathUnescape(raw)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid room key")
			return "", false
		}
		raw = decoded
	}
	room, err := chat.ParseRoomKey(raw)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid room key")
		return "", false
	}
	return room, true
}
