package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/nss-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/nss-chat/backend/internal/handler/realtime"
	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	middlewarePkg "github.com/zhouzirui/nss-chat/backend/internal/middleware"
	"github.com/zhouzirui/nss-chat/backend/internal/service/relay"
	"github.com/zhouzirui/nss-chat/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the relay service.
func NewRouter(svc *relay.Service, verifier middlewarePkg.Verifier, log *zap.Logger) http.Handler {
	log = logger.OrNop(log)
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	// Create handlers
	chatHandler := chat.New(svc, log)
	wsHandler := realtime.NewWebSocketHandler(svc, log)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"peers":  svc.Hub().PeerCount(),
		})
	})

	r.Group(func(authed chi.Router) {
		authed.Use(middlewarePkg.Auth(verifier))

		authed.Route("/api", func(api chi.Router) {
			chatHandler.RegisterRoutes(api)
		})

		wsHandler.RegisterWebSocketRoutes(authed)
	})

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("access")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("requestId", middleware.GetReqID(r.Context())),
			)
		})
	}
}
