package middleware

import (
	"context"
	"net/http"

	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
	"github.com/zhouzirui/nss-chat/backend/internal/service/auth"
	"github.com/zhouzirui/nss-chat/backend/pkg/utils"
)

type sessionKey struct{}

// Verifier checks a bearer credential.
type Verifier interface {
	Verify(token string) (chat.Session, error)
}

// Auth 校验 Bearer 令牌并把会话放入请求上下文；websocket 握手无法设置请求头时可用 ?token= 传递
func Auth(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				utils.RespondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			session, err := v.Verify(token)
			if err != nil {
				utils.RespondError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
		})
	}
}

// WithSession returns a copy of ctx carrying session.
func WithSession(ctx context.Context, session chat.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFrom returns the session stored by Auth.
func SessionFrom(ctx context.Context) (chat.Session, bool) {
	session, ok := ctx.Value(sessionKey{}).(chat.Session)
	return session, ok
}
