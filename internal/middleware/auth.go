// Package middleware содержит HTTP middleware сервиса тикетов.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

type contextKey string

const actorKey contextKey = "actor"

// ActorHeader — заголовок с подписанным токеном участника, выданным шлюзом.
const ActorHeader = "X-Actor-Token"

// TokenVerifier проверяет подпись и срок действия токена.
type TokenVerifier interface {
	VerifyToken(token string, out any) error
}

// AuthMiddleware восстанавливает участника из подписанного токена.
type AuthMiddleware struct {
	verifier TokenVerifier
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware.
func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Middleware проверяет токен участника и добавляет участника в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get(ActorHeader))
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		var actor model.Actor
		if err := a.verifier.VerifyToken(token, &actor); err != nil || actor.ID == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// WithActor кладёт участника в контекст.
func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext извлекает участника из контекста запроса.
func ActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(model.Actor)
	return actor, ok
}
