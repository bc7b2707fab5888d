package middleware

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/model"
	"github.com/mmeshcher/ticketdesk/internal/security"
)

// Gate — часть шлюза безопасности, нужная для допуска запросов.
type Gate interface {
	ValidateActor(ctx context.Context, actor model.Actor) error
	CheckRateLimit(ctx context.Context, subjectID, limiter string) security.Decision
	IsAdmin(userID string) bool
}

// Security применяет проверки шлюза безопасности к запросам участника.
type Security struct {
	gate Gate
	log  *zap.Logger
}

// NewSecurity создаёт middleware допуска.
func NewSecurity(gate Gate, log *zap.Logger) *Security {
	if log == nil {
		log = zap.NewNop()
	}
	return &Security{gate: gate, log: log}
}

func (s *Security) actor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return actor, ok
}

// Admit пропускает запрос, только если участник прошёл ValidateActor.
func (s *Security) Admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := s.actor(w, r)
		if !ok {
			return
		}
		if err := s.gate.ValidateActor(r.Context(), actor); err != nil {
			WriteError(w, s.log, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit тратит очко ограничителя limiter на каждый запрос участника.
func (s *Security) RateLimit(limiter string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := s.actor(w, r)
			if !ok {
				return
			}
			if err := s.Check(r.Context(), actor.ID, limiter); err != nil {
				WriteError(w, s.log, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Check тратит очко ограничителя и возвращает RATE_LIMITED при отказе.
func (s *Security) Check(ctx context.Context, subjectID, limiter string) error {
	d := s.gate.CheckRateLimit(ctx, subjectID, limiter)
	if d.Allowed {
		return nil
	}
	return &apperr.Error{
		Kind:       apperr.KindRateLimited,
		Subject:    subjectID,
		Message:    fmt.Sprintf("rate limit exceeded, try again in %d seconds", d.ResetSeconds()),
		RetryAfter: d.ResetAfter,
	}
}

// AdminOnly пропускает только администраторов.
func (s *Security) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := s.actor(w, r)
		if !ok {
			return
		}
		if !s.gate.IsAdmin(actor.ID) {
			WriteError(w, s.log, apperr.New(apperr.KindForbidden, actor.ID, "administrator access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
