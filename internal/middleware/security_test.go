package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/model"
	"github.com/mmeshcher/ticketdesk/internal/security"
)

type stubGate struct {
	validateErr error
	decision    security.Decision
	admins      map[string]bool
	limiters    []string
}

func (g *stubGate) ValidateActor(context.Context, model.Actor) error {
	return g.validateErr
}

func (g *stubGate) CheckRateLimit(_ context.Context, _ string, limiter string) security.Decision {
	g.limiters = append(g.limiters, limiter)
	return g.decision
}

func (g *stubGate) IsAdmin(userID string) bool {
	return g.admins[userID]
}

func serve(h http.Handler, actor *model.Actor) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	if actor != nil {
		r = r.WithContext(WithActor(r.Context(), *actor))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestAdmit(t *testing.T) {
	alice := &model.Actor{ID: "alice"}

	gate := &stubGate{}
	s := NewSecurity(gate, nil)
	assert.Equal(t, http.StatusNoContent, serve(s.Admit(okHandler), alice).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(s.Admit(okHandler), nil).Code)

	gate.validateErr = apperr.New(apperr.KindBlacklisted, "alice", "you are blacklisted from using this service")
	w := serve(s.Admit(okHandler), alice)
	assert.Equal(t, http.StatusForbidden, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "BLACKLISTED", body.Error)
	assert.Equal(t, "alice", body.Subject)
}

func TestRateLimitMiddleware(t *testing.T) {
	alice := &model.Actor{ID: "alice"}
	gate := &stubGate{decision: security.Decision{Allowed: true}}
	s := NewSecurity(gate, nil)
	h := s.RateLimit(security.LimiterCommands)(okHandler)

	assert.Equal(t, http.StatusNoContent, serve(h, alice).Code)

	gate.decision = security.Decision{Allowed: false, ResetAfter: 1500 * time.Millisecond}
	w := serve(h, alice)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decodeError(t, w).Error)
	assert.Equal(t, []string{security.LimiterCommands, security.LimiterCommands}, gate.limiters)
}

func TestAdminOnly(t *testing.T) {
	s := NewSecurity(&stubGate{admins: map[string]bool{"root": true}}, nil)
	h := s.AdminOnly(okHandler)

	assert.Equal(t, http.StatusNoContent, serve(h, &model.Actor{ID: "root"}).Code)
	assert.Equal(t, http.StatusForbidden, serve(h, &model.Actor{ID: "alice"}).Code)
}

func TestWriteErrorStatuses(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindForbidden, http.StatusForbidden},
		{apperr.KindRateLimited, http.StatusTooManyRequests},
		{apperr.KindAlreadyHasSession, http.StatusConflict},
		{apperr.KindItemNotFound, http.StatusNotFound},
		{apperr.KindDecryptFailure, http.StatusInternalServerError},
		{apperr.KindResource, http.StatusBadGateway},
		{apperr.KindInvalidInput, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, zap.NewNop(), apperr.Wrap(tt.kind, "s1", errors.New("boom")))
			assert.Equal(t, tt.want, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, string(tt.kind), body.Error)
			assert.NotContains(t, body.Message, "boom")
		})
	}

	w := httptest.NewRecorder()
	WriteError(w, zap.NewNop(), errors.New("plain"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL", decodeError(t, w).Error)
}
