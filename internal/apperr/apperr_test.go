package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("create ticket: %w", New(KindAlreadyHasSession, "user-1", "already has an open ticket"))

	assert.True(t, errors.Is(err, New(KindAlreadyHasSession, "", "")))
	assert.True(t, errors.Is(err, New(KindAlreadyHasSession, "user-1", "")))
	assert.False(t, errors.Is(err, New(KindAlreadyHasSession, "user-2", "")))
	assert.False(t, errors.Is(err, New(KindNotFound, "", "")))
	assert.Equal(t, KindAlreadyHasSession, KindOf(err))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.False(t, IsKind(nil, KindNotFound))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindResource, "chan-1", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Contains(t, err.Error(), "chan-1")
}

func TestKindClass(t *testing.T) {
	tests := []struct {
		kind Kind
		want Class
	}{
		{KindBlacklisted, ClassPermission},
		{KindRateLimited, ClassRateLimited},
		{KindAlreadyCompleted, ClassConflict},
		{KindItemNotFound, ClassNotFound},
		{KindDecryptFailure, ClassIntegrity},
		{KindResource, ClassResource},
		{KindInvalidInput, ClassInvalid},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Class())
		})
	}
}
