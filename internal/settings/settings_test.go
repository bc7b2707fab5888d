package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/repository"
)

type failingStore struct{}

func (failingStore) GetSetting(context.Context, string) (string, error) {
	return "", errors.New("connection reset")
}

func (failingStore) SetSetting(context.Context, string, string) error {
	return errors.New("connection reset")
}

func TestLoadPrefersStoredValues(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	src := NewSource(repo, Runtime{CategoryID: "from-env", IdleTimeout: 48 * time.Hour}, nil)

	rt, err := src.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-env", rt.CategoryID, "empty stored category falls back to config")
	assert.Equal(t, 24*time.Hour, rt.IdleTimeout)
	assert.Equal(t, 24, rt.IdleHours)

	require.NoError(t, repo.SetSetting(ctx, KeyCategoryID, "cat-9"))
	require.NoError(t, repo.SetSetting(ctx, KeyTimeoutHours, "oops"))

	rt, err = src.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cat-9", rt.CategoryID)
	assert.Equal(t, 48*time.Hour, rt.IdleTimeout, "invalid stored value is ignored")
}

func TestSet(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	src := NewSource(repo, Runtime{IdleTimeout: 24 * time.Hour}, nil)

	rt, err := src.Set(ctx, KeyTimeoutHours, "2")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, rt.IdleTimeout)

	tests := []struct {
		key, value string
	}{
		{"unknown_key", "1"},
		{KeyTimeoutHours, "0"},
		{KeyTimeoutHours, "abc"},
		{KeyAutoCloseInactive, "maybe"},
		{KeyMaxTicketsPerUser, "3"},
		{KeyRequireConfirmation, "false"},
	}
	for _, tt := range tests {
		_, err := src.Set(ctx, tt.key, tt.value)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput), "%s=%s", tt.key, tt.value)
	}

	_, err = src.Set(ctx, KeyAutoCloseInactive, "false")
	require.NoError(t, err)
	v, err := repo.GetSetting(ctx, KeyAutoCloseInactive)
	require.NoError(t, err)
	assert.Equal(t, "false", v)

	v, err = repo.GetSetting(ctx, KeyMaxTicketsPerUser)
	require.NoError(t, err)
	assert.Equal(t, "1", v, "fixed setting keeps its seeded value")
}

func TestLoadAutoCloseAndProductsChannel(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	src := NewSource(repo, Runtime{IdleTimeout: time.Hour}, nil)

	rt, err := src.Load(ctx)
	require.NoError(t, err)
	assert.True(t, rt.AutoClose, "seeded default enables auto-close")
	assert.Empty(t, rt.ProductsChannelID)

	rt, err = src.Set(ctx, KeyAutoCloseInactive, "false")
	require.NoError(t, err)
	assert.False(t, rt.AutoClose)

	rt, err = src.Set(ctx, KeyProductsChannelID, "shop")
	require.NoError(t, err)
	assert.Equal(t, "shop", rt.ProductsChannelID)
}

func TestStoreFailure(t *testing.T) {
	src := NewSource(failingStore{}, Runtime{}, nil)

	_, err := src.Load(context.Background())
	assert.Error(t, err)

	_, err = src.Set(context.Background(), KeyCategoryID, "x")
	assert.True(t, apperr.IsKind(err, apperr.KindResource))
}
