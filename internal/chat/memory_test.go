package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

func TestMemoryChannelLifecycle(t *testing.T) {
	m, err := NewMemory("bot", "cat")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.CreateChannel(ctx, ChannelSpec{Name: "x", ParentID: "unknown"})
	assert.True(t, errors.Is(err, ErrNotFound))

	id, err := m.CreateChannel(ctx, ChannelSpec{Name: "ticket-a", ParentID: "cat"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ok, err := m.ChannelExists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.DeleteChannel(ctx, id))
	require.NoError(t, m.DeleteChannel(ctx, id))
	assert.Equal(t, 1, m.Deletions(id))

	ok, err = m.ChannelExists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryFetchKeepsLatest(t *testing.T) {
	m, err := NewMemory("bot", "cat")
	require.NoError(t, err)
	ctx := context.Background()

	id, err := m.CreateChannel(ctx, ChannelSpec{ParentID: "cat"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Post(id, model.Message{Author: "u", Content: fmt.Sprint(i)}))
	}

	msgs, err := m.FetchMessages(ctx, id, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "2", msgs[0].Content)
	assert.Equal(t, "4", msgs[2].Content)
}

func TestMemoryUniqueIDs(t *testing.T) {
	m, err := NewMemory("bot", "cat")
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id, err := m.CreateChannel(context.Background(), ChannelSpec{ParentID: "cat"})
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestMemoryClearMessagesKeepsUserMessages(t *testing.T) {
	m, err := NewMemory("bot")
	require.NoError(t, err)
	ctx := context.Background()
	m.AddChannel("shop")

	require.NoError(t, m.Post("shop", model.Message{Author: "alice", Content: "hi"}))
	require.NoError(t, m.SendMessage(ctx, "shop", OutgoingMessage{Content: "panel"}))
	_, ok := m.LastSent("shop")
	require.True(t, ok)

	require.NoError(t, m.ClearMessages(ctx, "shop"))
	msgs, err := m.FetchMessages(ctx, "shop", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].Author)
	_, ok = m.LastSent("shop")
	assert.False(t, ok)

	assert.True(t, errors.Is(m.ClearMessages(ctx, "missing"), ErrNotFound))
}
