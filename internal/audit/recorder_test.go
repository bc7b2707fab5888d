package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

type stubStore struct {
	mu        sync.Mutex
	events    []model.SecurityEvent
	err       error
	olderThan time.Time
}

func (s *stubStore) LogSecurityEvent(_ context.Context, event model.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *stubStore) CleanupOldData(_ context.Context, olderThan time.Time) (int64, error) {
	s.olderThan = olderThan
	return 3, nil
}

func TestRecorderStoresEvent(t *testing.T) {
	store := &stubStore{}
	r := NewRecorder(store, nil, nil)

	r.Record(context.Background(), model.EventSessionCreated, "u1", map[string]any{"channel_id": "c1"})

	require.Len(t, store.events, 1)
	ev := store.events[0]
	assert.Equal(t, model.EventSessionCreated, ev.Type)
	assert.Equal(t, "u1", ev.UserID)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "c1", ev.Data["channel_id"])
}

func TestRecorderStoreFailureDoesNotPanic(t *testing.T) {
	store := &stubStore{err: errors.New("db down")}
	r := NewRecorder(store, nil, nil)

	assert.NotPanics(t, func() {
		r.Record(context.Background(), model.EventSessionClosed, "u1", nil)
	})
}

func TestRecorderDeliversWebhook(t *testing.T) {
	received := make(chan webhookPayload, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- p
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	r := NewRecorder(nil, nil, NewWebhookClient(ts.URL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	r.Record(ctx, model.EventUserBlacklisted, "u1", map[string]any{"reason": "spam"})

	select {
	case p := <-received:
		require.Len(t, p.Embeds, 1)
		assert.Equal(t, 0x800080, p.Embeds[0].Color)
		assert.Contains(t, p.Embeds[0].Title, "USER_BLACKLISTED")
		assert.Contains(t, p.Embeds[0].Description, "spam")
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestRecorderQueueFullDrops(t *testing.T) {
	r := NewRecorder(nil, nil, NewWebhookClient("http://127.0.0.1:1"))

	for i := 0; i < webhookQueueSize+10; i++ {
		r.Record(context.Background(), model.EventRateLimitHit, "u1", nil)
	}
	assert.Len(t, r.queue, webhookQueueSize)
}

func TestRecorderCleanup(t *testing.T) {
	store := &stubStore{}
	r := NewRecorder(store, nil, nil)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	n, err := r.Cleanup(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, now.AddDate(0, 0, -30), store.olderThan)
}

func TestEventColorDefault(t *testing.T) {
	assert.Equal(t, 0xFF0000, EventColor(model.EventIntegrityViolation))
	assert.Equal(t, defaultEventColor, EventColor(model.EventSessionCreated))
}

func TestWebhookClientNotConfigured(t *testing.T) {
	var c *WebhookClient
	err := c.Send(context.Background(), model.SecurityEvent{})
	assert.Error(t, err)
}
