// Package audit принимает события безопасности и распределяет их по журналу,
// хранилищу и внешнему вебхуку.
package audit

import (
	"context"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

const webhookQueueSize = 256

// Store хранит журнал безопасности.
type Store interface {
	LogSecurityEvent(ctx context.Context, event model.SecurityEvent) error
	CleanupOldData(ctx context.Context, olderThan time.Time) (int64, error)
}

// Recorder записывает события безопасности. Сбой любого приёмника только
// пишется в журнал и никогда не прерывает вызывающую операцию.
type Recorder struct {
	store   Store
	log     *zap.Logger
	webhook *WebhookClient
	queue   chan model.SecurityEvent
	now     func() time.Time
}

// NewRecorder создаёт регистратор событий. webhook может быть nil.
func NewRecorder(store Store, log *zap.Logger, webhook *WebhookClient) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{
		store:   store,
		log:     log,
		webhook: webhook,
		now:     time.Now,
	}
	if webhook != nil && webhook.url != "" {
		r.queue = make(chan model.SecurityEvent, webhookQueueSize)
	}
	return r
}

// Record сохраняет событие и ставит его в очередь вебхука.
func (r *Recorder) Record(ctx context.Context, eventType model.EventType, userID string, data map[string]any) {
	event := model.SecurityEvent{
		ID:        ksuid.New().String(),
		Type:      eventType,
		UserID:    userID,
		Data:      data,
		CreatedAt: r.now(),
	}

	r.log.Info(string(eventType),
		zap.String("event_id", event.ID),
		zap.String("user_id", userID),
		zap.Any("data", data),
	)

	if r.store != nil {
		if err := r.store.LogSecurityEvent(context.WithoutCancel(ctx), event); err != nil {
			r.log.Error("failed to store security event", zap.String("event_id", event.ID), zap.Error(err))
		}
	}

	if r.queue == nil {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.log.Warn("webhook queue full, event dropped", zap.String("event_id", event.ID))
	}
}

// Run доставляет события из очереди во вебхук до отмены контекста.
func (r *Recorder) Run(ctx context.Context) error {
	if r.queue == nil {
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-r.queue:
			if err := r.webhook.Send(ctx, event); err != nil {
				r.log.Warn("failed to deliver security event", zap.String("event_id", event.ID), zap.Error(err))
			}
		}
	}
}

// Cleanup удаляет записи старше retention.
func (r *Recorder) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if r.store == nil {
		return 0, nil
	}
	return r.store.CleanupOldData(ctx, r.now().Add(-retention))
}

// StartRetention периодически удаляет устаревшие записи до отмены контекста.
func (r *Recorder) StartRetention(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Cleanup(ctx, retention)
			if err != nil {
				r.log.Error("retention cleanup failed", zap.Error(err))
				continue
			}
			r.log.Info("retention cleanup finished", zap.Int64("removed", n))
		}
	}
}
