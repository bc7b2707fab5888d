package ticket

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/chat"
	"github.com/mmeshcher/ticketdesk/internal/model"
)

// closure описывает закрытие тикета.
type closure struct {
	closedBy    string
	reason      string
	transcript  *model.Transcript
	notice      *chat.OutgoingMessage
	deleteAfter time.Duration
	keepChannel bool
}

// Close закрывает тикет по запросу владельца или сотрудника. Выгрузка
// истории формируется до перехода в CLOSED. Для уже закрытого тикета
// возвращается nil без ошибки.
func (m *Manager) Close(ctx context.Context, channelID string, actor model.Actor, reason string) (*model.Transcript, error) {
	t, err := m.lookup(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !m.canManage(t, actor) {
		return nil, apperr.New(apperr.KindForbidden, channelID, "you are not allowed to close this ticket")
	}
	if !t.IsOpen() {
		return nil, nil
	}
	if reason == "" {
		reason = ReasonDefault
	}

	tr, err := m.transcript(ctx, channelID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, channelID, err)
	}

	closed, err := m.finishClose(ctx, t, closure{
		closedBy:    actor.ID,
		reason:      reason,
		transcript:  tr,
		notice:      closeNotice(actor.ID, reason, m.closeGrace),
		deleteAfter: m.closeGrace,
	})
	if err != nil || !closed {
		return nil, err
	}
	return tr, nil
}

// finishClose переводит тикет в CLOSED. Победителя гонки определяет условное
// обновление в хранилище; проигравший получает false и ничего не делает.
func (m *Manager) finishClose(ctx context.Context, t *model.Ticket, c closure) (bool, error) {
	closed, err := m.repo.CloseTicket(ctx, t.ChannelID, c.closedBy, c.reason, m.now())
	if err != nil {
		return false, apperr.Wrap(apperr.KindResource, t.ChannelID, fmt.Errorf("close ticket: %w", err))
	}
	if !closed {
		m.log.Debug("ticket already closed", zap.String("channel_id", t.ChannelID), zap.String("reason", c.reason))
		return false, nil
	}

	m.cancelIdle(t.ChannelID)

	if c.transcript != nil && m.transcriptDir != "" {
		if path, err := writeTranscript(m.transcriptDir, c.transcript); err != nil {
			m.log.Warn("failed to save transcript", zap.String("channel_id", t.ChannelID), zap.Error(err))
		} else {
			m.log.Debug("transcript saved", zap.String("path", path))
		}
	}

	if c.notice != nil {
		if err := m.chat.SendMessage(ctx, t.ChannelID, *c.notice); err != nil {
			m.log.Warn("failed to send close notice", zap.String("channel_id", t.ChannelID), zap.Error(err))
		}
	}

	m.audit.Record(ctx, model.EventSessionClosed, t.UserID, map[string]any{
		"channel_id": t.ChannelID,
		"ticket_id":  t.ID,
		"closed_by":  c.closedBy,
		"reason":     c.reason,
	})

	m.log.Info("ticket closed",
		zap.Int64("ticket_id", t.ID),
		zap.String("channel_id", t.ChannelID),
		zap.String("closed_by", c.closedBy),
		zap.String("reason", c.reason),
	)

	if !c.keepChannel {
		m.scheduleDeletion(t.ChannelID, c.deleteAfter)
	}
	return true, nil
}

// Claim отмечает, что тикет взят в работу сотрудником. Статус тикета не меняется.
func (m *Manager) Claim(ctx context.Context, channelID string, actor model.Actor) error {
	if !m.perms.IsStaff(actor) {
		return apperr.New(apperr.KindForbidden, channelID, "only staff can claim tickets")
	}
	t, err := m.lookup(ctx, channelID)
	if err != nil {
		return err
	}
	if !t.IsOpen() {
		return apperr.New(apperr.KindNotFound, channelID, "ticket is already closed")
	}

	if err := m.chat.SendMessage(ctx, channelID, claimNotice(actor)); err != nil {
		return apperr.Wrap(apperr.KindResource, channelID, fmt.Errorf("send claim notice: %w", err))
	}

	m.audit.Record(ctx, model.EventSessionClaimed, actor.ID, map[string]any{
		"channel_id": channelID,
		"ticket_id":  t.ID,
		"owner_id":   t.UserID,
	})
	return nil
}

// Transcript формирует выгрузку истории канала по запросу владельца или сотрудника.
func (m *Manager) Transcript(ctx context.Context, channelID string, actor model.Actor) (*model.Transcript, error) {
	t, err := m.lookup(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !m.canManage(t, actor) {
		return nil, apperr.New(apperr.KindForbidden, channelID, "you are not allowed to read this ticket")
	}

	tr, err := m.transcript(ctx, channelID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, channelID, err)
	}
	if m.transcriptDir != "" {
		if _, err := writeTranscript(m.transcriptDir, tr); err != nil {
			m.log.Warn("failed to save transcript", zap.String("channel_id", channelID), zap.Error(err))
		}
	}

	m.audit.Record(ctx, model.EventTranscriptGenerated, actor.ID, map[string]any{
		"channel_id": channelID,
		"messages":   tr.MessageCount,
	})
	return tr, nil
}

func (m *Manager) transcript(ctx context.Context, channelID string) (*model.Transcript, error) {
	msgs, err := m.chat.FetchMessages(ctx, channelID, m.transcriptLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return renderTranscript(channelID, msgs, m.now()), nil
}

// armIdle взводит таймер бездействия, заменяя предыдущий.
func (m *Manager) armIdle(channelID string, d time.Duration) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()

	if m.stopped {
		return
	}
	if old, ok := m.idle[channelID]; ok && old.Stop() {
		m.pending.Done()
	}

	m.pending.Add(1)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		defer m.pending.Done()

		m.timersMu.Lock()
		current := m.idle[channelID] == t
		if current {
			delete(m.idle, channelID)
		}
		m.timersMu.Unlock()

		if current {
			m.onIdle(channelID)
		}
	})
	m.idle[channelID] = t
}

func (m *Manager) cancelIdle(channelID string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()

	if t, ok := m.idle[channelID]; ok {
		delete(m.idle, channelID)
		if t.Stop() {
			m.pending.Done()
		}
	}
}

// onIdle закрывает тикет от имени системы. Выгрузка истории здесь
// необязательна: её сбой не мешает закрытию.
func (m *Manager) onIdle(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout)
	defer cancel()

	t, err := m.repo.GetTicketByChannel(ctx, channelID)
	if err != nil {
		m.log.Warn("idle timeout: ticket lookup failed", zap.String("channel_id", channelID), zap.Error(err))
		return
	}
	if !t.IsOpen() {
		return
	}
	if !m.autoCloseEnabled() {
		m.log.Debug("idle timeout: auto-close disabled", zap.String("channel_id", channelID))
		return
	}

	tr, err := m.transcript(ctx, channelID)
	if err != nil {
		m.log.Warn("idle timeout: transcript failed", zap.String("channel_id", channelID), zap.Error(err))
		tr = nil
	}

	_, idle := m.config()
	if _, err := m.finishClose(ctx, t, closure{
		closedBy:    m.systemID,
		reason:      ReasonIdle,
		transcript:  tr,
		notice:      idleNotice(idle, m.idleCloseGrace),
		deleteAfter: m.idleCloseGrace,
	}); err != nil {
		m.log.Error("idle timeout: close failed", zap.String("channel_id", channelID), zap.Error(err))
	}
}

// scheduleDeletion откладывает удаление канала. Повторный вызов для того же
// канала игнорируется. После Shutdown канал удаляется сразу.
func (m *Manager) scheduleDeletion(channelID string, after time.Duration) {
	m.timersMu.Lock()
	if _, ok := m.deletions[channelID]; ok {
		m.timersMu.Unlock()
		return
	}
	if m.stopped {
		m.timersMu.Unlock()
		m.deleteChannel(channelID)
		return
	}

	m.pending.Add(1)
	var t *time.Timer
	t = time.AfterFunc(after, func() {
		defer m.pending.Done()

		m.timersMu.Lock()
		current := m.deletions[channelID] == t
		if current {
			delete(m.deletions, channelID)
		}
		m.timersMu.Unlock()

		if current {
			m.deleteChannel(channelID)
		}
	})
	m.deletions[channelID] = t
	m.timersMu.Unlock()
}

func (m *Manager) deleteChannel(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout)
	defer cancel()

	if err := m.chat.DeleteChannel(ctx, channelID); err != nil {
		m.log.Warn("failed to delete channel", zap.String("channel_id", channelID), zap.Error(err))
	}
}

// Restore взводит таймеры бездействия для открытых тикетов после рестарта,
// учитывая уже прошедшее время.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	open, err := m.repo.ListOpenTickets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open tickets: %w", err)
	}

	if !m.autoCloseEnabled() {
		m.log.Info("auto-close disabled, idle timers not restored", zap.Int("tickets", len(open)))
		return 0, nil
	}

	_, idle := m.config()
	now := m.now()
	for _, t := range open {
		remaining := idle - now.Sub(t.CreatedAt)
		if remaining < 0 {
			remaining = 0
		}
		m.armIdle(t.ChannelID, remaining)
	}

	m.log.Info("idle timers restored", zap.Int("tickets", len(open)))
	return len(open), nil
}

// ReconcileOrphans закрывает открытые тикеты, канал которых больше не
// существует. Ошибки проверки отдельного канала пропускаются.
func (m *Manager) ReconcileOrphans(ctx context.Context) (int, error) {
	open, err := m.repo.ListOpenTickets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open tickets: %w", err)
	}

	closed := 0
	for i := range open {
		t := &open[i]

		exists, err := m.chat.ChannelExists(ctx, t.ChannelID)
		if err != nil {
			m.log.Warn("orphan check failed", zap.String("channel_id", t.ChannelID), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		ok, err := m.finishClose(ctx, t, closure{
			closedBy:    m.systemID,
			reason:      ReasonChannelMissing,
			keepChannel: true,
		})
		if err != nil {
			m.log.Warn("failed to close orphaned ticket", zap.String("channel_id", t.ChannelID), zap.Error(err))
			continue
		}
		if ok {
			closed++
		}
	}

	if closed > 0 {
		m.log.Info("orphaned tickets closed", zap.Int("count", closed))
	}
	return closed, nil
}

// StartOrphanSweep периодически выполняет ReconcileOrphans до отмены контекста.
func (m *Manager) StartOrphanSweep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.ReconcileOrphans(ctx); err != nil {
				m.log.Error("orphan sweep failed", zap.Error(err))
			}
		}
	}
}

// Shutdown останавливает таймеры бездействия, немедленно выполняет
// отложенные удаления каналов и дожидается запущенных обработчиков.
func (m *Manager) Shutdown() {
	m.timersMu.Lock()
	if m.stopped {
		m.timersMu.Unlock()
		return
	}
	m.stopped = true

	for id, t := range m.idle {
		delete(m.idle, id)
		if t.Stop() {
			m.pending.Done()
		}
	}

	var flush []string
	for id, t := range m.deletions {
		if t.Stop() {
			delete(m.deletions, id)
			m.pending.Done()
			flush = append(flush, id)
		}
	}
	m.timersMu.Unlock()

	for _, id := range flush {
		m.deleteChannel(id)
	}
	m.pending.Wait()
}
