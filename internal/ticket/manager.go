// Package ticket реализует жизненный цикл тикетов: создание с единственным
// открытым тикетом на пользователя, закрытие, закрытие по бездействию и
// сверку с каналами платформы.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/chat"
	"github.com/mmeshcher/ticketdesk/internal/model"
	"github.com/mmeshcher/ticketdesk/internal/repository"
	"github.com/mmeshcher/ticketdesk/internal/security"
)

// Причины закрытия, назначаемые системой.
const (
	ReasonIdle           = "idle-timeout"
	ReasonChannelMissing = "channel missing"
	ReasonDefault        = "closed by user"
)

// HistoryLimit ограничивает число тикетов в истории пользователя.
const HistoryLimit = 10

const (
	defaultIdleTimeout     = 24 * time.Hour
	defaultCloseGrace      = 10 * time.Second
	defaultIdleCloseGrace  = 30 * time.Second
	defaultTranscriptLimit = 100
	defaultCallTimeout     = 30 * time.Second
)

// Repository описывает контракт хранилища тикетов, используемый менеджером.
type Repository interface {
	UpsertUser(ctx context.Context, userID, username, avatar string) error
	IncrementUserTickets(ctx context.Context, userID string) error
	CreateTicket(ctx context.Context, channelID, userID string, productID *int64) (*model.Ticket, error)
	DeleteTicket(ctx context.Context, id int64) error
	GetTicketByChannel(ctx context.Context, channelID string) (*model.Ticket, error)
	GetUserOpenTicket(ctx context.Context, userID string) (*model.Ticket, error)
	CloseTicket(ctx context.Context, channelID, closedBy, reason string, at time.Time) (bool, error)
	ListOpenTickets(ctx context.Context) ([]model.Ticket, error)
	GetUserTickets(ctx context.Context, userID string, limit int) ([]model.Ticket, error)
	GetTicketStats(ctx context.Context) (model.TicketStats, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
}

// Provider — поставщик каналов чат-платформы.
type Provider interface {
	CreateChannel(ctx context.Context, spec chat.ChannelSpec) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
	ChannelExists(ctx context.Context, channelID string) (bool, error)
	CategoryExists(ctx context.Context, categoryID string) (bool, error)
	FetchMessages(ctx context.Context, channelID string, limit int) ([]model.Message, error)
	SendMessage(ctx context.Context, channelID string, msg chat.OutgoingMessage) error
}

// Permissions определяет расширенные права участника.
type Permissions interface {
	IsStaff(actor model.Actor) bool
}

// Limiter тратит очко именованного ограничителя частоты.
type Limiter interface {
	Check(ctx context.Context, subjectID, limiter string) error
}

// Auditor принимает события безопасности.
type Auditor interface {
	Record(ctx context.Context, eventType model.EventType, userID string, data map[string]any)
}

// Options задаёт параметры менеджера. Нулевые значения заменяются значениями по умолчанию.
// Без Limiter частота создания тикетов не ограничивается.
type Options struct {
	CategoryID      string
	IdleTimeout     time.Duration
	KeepInactive    bool
	Limiter         Limiter
	CloseGrace      time.Duration
	IdleCloseGrace  time.Duration
	SystemID        string
	TranscriptLimit int
	TranscriptDir   string
	CallTimeout     time.Duration
	Now             func() time.Time
}

// Manager управляет тикетами.
type Manager struct {
	repo  Repository
	chat  Provider
	perms   Permissions
	limiter Limiter
	audit   Auditor
	log     *zap.Logger

	systemID        string
	closeGrace      time.Duration
	idleCloseGrace  time.Duration
	transcriptLimit int
	transcriptDir   string
	callTimeout     time.Duration
	now             func() time.Time

	cfgMu       sync.RWMutex
	categoryID  string
	idleTimeout time.Duration
	autoClose   bool

	owners *ownerLocks

	timersMu  sync.Mutex
	idle      map[string]*time.Timer
	deletions map[string]*time.Timer
	stopped   bool
	pending   sync.WaitGroup
}

// NewManager создаёт менеджер тикетов.
func NewManager(opts Options, repo Repository, provider Provider, perms Permissions, auditor Auditor, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = defaultCloseGrace
	}
	if opts.IdleCloseGrace <= 0 {
		opts.IdleCloseGrace = defaultIdleCloseGrace
	}
	if opts.TranscriptLimit <= 0 {
		opts.TranscriptLimit = defaultTranscriptLimit
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.SystemID == "" {
		opts.SystemID = "system"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		repo:            repo,
		chat:            provider,
		perms:           perms,
		limiter:         opts.Limiter,
		audit:           auditor,
		log:             log,
		systemID:        opts.SystemID,
		closeGrace:      opts.CloseGrace,
		idleCloseGrace:  opts.IdleCloseGrace,
		transcriptLimit: opts.TranscriptLimit,
		transcriptDir:   opts.TranscriptDir,
		callTimeout:     opts.CallTimeout,
		now:             opts.Now,
		categoryID:      opts.CategoryID,
		idleTimeout:     opts.IdleTimeout,
		autoClose:       !opts.KeepInactive,
		owners:          newOwnerLocks(),
		idle:            make(map[string]*time.Timer),
		deletions:       make(map[string]*time.Timer),
	}
}

func (m *Manager) config() (string, time.Duration) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.categoryID, m.idleTimeout
}

func (m *Manager) autoCloseEnabled() bool {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.autoClose
}

// Reconfigure применяет новые настройки. Уже взведённые таймеры не перевзводятся,
// но при выключенном автозакрытии срабатывание таймера ничего не закрывает.
func (m *Manager) Reconfigure(categoryID string, idleTimeout time.Duration, autoClose bool) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.categoryID = categoryID
	if idleTimeout > 0 {
		m.idleTimeout = idleTimeout
	}
	m.autoClose = autoClose
	m.log.Info("ticket settings reloaded",
		zap.String("category_id", categoryID),
		zap.Duration("idle_timeout", m.idleTimeout),
		zap.Bool("auto_close", autoClose),
	)
}

// OpenTicket возвращает открытый тикет пользователя или nil.
func (m *Manager) OpenTicket(ctx context.Context, userID string) (*model.Ticket, error) {
	t, err := m.repo.GetUserOpenTicket(ctx, userID)
	if errors.Is(err, repository.ErrTicketNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, userID, fmt.Errorf("get open ticket: %w", err))
	}
	return t, nil
}

// Create открывает тикет пользователя. Если у пользователя уже есть открытый
// тикет, он возвращается вместе с ошибкой ALREADY_HAS_SESSION.
func (m *Manager) Create(ctx context.Context, actor model.Actor, productID *int64) (*model.Ticket, error) {
	unlock := m.owners.lock(actor.ID)
	defer unlock()

	existing, err := m.OpenTicket(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, apperr.New(apperr.KindAlreadyHasSession, existing.ChannelID, "you already have an open ticket")
	}
	if productID != nil {
		if err := m.checkProduct(ctx, *productID); err != nil {
			return nil, err
		}
	}

	categoryID, idle := m.config()
	if categoryID == "" {
		return nil, apperr.New(apperr.KindCategoryNotConfigured, "", "ticket category is not configured")
	}
	ok, err := m.chat.CategoryExists(ctx, categoryID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, categoryID, fmt.Errorf("lookup category: %w", err))
	}
	if !ok {
		return nil, apperr.New(apperr.KindCategoryNotConfigured, categoryID, "ticket category does not exist")
	}

	// Очко тратится только на попытку, которая действительно создаёт канал.
	if m.limiter != nil {
		if err := m.limiter.Check(ctx, actor.ID, security.LimiterTickets); err != nil {
			return nil, err
		}
	}

	if err := m.repo.UpsertUser(ctx, actor.ID, actor.Username, actor.Avatar); err != nil {
		return nil, apperr.Wrap(apperr.KindResource, actor.ID, fmt.Errorf("upsert user: %w", err))
	}

	channelID, err := m.chat.CreateChannel(ctx, chat.ChannelSpec{
		Name:     channelName(actor.Username, m.now()),
		ParentID: categoryID,
		Topic:    "Ticket of " + actor.Username,
		Overwrites: []chat.Overwrite{
			{SubjectID: chat.EveryoneSubject, Allow: false},
			{SubjectID: actor.ID, Allow: true},
			{SubjectID: m.systemID, Allow: true},
		},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, actor.ID, fmt.Errorf("create channel: %w", err))
	}

	t, err := m.repo.CreateTicket(ctx, channelID, actor.ID, productID)
	if err != nil {
		m.deleteChannel(channelID)
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, apperr.New(apperr.KindItemNotFound, strconv.FormatInt(*productID, 10), "product not found")
		}
		if errors.Is(err, repository.ErrActiveTicketExists) {
			existing, _ := m.OpenTicket(ctx, actor.ID)
			subject := ""
			if existing != nil {
				subject = existing.ChannelID
			}
			return existing, apperr.New(apperr.KindAlreadyHasSession, subject, "you already have an open ticket")
		}
		return nil, apperr.Wrap(apperr.KindResource, actor.ID, fmt.Errorf("create ticket: %w", err))
	}

	if err := m.chat.SendMessage(ctx, channelID, welcomeMessage(actor, productID, idle)); err != nil {
		if delErr := m.repo.DeleteTicket(ctx, t.ID); delErr != nil {
			m.log.Error("failed to roll back ticket", zap.Int64("ticket_id", t.ID), zap.Error(delErr))
		}
		m.deleteChannel(channelID)
		return nil, apperr.Wrap(apperr.KindResource, channelID, fmt.Errorf("send welcome message: %w", err))
	}

	if err := m.repo.IncrementUserTickets(ctx, actor.ID); err != nil {
		m.log.Warn("failed to increment ticket counter", zap.String("user_id", actor.ID), zap.Error(err))
	}

	if m.autoCloseEnabled() {
		m.armIdle(channelID, idle)
	}

	data := map[string]any{"channel_id": channelID, "ticket_id": t.ID}
	if productID != nil {
		data["product_id"] = *productID
	}
	m.audit.Record(ctx, model.EventSessionCreated, actor.ID, data)

	m.log.Info("ticket created",
		zap.Int64("ticket_id", t.ID),
		zap.String("channel_id", channelID),
		zap.String("user_id", actor.ID),
	)
	return t, nil
}

func (m *Manager) checkProduct(ctx context.Context, productID int64) error {
	subject := strconv.FormatInt(productID, 10)
	_, err := m.repo.GetProduct(ctx, productID)
	if errors.Is(err, repository.ErrProductNotFound) {
		return apperr.New(apperr.KindItemNotFound, subject, "product not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindResource, subject, fmt.Errorf("get product: %w", err))
	}
	return nil
}

// Discard откатывает только что созданный тикет, когда связанную с ним
// операцию не удалось завершить: запись удаляется, канал удаляется сразу.
func (m *Manager) Discard(ctx context.Context, t *model.Ticket) error {
	m.cancelIdle(t.ChannelID)
	if err := m.repo.DeleteTicket(ctx, t.ID); err != nil {
		return fmt.Errorf("discard ticket %d: %w", t.ID, err)
	}
	m.deleteChannel(t.ChannelID)
	m.log.Info("ticket discarded", zap.Int64("ticket_id", t.ID), zap.String("channel_id", t.ChannelID))
	return nil
}

// channelName строит имя канала вида ticket-<имя>-<6 цифр времени>.
func channelName(username string, at time.Time) string {
	suffix := strconv.FormatInt(at.UnixMilli(), 10)
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	name := strings.ToLower("ticket-" + username + "-" + suffix)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, name)
}

func (m *Manager) lookup(ctx context.Context, channelID string) (*model.Ticket, error) {
	t, err := m.repo.GetTicketByChannel(ctx, channelID)
	if errors.Is(err, repository.ErrTicketNotFound) {
		return nil, apperr.New(apperr.KindNotFound, channelID, "this is not a ticket channel")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, channelID, fmt.Errorf("get ticket: %w", err))
	}
	return t, nil
}

func (m *Manager) canManage(t *model.Ticket, actor model.Actor) bool {
	return t.UserID == actor.ID || m.perms.IsStaff(actor)
}

// Stats возвращает счётчики тикетов.
func (m *Manager) Stats(ctx context.Context) (model.TicketStats, error) {
	st, err := m.repo.GetTicketStats(ctx)
	if err != nil {
		return model.TicketStats{}, apperr.Wrap(apperr.KindResource, "", fmt.Errorf("ticket stats: %w", err))
	}
	return st, nil
}

// History возвращает последние тикеты пользователя.
func (m *Manager) History(ctx context.Context, userID string) ([]model.Ticket, error) {
	list, err := m.repo.GetUserTickets(ctx, userID, HistoryLimit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, userID, fmt.Errorf("ticket history: %w", err))
	}
	return list, nil
}
