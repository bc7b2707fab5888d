// Package settings предоставляет настройки, изменяемые во время работы
// и хранящиеся в таблице settings.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/repository"
)

// Ключи настроек.
const (
	KeyCategoryID          = "ticket_category_id"
	KeyProductsChannelID   = "products_channel_id"
	KeyTimeoutHours        = "ticket_timeout_hours"
	KeyAutoCloseInactive   = "auto_close_inactive_tickets"
	KeyMaxTicketsPerUser   = "max_tickets_per_user"
	KeyRequireConfirmation = "require_payment_confirmation"
)

type validator func(string) error

var known = map[string]validator{
	KeyCategoryID:        func(string) error { return nil },
	KeyProductsChannelID: func(string) error { return nil },
	KeyTimeoutHours:      positiveInt,
	KeyAutoCloseInactive: boolean,
}

// fixed — ключи, значения которых задаются инвариантами сервиса: один открытый
// тикет на пользователя и обязательное подтверждение покупки.
var fixed = map[string]bool{
	KeyMaxTicketsPerUser:   true,
	KeyRequireConfirmation: true,
}

func positiveInt(v string) error {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("expected a positive integer, got %q", v)
	}
	return nil
}

func boolean(v string) error {
	if _, err := strconv.ParseBool(v); err != nil {
		return fmt.Errorf("expected true or false, got %q", v)
	}
	return nil
}

// Store хранит значения настроек.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Runtime содержит настройки, применяемые менеджером тикетов и витриной.
type Runtime struct {
	CategoryID        string        `json:"ticket_category_id"`
	ProductsChannelID string        `json:"products_channel_id"`
	IdleTimeout       time.Duration `json:"-"`
	IdleHours         int           `json:"ticket_timeout_hours"`
	AutoClose         bool          `json:"auto_close_inactive_tickets"`
}

// Source читает настройки поверх значений конфигурации.
type Source struct {
	store    Store
	defaults Runtime
	log      *zap.Logger
}

// NewSource создаёт источник настроек. defaults берутся из конфигурации
// и используются, когда в таблице нет значения.
func NewSource(store Store, defaults Runtime, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{store: store, defaults: defaults, log: log}
}

func (s *Source) lookup(ctx context.Context, key string) (string, bool, error) {
	v, err := s.store.GetSetting(ctx, key)
	if errors.Is(err, repository.ErrSettingNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, v != "", nil
}

// Load возвращает действующие настройки.
func (s *Source) Load(ctx context.Context) (Runtime, error) {
	rt := s.defaults

	category, ok, err := s.lookup(ctx, KeyCategoryID)
	if err != nil {
		return Runtime{}, err
	}
	if ok {
		rt.CategoryID = category
	}

	channel, ok, err := s.lookup(ctx, KeyProductsChannelID)
	if err != nil {
		return Runtime{}, err
	}
	if ok {
		rt.ProductsChannelID = channel
	}

	autoClose, ok, err := s.lookup(ctx, KeyAutoCloseInactive)
	if err != nil {
		return Runtime{}, err
	}
	if ok {
		b, err := strconv.ParseBool(autoClose)
		if err != nil {
			s.log.Warn("ignoring invalid setting", zap.String("key", KeyAutoCloseInactive), zap.String("value", autoClose))
		} else {
			rt.AutoClose = b
		}
	}

	hours, ok, err := s.lookup(ctx, KeyTimeoutHours)
	if err != nil {
		return Runtime{}, err
	}
	if ok {
		n, err := strconv.Atoi(hours)
		if err != nil || n <= 0 {
			s.log.Warn("ignoring invalid setting", zap.String("key", KeyTimeoutHours), zap.String("value", hours))
		} else {
			rt.IdleTimeout = time.Duration(n) * time.Hour
		}
	}

	rt.IdleHours = int(rt.IdleTimeout / time.Hour)
	return rt, nil
}

// Set проверяет и сохраняет значение настройки и возвращает новые действующие настройки.
// Неизвестные и фиксированные ключи отклоняются.
func (s *Source) Set(ctx context.Context, key, value string) (Runtime, error) {
	if fixed[key] {
		return Runtime{}, apperr.New(apperr.KindInvalidInput, key, "setting cannot be changed")
	}
	validate, ok := known[key]
	if !ok {
		return Runtime{}, apperr.New(apperr.KindInvalidInput, key, "unknown setting")
	}
	if err := validate(value); err != nil {
		return Runtime{}, apperr.Wrap(apperr.KindInvalidInput, key, err)
	}

	if err := s.store.SetSetting(ctx, key, value); err != nil {
		return Runtime{}, apperr.Wrap(apperr.KindResource, key, err)
	}
	s.log.Info("setting updated", zap.String("key", key), zap.String("value", value))

	rt, err := s.Load(ctx)
	if err != nil {
		return Runtime{}, apperr.Wrap(apperr.KindResource, key, err)
	}
	return rt, nil
}
