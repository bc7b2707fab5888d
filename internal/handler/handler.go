// Package handler содержит HTTP-обработчики API сервиса тикетов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/action"
	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/catalog"
	"github.com/mmeshcher/ticketdesk/internal/middleware"
	"github.com/mmeshcher/ticketdesk/internal/model"
	"github.com/mmeshcher/ticketdesk/internal/purchase"
	"github.com/mmeshcher/ticketdesk/internal/settings"
)

// Tickets определяет контракт менеджера тикетов.
type Tickets interface {
	Create(ctx context.Context, actor model.Actor, productID *int64) (*model.Ticket, error)
	Close(ctx context.Context, channelID string, actor model.Actor, reason string) (*model.Transcript, error)
	Claim(ctx context.Context, channelID string, actor model.Actor) error
	Transcript(ctx context.Context, channelID string, actor model.Actor) (*model.Transcript, error)
	History(ctx context.Context, userID string) ([]model.Ticket, error)
	Stats(ctx context.Context) (model.TicketStats, error)
	ReconcileOrphans(ctx context.Context) (int, error)
	Reconfigure(categoryID string, idleTimeout time.Duration, autoClose bool)
}

// Purchases определяет контракт сервиса покупок.
type Purchases interface {
	Offer(ctx context.Context, actor model.Actor, productID int64) (*purchase.Prompt, error)
	Resolve(ctx context.Context, gateID string, actor model.Actor, choice purchase.Choice) (*purchase.Result, error)
	Status(gateID string) (purchase.Status, error)
	Abort(gateID string, actor model.Actor) (*purchase.Result, error)
	CompleteSale(ctx context.Context, saleID int64, paymentMethod, transactionID string) (*model.Sale, error)
	CancelSale(ctx context.Context, saleID int64) (*model.Sale, error)
	GetDigitalContent(ctx context.Context, productID int64, userID string) (string, error)
	Purchases(ctx context.Context, userID string) ([]model.Sale, error)
}

// Catalog определяет контракт администрирования каталога.
type Catalog interface {
	Create(ctx context.Context, in catalog.Input) (*model.Product, error)
	Update(ctx context.Context, id int64, upd model.ProductUpdate) (*model.Product, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, activeOnly bool) ([]model.Product, error)
	Search(ctx context.Context, query string) ([]model.Product, error)
	Stats(ctx context.Context) (*catalog.Stats, error)
}

// Panel публикует витрину товаров.
type Panel interface {
	Publish(ctx context.Context) (int, error)
}

// Platform проверяет каналы чат-платформы при настройке.
type Platform interface {
	CategoryExists(ctx context.Context, categoryID string) (bool, error)
	ChannelExists(ctx context.Context, channelID string) (bool, error)
}

// Settings определяет контракт источника настроек.
type Settings interface {
	Load(ctx context.Context) (settings.Runtime, error)
	Set(ctx context.Context, key, value string) (settings.Runtime, error)
}

// Moderation управляет чёрным списком.
type Moderation interface {
	Blacklist(ctx context.Context, userID, reason string) error
	Unblacklist(ctx context.Context, userID string) error
}

// Audit очищает устаревшие данные журнала.
type Audit interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// Auditor принимает события безопасности.
type Auditor interface {
	Record(ctx context.Context, eventType model.EventType, userID string, data map[string]any)
}

// SecurityLogs читает журнал безопасности.
type SecurityLogs interface {
	GetSecurityLogs(ctx context.Context, eventType model.EventType, limit int) ([]model.SecurityEvent, error)
}

// Deps содержит зависимости обработчика.
type Deps struct {
	Tickets    Tickets
	Purchases  Purchases
	Catalog    Catalog
	Panel      Panel
	Platform   Platform
	Settings   Settings
	Moderation Moderation
	Audit      Audit
	Events     Auditor
	Logs       SecurityLogs
	Auth       *middleware.AuthMiddleware
	Security   *middleware.Security
	Retention  time.Duration
	Logger     *zap.Logger
}

type interactionFunc func(w http.ResponseWriter, r *http.Request, in interaction)

// Handler реализует HTTP-обработчики API сервиса тикетов.
type Handler struct {
	tickets    Tickets
	purchases  Purchases
	catalog    Catalog
	panel      Panel
	platform   Platform
	settings   Settings
	moderation Moderation
	audit      Audit
	events     Auditor
	logs       SecurityLogs
	auth       *middleware.AuthMiddleware
	security   *middleware.Security
	retention  time.Duration
	logger     *zap.Logger

	dispatch map[action.Kind]interactionFunc
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	h := &Handler{
		tickets:    d.Tickets,
		purchases:  d.Purchases,
		catalog:    d.Catalog,
		panel:      d.Panel,
		platform:   d.Platform,
		settings:   d.Settings,
		moderation: d.Moderation,
		audit:      d.Audit,
		events:     d.Events,
		logs:       d.Logs,
		auth:       d.Auth,
		security:   d.Security,
		retention:  d.Retention,
		logger:     d.Logger,
	}
	h.dispatch = map[action.Kind]interactionFunc{
		action.CreateTicket:     h.createTicketAction,
		action.CloseTicket:      h.closeTicketAction,
		action.ClaimTicket:      h.claimTicketAction,
		action.TicketTranscript: h.transcriptAction,
		action.SelectProduct:    h.selectProductAction,
		action.ConfirmPurchase:  h.confirmPurchaseAction,
		action.CancelPurchase:   h.cancelPurchaseAction,
		action.PromptRemoved:    h.promptRemovedAction,
	}
	return h
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return actor, ok
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	middleware.WriteError(w, h.logger, err)
}

func invalidInput(subject, message string) error {
	return apperr.New(apperr.KindInvalidInput, subject, message)
}

// decodeJSON читает тело запроса. Пустое тело допустимо, если allowEmpty.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	if err != nil {
		return invalidInput("", "malformed request body")
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, invalidInput(raw, "invalid "+name)
	}
	return id, nil
}

// writeList пишет список или 204, если он пуст.
func writeList[T any](w http.ResponseWriter, items []T) {
	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, items)
}
