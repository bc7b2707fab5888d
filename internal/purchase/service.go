// Package purchase реализует подтверждение покупки, завершение продаж и
// выдачу цифрового содержимого.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/action"
	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/chat"
	"github.com/mmeshcher/ticketdesk/internal/model"
	"github.com/mmeshcher/ticketdesk/internal/repository"
)

const (
	defaultConfirmTimeout = 60 * time.Second
	defaultResolveWait    = 10 * time.Second
	settledRetention      = 5 * time.Minute
)

// Repository описывает контракт хранилища товаров и продаж.
type Repository interface {
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	CreateSale(ctx context.Context, s model.Sale) (*model.Sale, error)
	GetSale(ctx context.Context, id int64) (*model.Sale, error)
	CompleteSale(ctx context.Context, id int64, paymentMethod, transactionID string, at time.Time) error
	CancelSale(ctx context.Context, id int64) error
	HasCompletedSale(ctx context.Context, userID string, productID int64) (bool, error)
	GetUserSales(ctx context.Context, userID string) ([]model.Sale, error)
}

// Sessions открывает тикеты покупки.
type Sessions interface {
	OpenTicket(ctx context.Context, userID string) (*model.Ticket, error)
	Create(ctx context.Context, actor model.Actor, productID *int64) (*model.Ticket, error)
	Discard(ctx context.Context, t *model.Ticket) error
}

// Decrypter расшифровывает цифровое содержимое товара.
type Decrypter interface {
	Decrypt(envelope string) (string, error)
}

// Auditor принимает события безопасности.
type Auditor interface {
	Record(ctx context.Context, eventType model.EventType, userID string, data map[string]any)
}

// Options задаёт параметры сервиса.
type Options struct {
	ConfirmTimeout time.Duration
	ResolveWait    time.Duration
	Now            func() time.Time
}

// Prompt описывает запрос подтверждения, показываемый участнику.
type Prompt struct {
	GateID      string          `json:"gate_id"`
	ProductID   int64           `json:"product_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	ImageURL    string          `json:"image_url,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Buttons     []chat.Button   `json:"buttons"`
}

// Service реализует протокол подтверждения покупки и операции над продажами.
type Service struct {
	repo     Repository
	sessions Sessions
	crypt    Decrypter
	audit    Auditor
	log      *zap.Logger

	ttl         time.Duration
	resolveWait time.Duration
	now         func() time.Time

	mu      sync.Mutex
	gates   map[string]*Confirmation
	stopped bool
}

// NewService создаёт сервис покупок.
func NewService(opts Options, repo Repository, sessions Sessions, crypt Decrypter, auditor Auditor, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}
	if opts.ResolveWait <= 0 {
		opts.ResolveWait = defaultResolveWait
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:        repo,
		sessions:    sessions,
		crypt:       crypt,
		audit:       auditor,
		log:         log,
		ttl:         opts.ConfirmTimeout,
		resolveWait: opts.ResolveWait,
		now:         opts.Now,
		gates:       make(map[string]*Confirmation),
	}
}

// available возвращает товар, доступный для покупки.
func (s *Service) available(ctx context.Context, productID int64) (*model.Product, error) {
	subject := fmt.Sprint(productID)
	p, err := s.repo.GetProduct(ctx, productID)
	if errors.Is(err, repository.ErrProductNotFound) {
		return nil, apperr.New(apperr.KindItemNotFound, subject, "product not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, subject, fmt.Errorf("get product: %w", err))
	}
	if !p.IsActive {
		return nil, apperr.New(apperr.KindItemNotFound, subject, "product is not available")
	}
	if !p.InStock() {
		return nil, apperr.New(apperr.KindOutOfStock, subject, "product is out of stock")
	}
	return p, nil
}

// Offer регистрирует запрос подтверждения покупки товара.
func (s *Service) Offer(ctx context.Context, actor model.Actor, productID int64) (*Prompt, error) {
	p, err := s.available(ctx, productID)
	if err != nil {
		return nil, err
	}

	open, err := s.sessions.OpenTicket(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, apperr.New(apperr.KindAlreadyHasSession, open.ChannelID, "you already have an open ticket")
	}

	now := s.now()
	c := newConfirmation(uuid.NewString(), actor, *p, now.Add(s.ttl))

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, apperr.New(apperr.KindResource, "", "service is shutting down")
	}
	for id, old := range s.gates {
		if old.settled(settledRetention, now) {
			delete(s.gates, id)
		}
	}
	s.gates[c.ID] = c
	s.mu.Unlock()

	c.mu.Lock()
	c.timer = time.AfterFunc(s.ttl, func() { s.expire(c) })
	c.mu.Unlock()

	s.log.Info("purchase offered",
		zap.String("gate_id", c.ID),
		zap.String("user_id", actor.ID),
		zap.Int64("product_id", p.ID),
	)

	return &Prompt{
		GateID:      c.ID,
		ProductID:   p.ID,
		Title:       "Confirm purchase: " + p.Name,
		Description: p.Description,
		Price:       p.Price,
		ImageURL:    p.ImageURL,
		ExpiresAt:   c.Deadline,
		Buttons: []chat.Button{
			{ID: action.ID(action.ConfirmPurchase, c.ID), Label: "Confirm", Style: chat.StyleSuccess},
			{ID: action.ID(action.CancelPurchase, c.ID), Label: "Cancel", Style: chat.StyleDanger},
		},
	}, nil
}

func (s *Service) gate(gateID string) (*Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.gates[gateID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, gateID, "confirmation not found")
	}
	return c, nil
}

// Resolve применяет ответ участника. Ответ постороннего участника
// игнорируется. Если решение уже принято, возвращается его итог.
func (s *Service) Resolve(ctx context.Context, gateID string, actor model.Actor, choice Choice) (*Result, error) {
	c, err := s.gate(gateID)
	if err != nil {
		return nil, err
	}
	if actor.ID != c.Actor.ID {
		return &Result{GateID: gateID, Status: c.Status(), Ignored: true}, nil
	}

	status := StatusCancelled
	if choice == ChoiceConfirm {
		status = StatusConfirmed
	}
	if !c.decide(status) {
		return c.wait(ctx, s.resolveWait)
	}

	res := &Result{GateID: gateID, Status: status}
	if status == StatusConfirmed {
		res = s.commit(ctx, c)
	} else {
		s.log.Info("purchase cancelled", zap.String("gate_id", gateID), zap.String("user_id", actor.ID))
	}
	c.finish(res)
	return res, nil
}

// commit открывает тикет покупки и создаёт продажу в статусе pending
// по цене на момент подтверждения.
func (s *Service) commit(ctx context.Context, c *Confirmation) *Result {
	res := &Result{GateID: c.ID, Status: StatusConfirmed}

	p, err := s.available(ctx, c.Product.ID)
	if err != nil {
		res.Err = err
		return res
	}

	productID := p.ID
	t, err := s.sessions.Create(ctx, c.Actor, &productID)
	if err != nil {
		res.Ticket = t
		res.Err = err
		return res
	}
	res.Ticket = t

	sale, err := s.repo.CreateSale(ctx, model.Sale{
		UserID:    c.Actor.ID,
		ProductID: p.ID,
		TicketID:  &t.ID,
		Amount:    p.Price,
		Status:    model.SaleStatusPending,
	})
	if err != nil {
		s.log.Error("failed to create sale", zap.String("gate_id", c.ID), zap.Int64("ticket_id", t.ID), zap.Error(err))
		// Тикет без продажи не оставляем: покупку можно начать заново.
		if discardErr := s.sessions.Discard(ctx, t); discardErr != nil {
			s.log.Error("failed to discard purchase ticket", zap.Int64("ticket_id", t.ID), zap.Error(discardErr))
		} else {
			res.Ticket = nil
		}
		res.Err = apperr.Wrap(apperr.KindResource, t.ChannelID, fmt.Errorf("create sale: %w", err))
		return res
	}
	res.Sale = sale

	s.audit.Record(ctx, model.EventPurchaseInitiated, c.Actor.ID, map[string]any{
		"product_id": p.ID,
		"sale_id":    sale.ID,
		"ticket_id":  t.ID,
		"amount":     sale.Amount.StringFixed(2),
	})
	s.log.Info("purchase confirmed",
		zap.String("gate_id", c.ID),
		zap.Int64("sale_id", sale.ID),
		zap.String("channel_id", t.ChannelID),
	)
	return res
}

func (s *Service) expire(c *Confirmation) {
	if !c.decide(StatusExpired) {
		return
	}
	c.finish(&Result{GateID: c.ID, Status: StatusExpired})
	s.log.Info("purchase confirmation expired", zap.String("gate_id", c.ID), zap.String("user_id", c.Actor.ID))
}

// Abort прерывает ожидание, когда сообщение с запросом стало недоступно,
// например было удалено. Прервать запрос может его адресат или сотрудник;
// обращение постороннего игнорируется. Принятое ранее решение не меняется.
func (s *Service) Abort(gateID string, actor model.Actor) (*Result, error) {
	c, err := s.gate(gateID)
	if err != nil {
		return nil, err
	}
	if actor.ID != c.Actor.ID && !actor.Staff {
		return &Result{GateID: gateID, Status: c.Status(), Ignored: true}, nil
	}
	if !c.decide(StatusAborted) {
		return &Result{GateID: gateID, Status: c.Status()}, nil
	}

	res := &Result{GateID: gateID, Status: StatusAborted}
	c.finish(res)
	s.log.Info("purchase confirmation aborted", zap.String("gate_id", gateID), zap.String("by", actor.ID))
	return res, nil
}

// Status возвращает состояние запроса подтверждения.
func (s *Service) Status(gateID string) (Status, error) {
	c, err := s.gate(gateID)
	if err != nil {
		return "", err
	}
	return c.Status(), nil
}

// Shutdown прерывает все нерешённые запросы.
func (s *Service) Shutdown() {
	s.mu.Lock()
	s.stopped = true
	gates := make([]*Confirmation, 0, len(s.gates))
	for _, c := range s.gates {
		gates = append(gates, c)
	}
	s.mu.Unlock()

	for _, c := range gates {
		if c.decide(StatusAborted) {
			c.finish(&Result{GateID: c.ID, Status: StatusAborted})
		}
	}
}
