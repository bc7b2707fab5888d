package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

// MemoryRepository хранит данные в памяти процесса с тем же контрактом,
// что и PostgresRepository. Используется без DATABASE_URI и в тестах.
type MemoryRepository struct {
	mu       sync.Mutex
	now      func() time.Time
	users    map[string]*model.User
	tickets  []*model.Ticket
	products []*model.Product
	sales    []*model.Sale
	events   []model.SecurityEvent
	settings map[string]string

	nextTicketID int64
	nextSaleID   int64
}

// NewMemoryRepository создаёт пустое хранилище с настройками по умолчанию.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:   time.Now,
		users: make(map[string]*model.User),
		settings: map[string]string{
			"max_tickets_per_user":         "1",
			"ticket_timeout_hours":         "24",
			"auto_close_inactive_tickets":  "true",
			"require_payment_confirmation": "true",
			"ticket_category_id":           "",
			"products_channel_id":          "",
		},
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error { return nil }

// UpsertUser создаёт пользователя или обновляет его имя и аватар.
func (r *MemoryRepository) UpsertUser(_ context.Context, userID, username, avatar string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	u, ok := r.users[userID]
	if !ok {
		r.users[userID] = &model.User{ID: userID, Username: username, Avatar: avatar, CreatedAt: now, UpdatedAt: now}
		return nil
	}
	u.Username = username
	u.Avatar = avatar
	u.UpdatedAt = now
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *MemoryRepository) GetUser(_ context.Context, userID string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// IncrementUserTickets увеличивает счётчик созданных пользователем тикетов.
func (r *MemoryRepository) IncrementUserTickets(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.users[userID]; ok {
		u.TotalTickets++
		u.UpdatedAt = r.now()
	}
	return nil
}

// SetUserBlacklisted устанавливает признак блокировки пользователя.
func (r *MemoryRepository) SetUserBlacklisted(_ context.Context, userID string, blacklisted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		u = &model.User{ID: userID, Username: userID, CreatedAt: r.now()}
		r.users[userID] = u
	}
	u.IsBlacklisted = blacklisted
	u.UpdatedAt = r.now()
	return nil
}

// ListBlacklistedUserIDs возвращает идентификаторы заблокированных пользователей.
func (r *MemoryRepository) ListBlacklistedUserIDs(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, u := range r.users {
		if u.IsBlacklisted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateTicket сохраняет открытый тикет. Второй открытый тикет пользователя
// отклоняется с ErrActiveTicketExists, ссылка на несуществующий товар с ErrProductNotFound.
func (r *MemoryRepository) CreateTicket(_ context.Context, channelID, userID string, productID *int64) (*model.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if productID != nil {
		if _, ok := r.product(*productID); !ok {
			return nil, fmt.Errorf("%w: %d", ErrProductNotFound, *productID)
		}
	}
	for _, t := range r.tickets {
		if t.UserID == userID && t.IsOpen() {
			return nil, fmt.Errorf("%w: %s", ErrActiveTicketExists, userID)
		}
		if t.ChannelID == channelID {
			return nil, fmt.Errorf("duplicate channel %s", channelID)
		}
	}

	r.nextTicketID++
	t := &model.Ticket{
		ID:        r.nextTicketID,
		ChannelID: channelID,
		UserID:    userID,
		ProductID: productID,
		Status:    model.TicketStatusOpen,
		CreatedAt: r.now(),
	}
	r.tickets = append(r.tickets, t)

	cp := *t
	return &cp, nil
}

// DeleteTicket удаляет тикет при откате незавершённого создания.
func (r *MemoryRepository) DeleteTicket(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, t := range r.tickets {
		if t.ID == id {
			r.tickets = append(r.tickets[:i], r.tickets[i+1:]...)
			return nil
		}
	}
	return nil
}

// GetTicketByChannel возвращает тикет по идентификатору канала.
func (r *MemoryRepository) GetTicketByChannel(_ context.Context, channelID string) (*model.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tickets {
		if t.ChannelID == channelID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTicketNotFound
}

// GetUserOpenTicket возвращает открытый тикет пользователя.
func (r *MemoryRepository) GetUserOpenTicket(_ context.Context, userID string) (*model.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tickets {
		if t.UserID == userID && t.IsOpen() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTicketNotFound
}

// CloseTicket закрывает открытый тикет. Возвращает false, если тикет уже закрыт.
func (r *MemoryRepository) CloseTicket(_ context.Context, channelID, closedBy, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tickets {
		if t.ChannelID != channelID {
			continue
		}
		if !t.IsOpen() {
			return false, nil
		}
		t.Status = model.TicketStatusClosed
		t.ClosedAt = &at
		t.ClosedBy = &closedBy
		t.CloseReason = &reason
		return true, nil
	}
	return false, nil
}

// ListOpenTickets возвращает все открытые тикеты.
func (r *MemoryRepository) ListOpenTickets(context.Context) ([]model.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Ticket
	for _, t := range r.tickets {
		if t.IsOpen() {
			res = append(res, *t)
		}
	}
	return res, nil
}

// GetUserTickets возвращает последние тикеты пользователя, новые первыми.
func (r *MemoryRepository) GetUserTickets(_ context.Context, userID string, limit int) ([]model.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Ticket
	for i := len(r.tickets) - 1; i >= 0 && len(res) < limit; i-- {
		if r.tickets[i].UserID == userID {
			res = append(res, *r.tickets[i])
		}
	}
	return res, nil
}

// GetTicketStats считает тикеты по статусам.
func (r *MemoryRepository) GetTicketStats(context.Context) (model.TicketStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s model.TicketStats
	for _, t := range r.tickets {
		s.Total++
		if t.IsOpen() {
			s.Open++
		} else {
			s.Closed++
		}
	}
	return s, nil
}

// CreateProduct сохраняет новый товар.
func (r *MemoryRepository) CreateProduct(_ context.Context, p model.Product) (*model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	p.ID = int64(len(r.products) + 1)
	p.Price = p.Price.Round(2)
	p.SalesCount = 0
	p.CreatedAt = now
	p.UpdatedAt = now
	r.products = append(r.products, &p)

	cp := p
	return &cp, nil
}

func (r *MemoryRepository) product(id int64) (*model.Product, bool) {
	if id < 1 || id > int64(len(r.products)) {
		return nil, false
	}
	return r.products[id-1], true
}

// GetProduct возвращает товар по идентификатору.
func (r *MemoryRepository) GetProduct(_ context.Context, id int64) (*model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.product(id)
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

// ListProducts возвращает товары, при activeOnly только активные.
func (r *MemoryRepository) ListProducts(_ context.Context, activeOnly bool) ([]model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Product
	for _, p := range r.products {
		if activeOnly && !p.IsActive {
			continue
		}
		res = append(res, *p)
	}
	return res, nil
}

// SearchProducts ищет активные товары по подстроке в названии или описании.
func (r *MemoryRepository) SearchProducts(_ context.Context, query string) ([]model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := strings.ToLower(query)
	var res []model.Product
	for _, p := range r.products {
		if !p.IsActive {
			continue
		}
		if strings.Contains(strings.ToLower(p.Name), q) || strings.Contains(strings.ToLower(p.Description), q) {
			res = append(res, *p)
		}
	}
	return res, nil
}

// CountActiveProducts возвращает число активных товаров.
func (r *MemoryRepository) CountActiveProducts(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, p := range r.products {
		if p.IsActive {
			n++
		}
	}
	return n, nil
}

// UpdateProduct применяет заданные поля изменения товара.
func (r *MemoryRepository) UpdateProduct(_ context.Context, id int64, upd model.ProductUpdate) (*model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.product(id)
	if !ok {
		return nil, ErrProductNotFound
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.Price != nil {
		p.Price = upd.Price.Round(2)
	}
	if upd.ImageURL != nil {
		p.ImageURL = *upd.ImageURL
	}
	if upd.DigitalContent != nil {
		p.DigitalContent = *upd.DigitalContent
	}
	if upd.StockQuantity != nil {
		p.StockQuantity = *upd.StockQuantity
	}
	if upd.IsActive != nil {
		p.IsActive = *upd.IsActive
	}
	p.UpdatedAt = r.now()

	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) saleCopy(s *model.Sale) model.Sale {
	cp := *s
	if p, ok := r.product(s.ProductID); ok {
		cp.ProductName = p.Name
	}
	return cp
}

func (r *MemoryRepository) sale(id int64) (*model.Sale, bool) {
	if id < 1 || id > int64(len(r.sales)) {
		return nil, false
	}
	return r.sales[id-1], true
}

// CreateSale сохраняет продажу.
func (r *MemoryRepository) CreateSale(_ context.Context, s model.Sale) (*model.Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSaleID++
	s.ID = r.nextSaleID
	s.Amount = s.Amount.Round(2)
	s.Status = model.SaleStatusPending
	s.CreatedAt = r.now()
	s.CompletedAt = nil
	r.sales = append(r.sales, &s)

	cp := r.saleCopy(&s)
	return &cp, nil
}

// GetSale возвращает продажу по идентификатору.
func (r *MemoryRepository) GetSale(_ context.Context, id int64) (*model.Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sale(id)
	if !ok {
		return nil, ErrSaleNotFound
	}
	cp := r.saleCopy(s)
	return &cp, nil
}

// CompleteSale завершает ожидающую продажу и списывает остаток товара.
func (r *MemoryRepository) CompleteSale(_ context.Context, id int64, paymentMethod, transactionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sale(id)
	if !ok {
		return ErrSaleNotFound
	}
	switch s.Status {
	case model.SaleStatusCompleted:
		return ErrSaleAlreadyCompleted
	case model.SaleStatusCancelled:
		return ErrSaleCancelled
	}

	s.Status = model.SaleStatusCompleted
	s.PaymentMethod = nullable(paymentMethod)
	s.TransactionID = nullable(transactionID)
	s.CompletedAt = &at

	if p, ok := r.product(s.ProductID); ok {
		p.SalesCount++
		if p.StockQuantity > 0 {
			p.StockQuantity--
		}
		p.UpdatedAt = r.now()
	}
	if u, ok := r.users[s.UserID]; ok {
		u.TotalPurchases++
		u.UpdatedAt = r.now()
	}
	return nil
}

// CancelSale отменяет ожидающую продажу.
func (r *MemoryRepository) CancelSale(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sale(id)
	if !ok {
		return ErrSaleNotFound
	}
	switch s.Status {
	case model.SaleStatusCompleted:
		return ErrSaleAlreadyCompleted
	case model.SaleStatusCancelled:
		return ErrSaleCancelled
	}
	s.Status = model.SaleStatusCancelled
	return nil
}

// HasCompletedSale сообщает, купил ли пользователь товар.
func (r *MemoryRepository) HasCompletedSale(_ context.Context, userID string, productID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sales {
		if s.UserID == userID && s.ProductID == productID && s.Status == model.SaleStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

// GetUserSales возвращает продажи пользователя.
func (r *MemoryRepository) GetUserSales(_ context.Context, userID string) ([]model.Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Sale
	for i := len(r.sales) - 1; i >= 0; i-- {
		if r.sales[i].UserID == userID {
			res = append(res, r.saleCopy(r.sales[i]))
		}
	}
	return res, nil
}

// GetSalesStats считает продажи и выручку.
func (r *MemoryRepository) GetSalesStats(context.Context) (model.SalesStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := model.SalesStats{CompletedTotal: decimal.Zero}
	for _, sale := range r.sales {
		switch sale.Status {
		case model.SaleStatusCompleted:
			s.CompletedCount++
			s.CompletedTotal = s.CompletedTotal.Add(sale.Amount)
		case model.SaleStatusPending:
			s.PendingCount++
		}
	}
	return s, nil
}

// LogSecurityEvent сохраняет событие безопасности.
func (r *MemoryRepository) LogSecurityEvent(_ context.Context, event model.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	return nil
}

// GetSecurityLogs возвращает последние события, при непустом eventType только этого типа.
func (r *MemoryRepository) GetSecurityLogs(_ context.Context, eventType model.EventType, limit int) ([]model.SecurityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.SecurityEvent
	for i := len(r.events) - 1; i >= 0 && len(res) < limit; i-- {
		if eventType == "" || r.events[i].Type == eventType {
			res = append(res, r.events[i])
		}
	}
	return res, nil
}

// CleanupOldData удаляет события безопасности старше olderThan.
func (r *MemoryRepository) CleanupOldData(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.events[:0]
	var removed int64
	for _, e := range r.events {
		if e.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.events = kept
	return removed, nil
}

// GetSetting возвращает значение настройки.
func (r *MemoryRepository) GetSetting(_ context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.settings[key]
	if !ok {
		return "", ErrSettingNotFound
	}
	return v, nil
}

// SetSetting сохраняет значение настройки.
func (r *MemoryRepository) SetSetting(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.settings[key] = value
	return nil
}
