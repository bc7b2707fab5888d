// Package model содержит доменные сущности сервиса тикетов и продаж.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет пользователя чат-платформы, хотя бы раз открывшего тикет.
type User struct {
	ID             string
	Username       string
	Avatar         string
	IsBlacklisted  bool
	TotalTickets   int
	TotalPurchases int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Actor описывает инициатора входящего события, как его передаёт шлюз чат-платформы.
type Actor struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Avatar           string    `json:"avatar,omitempty"`
	Bot              bool      `json:"bot,omitempty"`
	Staff            bool      `json:"staff,omitempty"`
	AccountCreatedAt time.Time `json:"account_created_at"`
}

// TicketStatus описывает состояние тикета.
type TicketStatus string

const (
	TicketStatusOpen   TicketStatus = "open"
	TicketStatusClosed TicketStatus = "closed"
)

// Ticket описывает сессию поддержки или покупки, привязанную к каналу.
type Ticket struct {
	ID          int64        `json:"id"`
	ChannelID   string       `json:"channel_id"`
	UserID      string       `json:"user_id"`
	ProductID   *int64       `json:"product_id,omitempty"`
	Status      TicketStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	ClosedAt    *time.Time   `json:"closed_at,omitempty"`
	ClosedBy    *string      `json:"closed_by,omitempty"`
	CloseReason *string      `json:"close_reason,omitempty"`
}

// IsOpen сообщает, открыт ли тикет.
func (t *Ticket) IsOpen() bool {
	return t.Status == TicketStatusOpen
}

// TicketStats содержит счётчики тикетов.
type TicketStats struct {
	Total  int `json:"total"`
	Open   int `json:"open"`
	Closed int `json:"closed"`
}

// UnlimitedStock обозначает товар без ограничения остатка.
const UnlimitedStock = -1

// Product описывает позицию каталога.
type Product struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Price          decimal.Decimal `json:"price"`
	ImageURL       string          `json:"image_url,omitempty"`
	DigitalContent string          `json:"-"`
	IsActive       bool            `json:"is_active"`
	StockQuantity  int             `json:"stock_quantity"`
	SalesCount     int             `json:"sales_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// InStock сообщает, доступен ли товар для покупки по остатку.
func (p *Product) InStock() bool {
	return p.StockQuantity != 0
}

// ProductUpdate содержит изменяемые поля товара. Nil означает «не менять».
type ProductUpdate struct {
	Name           *string
	Description    *string
	Price          *decimal.Decimal
	ImageURL       *string
	DigitalContent *string
	StockQuantity  *int
	IsActive       *bool
}

// SaleStatus описывает статус продажи.
type SaleStatus string

const (
	SaleStatusPending   SaleStatus = "pending"
	SaleStatusCompleted SaleStatus = "completed"
	SaleStatusCancelled SaleStatus = "cancelled"
)

// Sale описывает продажу товара пользователю.
type Sale struct {
	ID            int64           `json:"id"`
	UserID        string          `json:"user_id"`
	ProductID     int64           `json:"product_id"`
	ProductName   string          `json:"product_name,omitempty"`
	TicketID      *int64          `json:"ticket_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Status        SaleStatus      `json:"status"`
	PaymentMethod *string         `json:"payment_method,omitempty"`
	TransactionID *string         `json:"transaction_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// SalesStats содержит агрегаты по продажам.
type SalesStats struct {
	CompletedCount int             `json:"completed_count"`
	CompletedTotal decimal.Decimal `json:"completed_total"`
	PendingCount   int             `json:"pending_count"`
}

// EventType — тег события безопасности.
type EventType string

const (
	EventSessionCreated         EventType = "SESSION_CREATED"
	EventSessionClosed          EventType = "SESSION_CLOSED"
	EventSessionClaimed         EventType = "SESSION_CLAIMED"
	EventTranscriptGenerated    EventType = "TRANSCRIPT_GENERATED"
	EventPurchaseInitiated      EventType = "PURCHASE_INITIATED"
	EventSaleCompleted          EventType = "SALE_COMPLETED"
	EventSaleCancelled          EventType = "SALE_CANCELLED"
	EventDigitalContentAccessed EventType = "DIGITAL_CONTENT_ACCESSED"
	EventBlacklistedAttempt     EventType = "BLACKLISTED_USER_ATTEMPT"
	EventBotInteraction         EventType = "BOT_INTERACTION_ATTEMPT"
	EventRateLimitExceeded      EventType = "RATE_LIMIT_EXCEEDED"
	EventRateLimitHit           EventType = "RATE_LIMIT_HIT"
	EventNewAccount             EventType = "NEW_ACCOUNT_INTERACTION"
	EventDefaultAvatar          EventType = "DEFAULT_AVATAR_USER"
	EventUserBlacklisted        EventType = "USER_BLACKLISTED"
	EventUserUnblacklisted      EventType = "USER_REMOVED_FROM_BLACKLIST"
	EventIntegrityViolation     EventType = "INTEGRITY_VIOLATION"
	EventInteractionError       EventType = "INTERACTION_ERROR"
	EventUserActivity           EventType = "USER_ACTIVITY"
)

// SecurityEvent описывает неизменяемую запись журнала безопасности.
type SecurityEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"event_type"`
	UserID    string         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Message описывает сообщение в канале тикета.
type Message struct {
	Timestamp   time.Time `json:"timestamp"`
	Author      string    `json:"author"`
	Content     string    `json:"content"`
	EmbedTitle  string    `json:"embed_title,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
}

// Transcript содержит текстовую выгрузку истории канала тикета.
type Transcript struct {
	ChannelID    string    `json:"channel_id"`
	Text         string    `json:"text"`
	MessageCount int       `json:"message_count"`
	GeneratedAt  time.Time `json:"generated_at"`
}
