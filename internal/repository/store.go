package repository

import (
	"context"
	"time"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

// Store — полный контракт хранилища. Ему удовлетворяют PostgresRepository
// и MemoryRepository.
type Store interface {
	UpsertUser(ctx context.Context, userID, username, avatar string) error
	GetUser(ctx context.Context, userID string) (*model.User, error)
	IncrementUserTickets(ctx context.Context, userID string) error
	SetUserBlacklisted(ctx context.Context, userID string, blacklisted bool) error
	ListBlacklistedUserIDs(ctx context.Context) ([]string, error)

	CreateTicket(ctx context.Context, channelID, userID string, productID *int64) (*model.Ticket, error)
	DeleteTicket(ctx context.Context, id int64) error
	GetTicketByChannel(ctx context.Context, channelID string) (*model.Ticket, error)
	GetUserOpenTicket(ctx context.Context, userID string) (*model.Ticket, error)
	CloseTicket(ctx context.Context, channelID, closedBy, reason string, at time.Time) (bool, error)
	ListOpenTickets(ctx context.Context) ([]model.Ticket, error)
	GetUserTickets(ctx context.Context, userID string, limit int) ([]model.Ticket, error)
	GetTicketStats(ctx context.Context) (model.TicketStats, error)

	CreateProduct(ctx context.Context, p model.Product) (*model.Product, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	ListProducts(ctx context.Context, activeOnly bool) ([]model.Product, error)
	SearchProducts(ctx context.Context, query string) ([]model.Product, error)
	CountActiveProducts(ctx context.Context) (int, error)
	UpdateProduct(ctx context.Context, id int64, upd model.ProductUpdate) (*model.Product, error)

	CreateSale(ctx context.Context, s model.Sale) (*model.Sale, error)
	GetSale(ctx context.Context, id int64) (*model.Sale, error)
	CompleteSale(ctx context.Context, id int64, paymentMethod, transactionID string, at time.Time) error
	CancelSale(ctx context.Context, id int64) error
	HasCompletedSale(ctx context.Context, userID string, productID int64) (bool, error)
	GetUserSales(ctx context.Context, userID string) ([]model.Sale, error)
	GetSalesStats(ctx context.Context) (model.SalesStats, error)

	LogSecurityEvent(ctx context.Context, event model.SecurityEvent) error
	GetSecurityLogs(ctx context.Context, eventType model.EventType, limit int) ([]model.SecurityEvent, error)
	CleanupOldData(ctx context.Context, olderThan time.Time) (int64, error)

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}

var (
	_ Store = (*PostgresRepository)(nil)
	_ Store = (*MemoryRepository)(nil)
)
