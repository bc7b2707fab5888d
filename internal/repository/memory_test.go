package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

func TestMemoryTicketExclusivity(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, r.UpsertUser(ctx, "u1", "alice", ""))

	var (
		wg      sync.WaitGroup
		success atomic.Int32
		dup     atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.CreateTicket(ctx, "c"+string(rune('a'+i)), "u1", nil)
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, ErrActiveTicketExists):
				dup.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
	assert.Equal(t, int32(19), dup.Load())
}

func TestMemoryCloseTicketOnce(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	_, err := r.CreateTicket(ctx, "c1", "u1", nil)
	require.NoError(t, err)

	now := time.Now()
	closed, err := r.CloseTicket(ctx, "c1", "u1", "done", now)
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = r.CloseTicket(ctx, "c1", "system", "idle-timeout", now)
	require.NoError(t, err)
	assert.False(t, closed)

	tk, err := r.GetTicketByChannel(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.TicketStatusClosed, tk.Status)
	assert.Equal(t, "done", *tk.CloseReason)

	_, err = r.GetUserOpenTicket(ctx, "u1")
	assert.ErrorIs(t, err, ErrTicketNotFound)

	_, err = r.CreateTicket(ctx, "c2", "u1", nil)
	assert.NoError(t, err, "closed ticket does not block a new one")
}

func TestMemoryCompleteSaleTwice(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, r.UpsertUser(ctx, "u1", "alice", ""))

	p, err := r.CreateProduct(ctx, model.Product{Name: "Key", Price: decimal.RequireFromString("9.99"), IsActive: true, StockQuantity: 3})
	require.NoError(t, err)

	s, err := r.CreateSale(ctx, model.Sale{UserID: "u1", ProductID: p.ID, Amount: p.Price})
	require.NoError(t, err)
	assert.Equal(t, model.SaleStatusPending, s.Status)
	assert.Equal(t, "Key", s.ProductName)

	require.NoError(t, r.CompleteSale(ctx, s.ID, "pix", "tx-1", time.Now()))
	err = r.CompleteSale(ctx, s.ID, "pix", "tx-1", time.Now())
	assert.ErrorIs(t, err, ErrSaleAlreadyCompleted)

	got, err := r.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.StockQuantity)
	assert.Equal(t, 1, got.SalesCount)

	u, err := r.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.TotalPurchases)

	ok, err := r.HasCompletedSale(ctx, "u1", p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.HasCompletedSale(ctx, "u1", p.ID+1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCancelSale(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	s, err := r.CreateSale(ctx, model.Sale{UserID: "u1", ProductID: 1, Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)

	require.NoError(t, r.CancelSale(ctx, s.ID))
	assert.ErrorIs(t, r.CancelSale(ctx, s.ID), ErrSaleCancelled)
	assert.ErrorIs(t, r.CompleteSale(ctx, s.ID, "", "", time.Now()), ErrSaleCancelled)
	assert.ErrorIs(t, r.CancelSale(ctx, 99), ErrSaleNotFound)
}

func TestMemoryUnlimitedStockNotDecremented(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	p, err := r.CreateProduct(ctx, model.Product{Name: "Service", Price: decimal.NewFromInt(1), IsActive: true, StockQuantity: model.UnlimitedStock})
	require.NoError(t, err)
	s, err := r.CreateSale(ctx, model.Sale{UserID: "u1", ProductID: p.ID, Amount: p.Price})
	require.NoError(t, err)
	require.NoError(t, r.CompleteSale(ctx, s.ID, "", "", time.Now()))

	got, err := r.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnlimitedStock, got.StockQuantity)
}

func TestMemoryCleanupOldData(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, r.LogSecurityEvent(ctx, model.SecurityEvent{ID: "old", Type: model.EventRateLimitHit, CreatedAt: now.AddDate(0, 0, -40)}))
	require.NoError(t, r.LogSecurityEvent(ctx, model.SecurityEvent{ID: "new", Type: model.EventSessionCreated, CreatedAt: now}))

	n, err := r.CleanupOldData(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	logs, err := r.GetSecurityLogs(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "new", logs[0].ID)
}

func TestMemorySearchProducts(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	_, err := r.CreateProduct(ctx, model.Product{Name: "Game Key", Description: "Steam", IsActive: true})
	require.NoError(t, err)
	_, err = r.CreateProduct(ctx, model.Product{Name: "Hidden", Description: "steam", IsActive: false})
	require.NoError(t, err)

	res, err := r.SearchProducts(ctx, "STEAM")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "Game Key", res[0].Name)
}

func TestMemorySettingsDefaults(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	v, err := r.GetSetting(ctx, "ticket_timeout_hours")
	require.NoError(t, err)
	assert.Equal(t, "24", v)

	_, err = r.GetSetting(ctx, "missing")
	assert.ErrorIs(t, err, ErrSettingNotFound)
}
