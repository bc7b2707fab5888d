package catalog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/model"
	"github.com/mmeshcher/ticketdesk/internal/repository"
	"github.com/mmeshcher/ticketdesk/internal/security"
)

func newService(t *testing.T) (*Service, *repository.MemoryRepository, *security.Cipher) {
	t.Helper()
	cipher, err := security.NewCipher([]byte("catalog-test-key"))
	require.NoError(t, err)
	repo := repository.NewMemoryRepository()
	return NewService(repo, cipher, nil), repo, cipher
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	negative := -2

	tests := []struct {
		name string
		in   Input
	}{
		{name: "empty name", in: Input{Name: "  "}},
		{name: "long name", in: Input{Name: strings.Repeat("n", MaxNameLength+1)}},
		{name: "long description", in: Input{Name: "ok", Description: strings.Repeat("d", MaxDescriptionLength+1)}},
		{name: "negative price", in: Input{Name: "ok", Price: decimal.NewFromInt(-1)}},
		{name: "bad stock", in: Input{Name: "ok", StockQuantity: &negative}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.in)
			assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput), "got %v", err)
		})
	}
}

func TestCreateEncryptsDigitalContent(t *testing.T) {
	svc, _, cipher := newService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, Input{Name: " Key ", Price: decimal.RequireFromString("9.999"), DigitalContent: "SECRET"})
	require.NoError(t, err)
	assert.Equal(t, "Key", p.Name)
	assert.True(t, p.IsActive)
	assert.Equal(t, model.UnlimitedStock, p.StockQuantity)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("10")))
	assert.NotEqual(t, "SECRET", p.DigitalContent)

	plain, err := cipher.Decrypt(p.DigitalContent)
	require.NoError(t, err)
	assert.Equal(t, "SECRET", plain)

	free, err := svc.Create(ctx, Input{Name: "Free"})
	require.NoError(t, err)
	assert.True(t, free.Price.IsZero())
	assert.Empty(t, free.DigitalContent)
}

func TestActiveProductLimit(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	var last *model.Product
	for i := 0; i < MaxActiveProducts; i++ {
		p, err := svc.Create(ctx, Input{Name: "p"})
		require.NoError(t, err)
		last = p
	}

	_, err := svc.Create(ctx, Input{Name: "overflow"})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

	require.NoError(t, svc.Delete(ctx, last.ID))
	_, err = svc.Create(ctx, Input{Name: "fits"})
	require.NoError(t, err)

	active := true
	_, err = svc.Update(ctx, last.ID, model.ProductUpdate{IsActive: &active})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

func TestUpdateAndDelete(t *testing.T) {
	svc, _, cipher := newService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, Input{Name: "Key", Price: decimal.NewFromInt(5)})
	require.NoError(t, err)

	price := decimal.NewFromInt(7)
	content := "NEW"
	updated, err := svc.Update(ctx, p.ID, model.ProductUpdate{Price: &price, DigitalContent: &content})
	require.NoError(t, err)
	assert.True(t, updated.Price.Equal(price))
	assert.Equal(t, "Key", updated.Name)
	plain, err := cipher.Decrypt(updated.DigitalContent)
	require.NoError(t, err)
	assert.Equal(t, "NEW", plain)

	empty := ""
	_, err = svc.Update(ctx, p.ID, model.ProductUpdate{Name: &empty})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))

	_, err = svc.Update(ctx, 999, model.ProductUpdate{Price: &price})
	assert.True(t, apperr.IsKind(err, apperr.KindItemNotFound))

	require.NoError(t, svc.Delete(ctx, p.ID))
	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	active, err := svc.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.True(t, apperr.IsKind(svc.Delete(ctx, 999), apperr.KindItemNotFound))
}

func TestSearch(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, Input{Name: "Steam Key", Description: "PC"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, Input{Name: "Gift Card", Description: "works on steam"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, Input{Name: "Other"})
	require.NoError(t, err)

	res, err := svc.Search(ctx, "STEAM")
	require.NoError(t, err)
	assert.Len(t, res, 2)

	_, err = svc.Search(ctx, " ")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))
}

func TestStatsTopProducts(t *testing.T) {
	svc, repo, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, repo.UpsertUser(ctx, "u1", "alice", ""))

	sold := make([]*model.Product, 0, 7)
	for i := 0; i < 7; i++ {
		p, err := svc.Create(ctx, Input{Name: "p", Price: decimal.NewFromInt(2)})
		require.NoError(t, err)
		sold = append(sold, p)
	}
	for i, p := range sold {
		for n := 0; n <= i; n++ {
			s, err := repo.CreateSale(ctx, model.Sale{UserID: "u1", ProductID: p.ID, Amount: p.Price})
			require.NoError(t, err)
			require.NoError(t, repo.CompleteSale(ctx, s.ID, "", "", time.Now()))
		}
	}
	_, err := repo.CreateSale(ctx, model.Sale{UserID: "u1", ProductID: sold[0].ID, Amount: decimal.NewFromInt(2)})
	require.NoError(t, err)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, st.Products)
	assert.Equal(t, 7, st.Active)
	assert.Equal(t, 28, st.Sales.CompletedCount)
	assert.True(t, st.Sales.CompletedTotal.Equal(decimal.NewFromInt(56)))
	assert.Equal(t, 1, st.Sales.PendingCount)
	require.Len(t, st.Top, TopProducts)
	assert.Equal(t, sold[6].ID, st.Top[0].ID)
	assert.Equal(t, 7, st.Top[0].SalesCount)
}
