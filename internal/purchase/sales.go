package purchase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/model"
	"github.com/mmeshcher/ticketdesk/internal/repository"
)

func saleError(saleID int64, err error) error {
	subject := fmt.Sprint(saleID)
	switch {
	case errors.Is(err, repository.ErrSaleNotFound):
		return apperr.New(apperr.KindNotFound, subject, "sale not found")
	case errors.Is(err, repository.ErrSaleAlreadyCompleted):
		return apperr.New(apperr.KindAlreadyCompleted, subject, "sale is already completed")
	case errors.Is(err, repository.ErrSaleCancelled):
		return apperr.New(apperr.KindInvalidState, subject, "sale is cancelled")
	default:
		return apperr.Wrap(apperr.KindResource, subject, err)
	}
}

// CompleteSale завершает продажу: увеличивает счётчик продаж товара,
// уменьшает конечный остаток и счётчик покупок пользователя.
func (s *Service) CompleteSale(ctx context.Context, saleID int64, paymentMethod, transactionID string) (*model.Sale, error) {
	if err := s.repo.CompleteSale(ctx, saleID, paymentMethod, transactionID, s.now()); err != nil {
		return nil, saleError(saleID, err)
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, saleError(saleID, err)
	}

	s.audit.Record(ctx, model.EventSaleCompleted, sale.UserID, map[string]any{
		"sale_id":        sale.ID,
		"product_id":     sale.ProductID,
		"amount":         sale.Amount.StringFixed(2),
		"payment_method": paymentMethod,
	})
	s.log.Info("sale completed", zap.Int64("sale_id", saleID), zap.String("user_id", sale.UserID))
	return sale, nil
}

// CancelSale отменяет продажу в статусе pending.
func (s *Service) CancelSale(ctx context.Context, saleID int64) (*model.Sale, error) {
	if err := s.repo.CancelSale(ctx, saleID); err != nil {
		if errors.Is(err, repository.ErrSaleAlreadyCompleted) {
			return nil, apperr.New(apperr.KindInvalidState, fmt.Sprint(saleID), "completed sale cannot be cancelled")
		}
		return nil, saleError(saleID, err)
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, saleError(saleID, err)
	}

	s.audit.Record(ctx, model.EventSaleCancelled, sale.UserID, map[string]any{
		"sale_id":    sale.ID,
		"product_id": sale.ProductID,
	})
	return sale, nil
}

// GetDigitalContent выдаёт расшифрованное содержимое товара пользователю,
// у которого есть завершённая продажа именно этого товара.
func (s *Service) GetDigitalContent(ctx context.Context, productID int64, userID string) (string, error) {
	subject := fmt.Sprint(productID)

	ok, err := s.repo.HasCompletedSale(ctx, userID, productID)
	if err != nil {
		return "", apperr.Wrap(apperr.KindResource, subject, fmt.Errorf("check purchase: %w", err))
	}
	if !ok {
		return "", apperr.New(apperr.KindNotPurchased, subject, "you have not purchased this product")
	}

	p, err := s.repo.GetProduct(ctx, productID)
	if errors.Is(err, repository.ErrProductNotFound) {
		return "", apperr.New(apperr.KindItemNotFound, subject, "product not found")
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindResource, subject, fmt.Errorf("get product: %w", err))
	}
	if p.DigitalContent == "" {
		return "", apperr.New(apperr.KindNoContent, subject, "product has no digital content")
	}

	content, err := s.crypt.Decrypt(p.DigitalContent)
	if err != nil {
		s.log.Error("failed to decrypt digital content", zap.Int64("product_id", productID), zap.Error(err))
		return "", err
	}

	s.audit.Record(ctx, model.EventDigitalContentAccessed, userID, map[string]any{"product_id": productID})
	return content, nil
}

// Purchases возвращает продажи пользователя, начиная с последних.
func (s *Service) Purchases(ctx context.Context, userID string) ([]model.Sale, error) {
	sales, err := s.repo.GetUserSales(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, userID, fmt.Errorf("user sales: %w", err))
	}
	return sales, nil
}
