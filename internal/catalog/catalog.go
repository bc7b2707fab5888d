// Package catalog реализует администрирование каталога товаров.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/model"
	"github.com/mmeshcher/ticketdesk/internal/repository"
)

// Ограничения каталога.
const (
	MaxNameLength        = 100
	MaxDescriptionLength = 500
	MaxActiveProducts    = 30
	TopProducts          = 5
)

// Repository описывает контракт хранилища товаров.
type Repository interface {
	CreateProduct(ctx context.Context, p model.Product) (*model.Product, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	ListProducts(ctx context.Context, activeOnly bool) ([]model.Product, error)
	SearchProducts(ctx context.Context, query string) ([]model.Product, error)
	CountActiveProducts(ctx context.Context) (int, error)
	UpdateProduct(ctx context.Context, id int64, upd model.ProductUpdate) (*model.Product, error)
	GetSalesStats(ctx context.Context) (model.SalesStats, error)
}

// Encrypter шифрует цифровое содержимое перед сохранением.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Input содержит данные нового товара.
type Input struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Price          decimal.Decimal `json:"price"`
	ImageURL       string          `json:"image_url"`
	DigitalContent string          `json:"digital_content"`
	StockQuantity  *int            `json:"stock_quantity"`
}

// Stats содержит сводку по каталогу и продажам.
type Stats struct {
	Products int              `json:"products"`
	Active   int              `json:"active"`
	Sales    model.SalesStats `json:"sales"`
	Top      []model.Product  `json:"top"`
}

// Service управляет каталогом.
type Service struct {
	repo  Repository
	crypt Encrypter
	panel *Panel
	log   *zap.Logger
}

// NewService создаёт сервис каталога.
func NewService(repo Repository, crypt Encrypter, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, crypt: crypt, log: log}
}

// WithPanel подключает витрину, которая обновляется после каждого изменения каталога.
func (s *Service) WithPanel(p *Panel) *Service {
	s.panel = p
	return s
}

func (s *Service) changed(ctx context.Context) {
	if s.panel != nil {
		s.panel.Refresh(ctx)
	}
}

func invalid(format string, args ...any) error {
	return apperr.New(apperr.KindInvalidInput, "", fmt.Sprintf(format, args...))
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return invalid("name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return invalid("name must be at most %d characters", MaxNameLength)
	}
	return nil
}

func validateDescription(desc string) error {
	if utf8.RuneCountInString(desc) > MaxDescriptionLength {
		return invalid("description must be at most %d characters", MaxDescriptionLength)
	}
	return nil
}

func validatePrice(price decimal.Decimal) error {
	if price.IsNegative() {
		return invalid("price must not be negative")
	}
	return nil
}

func validateStock(stock int) error {
	if stock < model.UnlimitedStock {
		return invalid("stock quantity must be %d (unlimited) or greater", model.UnlimitedStock)
	}
	return nil
}

func (s *Service) checkActiveLimit(ctx context.Context) error {
	n, err := s.repo.CountActiveProducts(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindResource, "", fmt.Errorf("count products: %w", err))
	}
	if n >= MaxActiveProducts {
		return apperr.New(apperr.KindInvalidState, "", fmt.Sprintf("catalog already has %d active products", MaxActiveProducts))
	}
	return nil
}

func (s *Service) seal(content string) (string, error) {
	if content == "" {
		return "", nil
	}
	sealed, err := s.crypt.Encrypt(content)
	if err != nil {
		return "", apperr.Wrap(apperr.KindResource, "", fmt.Errorf("encrypt digital content: %w", err))
	}
	return sealed, nil
}

// Create добавляет активный товар. Цифровое содержимое хранится зашифрованным.
func (s *Service) Create(ctx context.Context, in Input) (*model.Product, error) {
	if err := validateName(in.Name); err != nil {
		return nil, err
	}
	if err := validateDescription(in.Description); err != nil {
		return nil, err
	}
	if err := validatePrice(in.Price); err != nil {
		return nil, err
	}
	stock := model.UnlimitedStock
	if in.StockQuantity != nil {
		stock = *in.StockQuantity
	}
	if err := validateStock(stock); err != nil {
		return nil, err
	}
	if err := s.checkActiveLimit(ctx); err != nil {
		return nil, err
	}

	sealed, err := s.seal(in.DigitalContent)
	if err != nil {
		return nil, err
	}

	p, err := s.repo.CreateProduct(ctx, model.Product{
		Name:           strings.TrimSpace(in.Name),
		Description:    in.Description,
		Price:          in.Price.Round(2),
		ImageURL:       in.ImageURL,
		DigitalContent: sealed,
		IsActive:       true,
		StockQuantity:  stock,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, "", fmt.Errorf("create product: %w", err))
	}

	s.log.Info("product created", zap.Int64("product_id", p.ID), zap.String("name", p.Name))
	s.changed(ctx)
	return p, nil
}

// Update изменяет переданные поля товара. Новое цифровое содержимое шифруется.
func (s *Service) Update(ctx context.Context, id int64, upd model.ProductUpdate) (*model.Product, error) {
	if upd.Name != nil {
		if err := validateName(*upd.Name); err != nil {
			return nil, err
		}
		name := strings.TrimSpace(*upd.Name)
		upd.Name = &name
	}
	if upd.Description != nil {
		if err := validateDescription(*upd.Description); err != nil {
			return nil, err
		}
	}
	if upd.Price != nil {
		if err := validatePrice(*upd.Price); err != nil {
			return nil, err
		}
	}
	if upd.StockQuantity != nil {
		if err := validateStock(*upd.StockQuantity); err != nil {
			return nil, err
		}
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.IsActive != nil && *upd.IsActive && !current.IsActive {
		if err := s.checkActiveLimit(ctx); err != nil {
			return nil, err
		}
	}

	if upd.DigitalContent != nil {
		sealed, err := s.seal(*upd.DigitalContent)
		if err != nil {
			return nil, err
		}
		upd.DigitalContent = &sealed
	}

	p, err := s.repo.UpdateProduct(ctx, id, upd)
	if err != nil {
		return nil, productError(id, err)
	}
	s.log.Info("product updated", zap.Int64("product_id", id))
	s.changed(ctx)
	return p, nil
}

// Delete снимает товар с продажи. Запись товара сохраняется для истории продаж.
func (s *Service) Delete(ctx context.Context, id int64) error {
	inactive := false
	if _, err := s.repo.UpdateProduct(ctx, id, model.ProductUpdate{IsActive: &inactive}); err != nil {
		return productError(id, err)
	}
	s.log.Info("product deactivated", zap.Int64("product_id", id))
	s.changed(ctx)
	return nil
}

// Get возвращает товар по идентификатору.
func (s *Service) Get(ctx context.Context, id int64) (*model.Product, error) {
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, productError(id, err)
	}
	return p, nil
}

// List возвращает товары каталога.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]model.Product, error) {
	list, err := s.repo.ListProducts(ctx, activeOnly)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, "", fmt.Errorf("list products: %w", err))
	}
	return list, nil
}

// Search ищет активные товары по названию и описанию без учёта регистра.
func (s *Service) Search(ctx context.Context, query string) ([]model.Product, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalid("search query is required")
	}
	list, err := s.repo.SearchProducts(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, "", fmt.Errorf("search products: %w", err))
	}
	return list, nil
}

// Stats возвращает сводку каталога и пять самых продаваемых товаров.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	all, err := s.List(ctx, false)
	if err != nil {
		return nil, err
	}
	sales, err := s.repo.GetSalesStats(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResource, "", fmt.Errorf("sales stats: %w", err))
	}

	st := &Stats{Products: len(all), Sales: sales}
	for _, p := range all {
		if p.IsActive {
			st.Active++
		}
	}

	top := make([]model.Product, 0, len(all))
	for _, p := range all {
		if p.SalesCount > 0 {
			top = append(top, p)
		}
	}
	sort.SliceStable(top, func(i, j int) bool { return top[i].SalesCount > top[j].SalesCount })
	if len(top) > TopProducts {
		top = top[:TopProducts]
	}
	st.Top = top
	return st, nil
}

func productError(id int64, err error) error {
	if errors.Is(err, repository.ErrProductNotFound) {
		return apperr.New(apperr.KindItemNotFound, fmt.Sprint(id), "product not found")
	}
	return apperr.Wrap(apperr.KindResource, fmt.Sprint(id), err)
}
