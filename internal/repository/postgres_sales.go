package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

const productColumns = `id, name, description, price::text, image_url, digital_content, is_active, stock_quantity, sales_count, created_at, updated_at`

func scanProduct(row pgx.Row) (*model.Product, error) {
	var (
		p     model.Product
		price string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &price, &p.ImageURL, &p.DigitalContent,
		&p.IsActive, &p.StockQuantity, &p.SalesCount, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	d, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	p.Price = d
	return &p, nil
}

func collectProducts(rows pgx.Rows) ([]model.Product, error) {
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// CreateProduct сохраняет новый товар.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p model.Product) (*model.Product, error) {
	created, err := scanProduct(r.pool.QueryRow(ctx,
		`INSERT INTO products (name, description, price, image_url, digital_content, is_active, stock_quantity)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
		 RETURNING `+productColumns,
		p.Name, p.Description, p.Price.StringFixed(2), p.ImageURL, p.DigitalContent, p.IsActive, p.StockQuantity,
	))
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	return created, nil
}

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// ListProducts возвращает товары, при activeOnly только активные.
func (r *PostgresRepository) ListProducts(ctx context.Context, activeOnly bool) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE NOT $1 OR is_active ORDER BY id`,
		activeOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	return collectProducts(rows)
}

// SearchProducts ищет активные товары по подстроке в названии или описании без учёта регистра.
func (r *PostgresRepository) SearchProducts(ctx context.Context, query string) ([]model.Product, error) {
	pattern := "%" + strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query) + "%"
	rows, err := r.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products
		 WHERE is_active AND (name ILIKE $1 OR description ILIKE $1)
		 ORDER BY id`,
		pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("search products: %w", err)
	}
	return collectProducts(rows)
}

// CountActiveProducts возвращает число активных товаров.
func (r *PostgresRepository) CountActiveProducts(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products WHERE is_active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return n, nil
}

// UpdateProduct изменяет заданные поля товара.
func (r *PostgresRepository) UpdateProduct(ctx context.Context, id int64, upd model.ProductUpdate) (*model.Product, error) {
	var price *string
	if upd.Price != nil {
		s := upd.Price.StringFixed(2)
		price = &s
	}

	p, err := scanProduct(r.pool.QueryRow(ctx,
		`UPDATE products SET
		    name            = COALESCE($2, name),
		    description     = COALESCE($3, description),
		    price           = COALESCE($4::numeric, price),
		    image_url       = COALESCE($5, image_url),
		    digital_content = COALESCE($6, digital_content),
		    stock_quantity  = COALESCE($7, stock_quantity),
		    is_active       = COALESCE($8, is_active),
		    updated_at      = NOW()
		 WHERE id = $1
		 RETURNING `+productColumns,
		id, upd.Name, upd.Description, price, upd.ImageURL, upd.DigitalContent, upd.StockQuantity, upd.IsActive,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("update product: %w", err)
	}
	return p, nil
}

const saleColumns = `s.id, s.user_id, s.product_id, COALESCE(p.name, ''), s.ticket_id, s.amount::text, s.status,
	s.payment_method, s.transaction_id, s.created_at, s.completed_at`

func scanSale(row pgx.Row) (*model.Sale, error) {
	var (
		s      model.Sale
		amount string
		status string
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.ProductID, &s.ProductName, &s.TicketID, &amount, &status,
		&s.PaymentMethod, &s.TransactionID, &s.CreatedAt, &s.CompletedAt); err != nil {
		return nil, err
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	s.Amount = d
	s.Status = model.SaleStatus(status)
	return &s, nil
}

// CreateSale сохраняет продажу в статусе pending.
func (r *PostgresRepository) CreateSale(ctx context.Context, s model.Sale) (*model.Sale, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO sales (user_id, product_id, ticket_id, amount, status) VALUES ($1, $2, $3, $4::numeric, $5) RETURNING id`,
		s.UserID, s.ProductID, s.TicketID, s.Amount.StringFixed(2), string(model.SaleStatusPending),
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create sale: %w", err)
	}
	return r.GetSale(ctx, id)
}

// GetSale возвращает продажу по идентификатору.
func (r *PostgresRepository) GetSale(ctx context.Context, id int64) (*model.Sale, error) {
	s, err := scanSale(r.pool.QueryRow(ctx,
		`SELECT `+saleColumns+` FROM sales s LEFT JOIN products p ON p.id = s.product_id WHERE s.id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSaleNotFound
		}
		return nil, fmt.Errorf("get sale: %w", err)
	}
	return s, nil
}

// CompleteSale завершает продажу в одной транзакции: блокирует строку продажи,
// увеличивает счётчик продаж, уменьшает конечный остаток и счётчик покупок пользователя.
func (r *PostgresRepository) CompleteSale(ctx context.Context, id int64, paymentMethod, transactionID string, at time.Time) error {
	return r.withRetry(ctx, func() error {
		return r.completeSaleTx(ctx, id, paymentMethod, transactionID, at)
	})
}

func (r *PostgresRepository) completeSaleTx(ctx context.Context, id int64, paymentMethod, transactionID string, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status    string
		userID    string
		productID int64
	)
	err = tx.QueryRow(ctx,
		`SELECT status, user_id, product_id FROM sales WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&status, &userID, &productID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSaleNotFound
		}
		return fmt.Errorf("lock sale: %w", err)
	}

	switch model.SaleStatus(status) {
	case model.SaleStatusCompleted:
		return ErrSaleAlreadyCompleted
	case model.SaleStatusCancelled:
		return ErrSaleCancelled
	}

	_, err = tx.Exec(ctx,
		`UPDATE sales SET status = $2, payment_method = $3, transaction_id = $4, completed_at = $5 WHERE id = $1`,
		id, string(model.SaleStatusCompleted), nullable(paymentMethod), nullable(transactionID), at,
	)
	if err != nil {
		return fmt.Errorf("update sale: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE products SET
		    sales_count    = sales_count + 1,
		    stock_quantity = CASE WHEN stock_quantity > 0 THEN stock_quantity - 1 ELSE stock_quantity END,
		    updated_at     = NOW()
		 WHERE id = $1`,
		productID,
	)
	if err != nil {
		return fmt.Errorf("update product counters: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET total_purchases = total_purchases + 1, updated_at = NOW() WHERE id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("update user purchases: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CancelSale отменяет ожидающую продажу.
func (r *PostgresRepository) CancelSale(ctx context.Context, id int64) error {
	var status string
	err := r.pool.QueryRow(ctx,
		`UPDATE sales SET status = $2 WHERE id = $1 AND status = $3
		 RETURNING status`,
		id, string(model.SaleStatusCancelled), string(model.SaleStatusPending),
	).Scan(&status)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("cancel sale: %w", err)
	}

	s, err := r.GetSale(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == model.SaleStatusCompleted {
		return ErrSaleAlreadyCompleted
	}
	return ErrSaleCancelled
}

// HasCompletedSale сообщает, купил ли пользователь указанный товар.
func (r *PostgresRepository) HasCompletedSale(ctx context.Context, userID string, productID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sales WHERE user_id = $1 AND product_id = $2 AND status = $3)`,
		userID, productID, string(model.SaleStatusCompleted),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check completed sale: %w", err)
	}
	return exists, nil
}

// GetUserSales возвращает продажи пользователя с названиями товаров, новые первыми.
func (r *PostgresRepository) GetUserSales(ctx context.Context, userID string) ([]model.Sale, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+saleColumns+` FROM sales s LEFT JOIN products p ON p.id = s.product_id
		 WHERE s.user_id = $1 ORDER BY s.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select user sales: %w", err)
	}
	defer rows.Close()

	var res []model.Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// GetSalesStats возвращает агрегаты по продажам.
func (r *PostgresRepository) GetSalesStats(ctx context.Context) (model.SalesStats, error) {
	var (
		s     model.SalesStats
		total string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'completed'),
		        COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0)::text,
		        COUNT(*) FILTER (WHERE status = 'pending')
		 FROM sales`,
	).Scan(&s.CompletedCount, &total, &s.PendingCount)
	if err != nil {
		return model.SalesStats{}, fmt.Errorf("sales stats: %w", err)
	}

	d, err := decimal.NewFromString(total)
	if err != nil {
		return model.SalesStats{}, fmt.Errorf("parse sales total: %w", err)
	}
	s.CompletedTotal = d
	return s, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
