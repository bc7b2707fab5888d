// Package repository содержит реализацию доступа к данным в PostgreSQL и в памяти процесса.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при конфликте сериализации, взаимной
// блокировке или обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays[i]):
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Имена ограничений, нарушения которых переводятся в доменные ошибки.
const (
	constraintUserOpenTicket = "uq_tickets_user_open"
	constraintTicketProduct  = "tickets_product_id_fkey"
)

// violates сообщает, что err нарушает ограничение constraint с кодом code.
func violates(err error, code, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code && pgErr.ConstraintName == constraint
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// UpsertUser создаёт пользователя или обновляет его отображаемое имя.
func (r *PostgresRepository) UpsertUser(ctx context.Context, userID, username, avatar string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, avatar) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, avatar = EXCLUDED.avatar, updated_at = NOW()`,
		userID, username, avatar,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, username, avatar, is_blacklisted, total_tickets, total_purchases, created_at, updated_at
		 FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Username, &u.Avatar, &u.IsBlacklisted, &u.TotalTickets, &u.TotalPurchases, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// IncrementUserTickets увеличивает счётчик открытых пользователем тикетов.
func (r *PostgresRepository) IncrementUserTickets(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET total_tickets = total_tickets + 1, updated_at = NOW() WHERE id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("increment user tickets: %w", err)
	}
	return nil
}

// SetUserBlacklisted устанавливает флаг блокировки. Неизвестный пользователь создаётся.
func (r *PostgresRepository) SetUserBlacklisted(ctx context.Context, userID string, blacklisted bool) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, is_blacklisted) VALUES ($1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET is_blacklisted = EXCLUDED.is_blacklisted, updated_at = NOW()`,
		userID, blacklisted,
	)
	if err != nil {
		return fmt.Errorf("set user blacklisted: %w", err)
	}
	return nil
}

// ListBlacklistedUserIDs возвращает идентификаторы заблокированных пользователей.
func (r *PostgresRepository) ListBlacklistedUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM users WHERE is_blacklisted ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select blacklisted users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect blacklisted users: %w", err)
	}
	return ids, nil
}

// LogSecurityEvent сохраняет событие безопасности.
func (r *PostgresRepository) LogSecurityEvent(ctx context.Context, event model.SecurityEvent) error {
	data := event.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	var userID *string
	if event.UserID != "" {
		userID = &event.UserID
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO security_logs (id, event_type, user_id, data, created_at) VALUES ($1, $2, $3, $4, $5)`,
		event.ID, string(event.Type), userID, payload, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

// GetSecurityLogs возвращает последние события, опционально по типу.
func (r *PostgresRepository) GetSecurityLogs(ctx context.Context, eventType model.EventType, limit int) ([]model.SecurityEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, event_type, COALESCE(user_id, ''), data, created_at
		 FROM security_logs
		 WHERE $1 = '' OR event_type = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		string(eventType), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select security logs: %w", err)
	}
	defer rows.Close()

	var res []model.SecurityEvent
	for rows.Next() {
		var (
			ev      model.SecurityEvent
			evType  string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &evType, &ev.UserID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		ev.Type = model.EventType(evType)
		if err := json.Unmarshal(payload, &ev.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		res = append(res, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CleanupOldData удаляет события безопасности старше olderThan.
func (r *PostgresRepository) CleanupOldData(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM security_logs WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleanup security logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetSetting возвращает значение настройки.
func (r *PostgresRepository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSettingNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting сохраняет значение настройки.
func (r *PostgresRepository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}
