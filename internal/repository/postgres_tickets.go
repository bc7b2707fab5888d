package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/ticketdesk/internal/model"
)

const ticketColumns = `id, channel_id, user_id, product_id, status, created_at, closed_at, closed_by, close_reason`

func scanTicket(row pgx.Row) (*model.Ticket, error) {
	var (
		t      model.Ticket
		status string
	)
	if err := row.Scan(&t.ID, &t.ChannelID, &t.UserID, &t.ProductID, &status, &t.CreatedAt, &t.ClosedAt, &t.ClosedBy, &t.CloseReason); err != nil {
		return nil, err
	}
	t.Status = model.TicketStatus(status)
	return &t, nil
}

func collectTickets(rows pgx.Rows) ([]model.Ticket, error) {
	defer rows.Close()

	var res []model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// CreateTicket сохраняет открытый тикет. Частичный уникальный индекс по
// открытым тикетам пользователя превращает гонку в ErrActiveTicketExists.
func (r *PostgresRepository) CreateTicket(ctx context.Context, channelID, userID string, productID *int64) (*model.Ticket, error) {
	t, err := scanTicket(r.pool.QueryRow(ctx,
		`INSERT INTO tickets (channel_id, user_id, product_id, status) VALUES ($1, $2, $3, $4)
		 RETURNING `+ticketColumns,
		channelID, userID, productID, string(model.TicketStatusOpen),
	))
	if err != nil {
		if violates(err, pgerrcode.UniqueViolation, constraintUserOpenTicket) {
			return nil, fmt.Errorf("%w: %s", ErrActiveTicketExists, userID)
		}
		if violates(err, pgerrcode.ForeignKeyViolation, constraintTicketProduct) {
			return nil, fmt.Errorf("%w: %d", ErrProductNotFound, *productID)
		}
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	return t, nil
}

// DeleteTicket физически удаляет тикет. Используется только для отката незавершённого создания.
func (r *PostgresRepository) DeleteTicket(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM tickets WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	return nil
}

// GetTicketByChannel возвращает тикет по идентификатору канала.
func (r *PostgresRepository) GetTicketByChannel(ctx context.Context, channelID string) (*model.Ticket, error) {
	t, err := scanTicket(r.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE channel_id = $1`,
		channelID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

// GetUserOpenTicket возвращает открытый тикет пользователя.
func (r *PostgresRepository) GetUserOpenTicket(ctx context.Context, userID string) (*model.Ticket, error) {
	t, err := scanTicket(r.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE user_id = $1 AND status = $2`,
		userID, string(model.TicketStatusOpen),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("get open ticket: %w", err)
	}
	return t, nil
}

// CloseTicket атомарно переводит тикет из open в closed. Возвращает false,
// если тикет уже закрыт кем-то другим.
func (r *PostgresRepository) CloseTicket(ctx context.Context, channelID, closedBy, reason string, at time.Time) (bool, error) {
	var closed bool
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE tickets SET status = $2, closed_at = $3, closed_by = $4, close_reason = $5
			 WHERE channel_id = $1 AND status = $6`,
			channelID, string(model.TicketStatusClosed), at, closedBy, reason, string(model.TicketStatusOpen),
		)
		if err != nil {
			return err
		}
		closed = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("close ticket: %w", err)
	}
	return closed, nil
}

// ListOpenTickets возвращает все открытые тикеты.
func (r *PostgresRepository) ListOpenTickets(ctx context.Context) ([]model.Ticket, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE status = $1 ORDER BY created_at`,
		string(model.TicketStatusOpen),
	)
	if err != nil {
		return nil, fmt.Errorf("select open tickets: %w", err)
	}
	return collectTickets(rows)
}

// GetUserTickets возвращает последние тикеты пользователя.
func (r *PostgresRepository) GetUserTickets(ctx context.Context, userID string, limit int) ([]model.Ticket, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select user tickets: %w", err)
	}
	return collectTickets(rows)
}

// GetTicketStats возвращает счётчики тикетов.
func (r *PostgresRepository) GetTicketStats(ctx context.Context) (model.TicketStats, error) {
	var s model.TicketStats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'open'),
		        COUNT(*) FILTER (WHERE status = 'closed')
		 FROM tickets`,
	).Scan(&s.Total, &s.Open, &s.Closed)
	if err != nil {
		return model.TicketStats{}, fmt.Errorf("ticket stats: %w", err)
	}
	return s, nil
}
