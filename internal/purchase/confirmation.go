package purchase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/model"
)

// Status — состояние подтверждения покупки.
type Status string

const (
	StatusOffered   Status = "OFFERED"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
	StatusAborted   Status = "ABORTED"
)

// Choice — ответ участника на запрос подтверждения.
type Choice int

const (
	ChoiceConfirm Choice = iota + 1
	ChoiceCancel
)

// Result — итог подтверждения. Err содержит доменный исход подтверждённой
// покупки, например ALREADY_HAS_SESSION, и не означает сбой самого Resolve.
type Result struct {
	GateID  string        `json:"gate_id"`
	Status  Status        `json:"status"`
	Ticket  *model.Ticket `json:"ticket,omitempty"`
	Sale    *model.Sale   `json:"sale,omitempty"`
	Ignored bool          `json:"ignored,omitempty"`
	Err     error         `json:"-"`
}

// Confirmation — запрос подтверждения с единственным допустимым отвечающим.
// Решение принимается один раз; остальные участники гонки получают уже
// принятое решение.
type Confirmation struct {
	ID       string
	Actor    model.Actor
	Product  model.Product
	Deadline time.Time

	mu     sync.Mutex
	status Status
	result *Result
	timer  *time.Timer
	done   chan struct{}
}

func newConfirmation(id string, actor model.Actor, product model.Product, deadline time.Time) *Confirmation {
	return &Confirmation{
		ID:       id,
		Actor:    actor,
		Product:  product,
		Deadline: deadline,
		status:   StatusOffered,
		done:     make(chan struct{}),
	}
}

// Status возвращает текущее состояние.
func (c *Confirmation) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// decide фиксирует решение, если оно ещё не принято.
func (c *Confirmation) decide(status Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusOffered {
		return false
	}
	c.status = status
	if c.timer != nil {
		c.timer.Stop()
	}
	return true
}

// finish публикует итог решения. Вызывается ровно один раз победителем decide.
func (c *Confirmation) finish(res *Result) {
	c.mu.Lock()
	c.result = res
	c.mu.Unlock()
	close(c.done)
}

// wait ждёт итога решения, принятого другим участником.
func (c *Confirmation) wait(ctx context.Context, limit time.Duration) (*Result, error) {
	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for confirmation %s: %w", c.ID, ctx.Err())
	case <-timer.C:
		return nil, apperr.New(apperr.KindResource, c.ID, "confirmation is still being processed")
	}
}

func (c *Confirmation) settled(retention time.Duration, now time.Time) bool {
	select {
	case <-c.done:
		return now.After(c.Deadline.Add(retention))
	default:
		return false
	}
}
