package handler

import (
	"net/http"
	"strings"

	"github.com/mmeshcher/ticketdesk/internal/middleware"
	"github.com/mmeshcher/ticketdesk/internal/model"
)

type ticketRequest struct {
	ProductID int64 `json:"product_id"`
}

// OpenTicket обрабатывает POST /api/commands/ticket.
func (h *Handler) OpenTicket(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req ticketRequest
	if err := decodeJSON(r, &req, true); err != nil {
		h.fail(w, err)
		return
	}
	var productID *int64
	if req.ProductID > 0 {
		productID = &req.ProductID
	}
	t, err := h.tickets.Create(r.Context(), actor, productID)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, t)
}

// MyTickets обрабатывает GET /api/commands/tickets.
func (h *Handler) MyTickets(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	tickets, err := h.tickets.History(r.Context(), actor.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeList(w, tickets)
}

// MyPurchases обрабатывает GET /api/commands/purchases.
func (h *Handler) MyPurchases(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	sales, err := h.purchases.Purchases(r.Context(), actor.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeList(w, sales)
}

// Products обрабатывает GET /api/commands/products. С параметром q выполняет поиск.
func (h *Handler) Products(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))

	var (
		products []model.Product
		err      error
	)
	if q != "" {
		products, err = h.catalog.Search(r.Context(), q)
	} else {
		products, err = h.catalog.List(r.Context(), true)
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeList(w, products)
}

// DigitalContent обрабатывает GET /api/commands/products/{id}/content.
func (h *Handler) DigitalContent(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	content, err := h.purchases.GetDigitalContent(r.Context(), id, actor.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"product_id": id, "content": content})
}
