package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/catalog"
	"github.com/mmeshcher/ticketdesk/internal/middleware"
	"github.com/mmeshcher/ticketdesk/internal/model"
)

const (
	defaultLogsLimit = 50
	maxLogsLimit     = 500
)

type statsResponse struct {
	Tickets model.TicketStats `json:"tickets"`
	Catalog *catalog.Stats    `json:"catalog"`
}

type productPatch struct {
	Name           *string          `json:"name"`
	Description    *string          `json:"description"`
	Price          *decimal.Decimal `json:"price"`
	ImageURL       *string          `json:"image_url"`
	DigitalContent *string          `json:"digital_content"`
	StockQuantity  *int             `json:"stock_quantity"`
	IsActive       *bool            `json:"is_active"`
}

type saleCompletion struct {
	PaymentMethod string `json:"payment_method"`
	TransactionID string `json:"transaction_id"`
}

type blacklistRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type settingRequest struct {
	Value string `json:"value"`
}

// Stats обрабатывает GET /api/admin/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.tickets.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	cat, err := h.catalog.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, statsResponse{Tickets: tickets, Catalog: cat})
}

// ListProducts обрабатывает GET /api/admin/products, включая неактивные товары.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.List(r.Context(), false)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeList(w, products)
}

// CreateProduct обрабатывает POST /api/admin/products.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var in catalog.Input
	if err := decodeJSON(r, &in, false); err != nil {
		h.fail(w, err)
		return
	}
	p, err := h.catalog.Create(r.Context(), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, p)
}

// UpdateProduct обрабатывает PATCH /api/admin/products/{id}.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var patch productPatch
	if err := decodeJSON(r, &patch, false); err != nil {
		h.fail(w, err)
		return
	}

	p, err := h.catalog.Update(r.Context(), id, model.ProductUpdate(patch))
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, p)
}

// DeleteProduct обрабатывает DELETE /api/admin/products/{id}.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.catalog.Delete(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CompleteSale обрабатывает POST /api/admin/sales/{id}/complete.
func (h *Handler) CompleteSale(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req saleCompletion
	if err := decodeJSON(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}
	if req.PaymentMethod == "" {
		h.fail(w, invalidInput("", "payment_method is required"))
		return
	}

	sale, err := h.purchases.CompleteSale(r.Context(), id, req.PaymentMethod, req.TransactionID)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, sale)
}

// CancelSale обрабатывает POST /api/admin/sales/{id}/cancel.
func (h *Handler) CancelSale(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	sale, err := h.purchases.CancelSale(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, sale)
}

// AddToBlacklist обрабатывает POST /api/admin/blacklist.
func (h *Handler) AddToBlacklist(w http.ResponseWriter, r *http.Request) {
	var req blacklistRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		h.fail(w, invalidInput("", "user_id is required"))
		return
	}
	if err := h.moderation.Blacklist(r.Context(), req.UserID, req.Reason); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveFromBlacklist обрабатывает DELETE /api/admin/blacklist/{userID}.
func (h *Handler) RemoveFromBlacklist(w http.ResponseWriter, r *http.Request) {
	if err := h.moderation.Unblacklist(r.Context(), chi.URLParam(r, "userID")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cleanup обрабатывает POST /api/admin/cleanup: удаляет записи журнала старше срока хранения.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := h.audit.Cleanup(r.Context(), h.retention)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Info("security log cleanup", zap.Int64("deleted", n))
	middleware.WriteJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// ReconcileOrphans обрабатывает POST /api/admin/orphans.
func (h *Handler) ReconcileOrphans(w http.ResponseWriter, r *http.Request) {
	n, err := h.tickets.ReconcileOrphans(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]int{"closed": n})
}

// SecurityLogs обрабатывает GET /api/admin/security-logs?type=&limit=.
func (h *Handler) SecurityLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(w, invalidInput(raw, "invalid limit"))
			return
		}
		limit = min(n, maxLogsLimit)
	}

	events, err := h.logs.GetSecurityLogs(r.Context(), model.EventType(r.URL.Query().Get("type")), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeList(w, events)
}

// GetSettings обрабатывает GET /api/admin/settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	rt, err := h.settings.Load(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, rt)
}

// PutSetting обрабатывает PUT /api/admin/settings/{key} и сразу применяет
// новые значения к менеджеру тикетов.
func (h *Handler) PutSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}
	rt, err := h.settings.Set(r.Context(), chi.URLParam(r, "key"), req.Value)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.tickets.Reconfigure(rt.CategoryID, rt.IdleTimeout, rt.AutoClose)
	middleware.WriteJSON(w, http.StatusOK, rt)
}
