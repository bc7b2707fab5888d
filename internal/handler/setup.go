package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/middleware"
	"github.com/mmeshcher/ticketdesk/internal/model"
	"github.com/mmeshcher/ticketdesk/internal/settings"
)

type channelsSetup struct {
	CategoryID        string `json:"ticket_category_id"`
	ProductsChannelID string `json:"products_channel_id"`
}

type memberActivity struct {
	Activity string `json:"activity"`
}

// Виды активности участников сервера.
const (
	activityJoin  = "join"
	activityLeave = "leave"
)

var activityTags = map[string]string{
	activityJoin:  "GUILD_JOIN",
	activityLeave: "GUILD_LEAVE",
}

func (h *Handler) requireExists(ctx context.Context, id, what string, exists func(context.Context, string) (bool, error)) error {
	ok, err := exists(ctx, id)
	if err != nil {
		return apperr.Wrap(apperr.KindResource, id, fmt.Errorf("lookup %s: %w", what, err))
	}
	if !ok {
		return apperr.New(apperr.KindNotFound, id, what+" does not exist")
	}
	return nil
}

// SetupChannels обрабатывает POST /api/admin/setup/channels: проверяет, что
// категория тикетов и канал товаров существуют, и сохраняет их в настройках.
func (h *Handler) SetupChannels(w http.ResponseWriter, r *http.Request) {
	var req channelsSetup
	if err := decodeJSON(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}
	req.CategoryID = strings.TrimSpace(req.CategoryID)
	req.ProductsChannelID = strings.TrimSpace(req.ProductsChannelID)
	if req.CategoryID == "" || req.ProductsChannelID == "" {
		h.fail(w, invalidInput("", "ticket_category_id and products_channel_id are required"))
		return
	}

	ctx := r.Context()
	if err := h.requireExists(ctx, req.CategoryID, "ticket category", h.platform.CategoryExists); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.requireExists(ctx, req.ProductsChannelID, "products channel", h.platform.ChannelExists); err != nil {
		h.fail(w, err)
		return
	}

	if _, err := h.settings.Set(ctx, settings.KeyCategoryID, req.CategoryID); err != nil {
		h.fail(w, err)
		return
	}
	rt, err := h.settings.Set(ctx, settings.KeyProductsChannelID, req.ProductsChannelID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.tickets.Reconfigure(rt.CategoryID, rt.IdleTimeout, rt.AutoClose)

	h.logger.Info("channels configured",
		zap.String("category_id", rt.CategoryID),
		zap.String("products_channel_id", rt.ProductsChannelID),
	)
	middleware.WriteJSON(w, http.StatusOK, rt)
}

// PublishPanel обрабатывает POST /api/admin/setup/products.
func (h *Handler) PublishPanel(w http.ResponseWriter, r *http.Request) {
	n, err := h.panel.Publish(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]int{"products": n})
}

// MemberActivity обрабатывает POST /api/members/activity: шлюз сообщает о
// входе участника на сервер или выходе с него. Событие пишется в журнал
// безопасности и для заблокированных участников.
func (h *Handler) MemberActivity(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req memberActivity
	if err := decodeJSON(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}
	tag, ok := activityTags[req.Activity]
	if !ok {
		h.fail(w, invalidInput(req.Activity, "activity must be join or leave"))
		return
	}

	data := map[string]any{"activity": tag}
	if req.Activity == activityJoin && !actor.AccountCreatedAt.IsZero() {
		data["account_created_at"] = actor.AccountCreatedAt.UTC().Format(time.RFC3339)
	}
	if h.events != nil {
		h.events.Record(r.Context(), model.EventUserActivity, actor.ID, data)
	}
	w.WriteHeader(http.StatusNoContent)
}
