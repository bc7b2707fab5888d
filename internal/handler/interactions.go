package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mmeshcher/ticketdesk/internal/action"
	"github.com/mmeshcher/ticketdesk/internal/middleware"
	"github.com/mmeshcher/ticketdesk/internal/model"
	"github.com/mmeshcher/ticketdesk/internal/purchase"
)

// interaction — нажатие кнопки или выбор в меню, пересланное шлюзом.
type interaction struct {
	Action    string `json:"action"`
	ChannelID string `json:"channel_id"`
	ProductID int64  `json:"product_id"`
	GateID    string `json:"gate_id"`
	Reason    string `json:"reason"`

	arg string
}

type closeResponse struct {
	Closed     bool              `json:"closed"`
	Transcript *model.Transcript `json:"transcript,omitempty"`
}

// Interact обрабатывает POST /api/interactions.
func (h *Handler) Interact(w http.ResponseWriter, r *http.Request) {
	var in interaction
	if err := decodeJSON(r, &in, false); err != nil {
		h.fail(w, err)
		return
	}

	kind, arg, err := action.Parse(in.Action)
	if err != nil {
		h.fail(w, invalidInput(in.Action, "unknown action"))
		return
	}
	in.arg = arg

	fn, ok := h.dispatch[kind]
	if !ok {
		h.fail(w, invalidInput(in.Action, "unsupported action"))
		return
	}

	ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
	fn(ww, r, in)

	if ww.Status() >= http.StatusInternalServerError && h.events != nil {
		actor, _ := middleware.ActorFromContext(r.Context())
		h.events.Record(r.Context(), model.EventInteractionError, actor.ID, map[string]any{
			"action": kind.String(),
			"status": ww.Status(),
		})
	}
}

func (h *Handler) createTicketAction(w http.ResponseWriter, r *http.Request, in interaction) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var productID *int64
	if in.ProductID > 0 {
		productID = &in.ProductID
	}
	t, err := h.tickets.Create(r.Context(), actor, productID)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, t)
}

func (h *Handler) channel(in interaction) (string, error) {
	ch := in.ChannelID
	if ch == "" {
		ch = in.arg
	}
	if ch == "" {
		return "", invalidInput("", "channel_id is required")
	}
	return ch, nil
}

func (h *Handler) closeTicketAction(w http.ResponseWriter, r *http.Request, in interaction) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ch, err := h.channel(in)
	if err != nil {
		h.fail(w, err)
		return
	}

	tr, err := h.tickets.Close(r.Context(), ch, actor, in.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, closeResponse{Closed: tr != nil, Transcript: tr})
}

func (h *Handler) claimTicketAction(w http.ResponseWriter, r *http.Request, in interaction) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ch, err := h.channel(in)
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.tickets.Claim(r.Context(), ch, actor); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transcriptAction(w http.ResponseWriter, r *http.Request, in interaction) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ch, err := h.channel(in)
	if err != nil {
		h.fail(w, err)
		return
	}
	tr, err := h.tickets.Transcript(r.Context(), ch, actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tr)
}

func (h *Handler) selectProductAction(w http.ResponseWriter, r *http.Request, in interaction) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	productID := in.ProductID
	if in.arg != "" {
		id, err := strconv.ParseInt(in.arg, 10, 64)
		if err != nil {
			h.fail(w, invalidInput(in.arg, "invalid product id"))
			return
		}
		productID = id
	}
	if productID <= 0 {
		h.fail(w, invalidInput("", "product_id is required"))
		return
	}

	prompt, err := h.purchases.Offer(r.Context(), actor, productID)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, prompt)
}

func (h *Handler) confirmPurchaseAction(w http.ResponseWriter, r *http.Request, in interaction) {
	h.resolve(w, r, in, purchase.ChoiceConfirm)
}

func (h *Handler) cancelPurchaseAction(w http.ResponseWriter, r *http.Request, in interaction) {
	h.resolve(w, r, in, purchase.ChoiceCancel)
}

func gateOf(in interaction) (string, error) {
	id := in.GateID
	if id == "" {
		id = in.arg
	}
	if id == "" {
		return "", invalidInput("", "gate_id is required")
	}
	return id, nil
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, in interaction, choice purchase.Choice) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := gateOf(in)
	if err != nil {
		h.fail(w, err)
		return
	}

	res, err := h.purchases.Resolve(r.Context(), id, actor, choice)
	if err != nil {
		h.fail(w, err)
		return
	}
	if res.Err != nil {
		h.fail(w, res.Err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

// promptRemovedAction прерывает ожидание подтверждения, сообщение которого удалено.
func (h *Handler) promptRemovedAction(w http.ResponseWriter, r *http.Request, in interaction) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := gateOf(in)
	if err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.purchases.Abort(id, actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

// ConfirmationStatus обрабатывает GET /api/confirmations/{gateID}.
func (h *Handler) ConfirmationStatus(w http.ResponseWriter, r *http.Request) {
	gateID := chi.URLParam(r, "gateID")
	status, err := h.purchases.Status(gateID)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"gate_id": gateID, "status": string(status)})
}
