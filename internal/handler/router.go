package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/ticketdesk/internal/middleware"
	"github.com/mmeshcher/ticketdesk/internal/security"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса тикетов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Post("/members/activity", h.MemberActivity)

		r.Group(func(r chi.Router) {
			r.Use(h.security.Admit)

			r.Post("/interactions", h.Interact)
			r.Get("/confirmations/{gateID}", h.ConfirmationStatus)

			r.Route("/commands", func(r chi.Router) {
				r.Use(h.security.RateLimit(security.LimiterCommands))

				r.Post("/ticket", h.OpenTicket)
				r.Get("/tickets", h.MyTickets)
				r.Get("/purchases", h.MyPurchases)
				r.Get("/products", h.Products)
				r.Get("/products/{id}/content", h.DigitalContent)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.security.AdminOnly)

				r.Get("/stats", h.Stats)

				r.Get("/products", h.ListProducts)
				r.Post("/products", h.CreateProduct)
				r.Patch("/products/{id}", h.UpdateProduct)
				r.Delete("/products/{id}", h.DeleteProduct)

				r.Post("/sales/{id}/complete", h.CompleteSale)
				r.Post("/sales/{id}/cancel", h.CancelSale)

				r.Post("/blacklist", h.AddToBlacklist)
				r.Delete("/blacklist/{userID}", h.RemoveFromBlacklist)

				r.Post("/cleanup", h.Cleanup)
				r.Post("/orphans", h.ReconcileOrphans)
				r.Get("/security-logs", h.SecurityLogs)

				r.Get("/settings", h.GetSettings)
				r.Put("/settings/{key}", h.PutSetting)

				r.Post("/setup/channels", h.SetupChannels)
				r.Post("/setup/products", h.PublishPanel)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
