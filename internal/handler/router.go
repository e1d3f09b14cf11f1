package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/ndorokhov/pointmarket/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware маркетплейса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Get("/listings", h.Feed)
		r.Get("/listings/{id}", h.GetListing)
		r.Get("/listings/{id}/comments", h.GetComments)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/listings", h.CreateListing)
			r.Delete("/listings/{id}", h.RemoveListing)

			r.Post("/listings/{id}/orders/preview", h.PreviewOrder)
			r.Post("/listings/{id}/orders", h.CreateOrder)
			r.Get("/user/orders", h.GetOrders)
			r.Get("/orders/{id}", h.GetOrder)
			r.Patch("/orders/{id}", h.ModifyOrder)
			r.Post("/orders/{id}/cancel", h.CancelOrder)
			r.Post("/orders/{id}/complete", h.CompleteOrder)

			r.Post("/listings/{id}/offers", h.CreateOffer)
			r.Get("/user/offers", h.GetOffers)
			r.Post("/offers/{id}/accept", h.AcceptOffer)
			r.Post("/offers/{id}/decline", h.DeclineOffer)

			r.Post("/listings/{id}/comments", h.CreateComment)
			r.Post("/listings/{id}/flags", h.CreateFlag)

			r.Get("/user/balance", h.GetBalance)
			r.Get("/user/ledger", h.GetLedger)
			r.Post("/user/balance/topup", h.TopUp)

			r.Route("/staff", func(r chi.Router) {
				r.Get("/flags", h.OpenFlags)
				r.Post("/flags/{id}/resolve", h.ResolveFlag)
				r.Delete("/listings/{id}", h.RemoveListing)
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
