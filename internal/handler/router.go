package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/donor-registry/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware реестра доноров.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/checkout", h.CreateCheckout)

		r.Get("/donations", h.ListDonations)
		r.Get("/donations/stats", h.DonationStats)
		r.Post("/donations/{sessionID}/confirm", h.ConfirmDonation)

		r.Get("/registry", h.ListRegistry)

		r.Post("/identities", h.RegisterIdentity)
		r.Get("/identities/check/{username}", h.CheckUsername)
		r.Post("/identities/lookup", h.LookupIdentity)

		r.Post("/devices", h.RegisterDevice)
		r.Post("/devices/login", h.LoginWithDevice)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/identity/me", h.Me)
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
