package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/burrow/store"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string) {
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", NewRouter(handlers, secret)))

	log.Info().Bool("auth", secret != "").Msg("Admin endpoints enabled at /admin/*")
}

// NewRouter builds the admin router without the /admin prefix
func NewRouter(handlers *AdminHandlers, secret string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handlers.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(secret))

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", handlers.handleListSubscriptions)
			r.Get("/{clientID}/{name}", handlers.wrapWithKey(handlers.handleSubscription))
		})

		r.Route("/destinations", func(r chi.Router) {
			r.Get("/", handlers.handleListDestinations)
			r.Get("/{destination}", handlers.wrapWithDestination(handlers.handleDestination))
			r.Get("/{destination}/messages", handlers.wrapWithDestination(handlers.handleMessages))
		})

		r.Route("/compaction", func(r chi.Router) {
			r.Get("/", handlers.handleLastCompaction)
			r.Post("/", handlers.handleCompact)
		})
	})

	return r
}

// Wrapper helpers that extract URL params and call the handlers

func (h *AdminHandlers) wrapWithKey(fn func(http.ResponseWriter, *http.Request, store.SubscriptionKey)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := store.SubscriptionKey{
			ClientID: chi.URLParam(r, "clientID"),
			Name:     chi.URLParam(r, "name"),
		}
		if key.ClientID == "" || key.Name == "" {
			writeErrorResponse(w, http.StatusBadRequest, "client id and subscription name are required")
			return
		}
		fn(w, r, key)
	}
}

func (h *AdminHandlers) wrapWithDestination(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		destination := chi.URLParam(r, "destination")
		if destination == "" {
			writeErrorResponse(w, http.StatusBadRequest, "destination name is required")
			return
		}
		fn(w, r, destination)
	}
}
