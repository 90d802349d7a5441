package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/petrakisd/genhive/internal/api/middleware"
	"github.com/petrakisd/genhive/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	GenerateHandler http.HandlerFunc
	StatusHandler   http.HandlerFunc
	CancelHandler   http.HandlerFunc

	PopHandler    http.HandlerFunc
	SubmitHandler http.HandlerFunc

	StatsTotalsHandler http.HandlerFunc
	StatsModelsHandler http.HandlerFunc

	KudosTransferHandler http.HandlerFunc

	CreateKeyHandler       http.HandlerFunc
	ListKeysHandler        http.HandlerFunc
	RevokeKeyHandler       http.HandlerFunc
	CreateSharedKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public endpoints
	r.Get("/api/v2/health", orNotImplemented(deps.HealthHandler))
	r.Get("/api/v2/stats/text/totals", orNotImplemented(deps.StatsTotalsHandler))
	r.Get("/api/v2/stats/text/models", orNotImplemented(deps.StatsModelsHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v2/generate/text", orNotImplemented(deps.GenerateHandler))
		r.Get("/api/v2/generate/text/{jobID}", orNotImplemented(deps.StatusHandler))
		r.Delete("/api/v2/generate/text/{jobID}", orNotImplemented(deps.CancelHandler))

		r.Post("/api/v2/generate/text/pop", orNotImplemented(deps.PopHandler))
		r.Post("/api/v2/generate/text/submit", orNotImplemented(deps.SubmitHandler))

		r.Post("/api/v2/kudos/transfer/{userID}", orNotImplemented(deps.KudosTransferHandler))

		r.Post("/api/v2/sharedkeys", orNotImplemented(deps.CreateSharedKeyHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v2/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v2/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v2/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
