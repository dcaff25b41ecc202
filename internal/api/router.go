package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/roomscan/internal/api/middleware"
	"github.com/kiranshivaraju/roomscan/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.InternalAuth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	CreateHandler  http.HandlerFunc
	UploadHandler  http.HandlerFunc
	ListHandler    http.HandlerFunc
	GetHandler     http.HandlerFunc
	DeleteHandler  http.HandlerFunc
	RetryHandler   http.HandlerFunc
	EventsHandler  http.HandlerFunc
	ConvertHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Client routes
	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/exports", orNotImplemented(deps.CreateHandler))
		r.Post("/api/v1/exports/upload", orNotImplemented(deps.UploadHandler))
		r.Get("/api/v1/exports", orNotImplemented(deps.ListHandler))
		r.Get("/api/v1/exports/{exportID}", orNotImplemented(deps.GetHandler))
		r.Delete("/api/v1/exports/{exportID}", orNotImplemented(deps.DeleteHandler))
		r.Post("/api/v1/exports/{exportID}/retry", orNotImplemented(deps.RetryHandler))
		r.Get("/api/v1/exports/{exportID}/events", orNotImplemented(deps.EventsHandler))
	})

	// Internal routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Post("/api/v1/exports/convert", orNotImplemented(deps.ConvertHandler))
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
