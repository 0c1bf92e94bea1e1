// Package docserver is pantryd, the reference remote document service the
// pantry client replicates with.
package docserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(ProjectMiddleware(h.cfg.Project))
			r.Post("/account", h.Register)
			r.Post("/account/sessions", h.Login)

			r.Group(func(r chi.Router) {
				r.Use(AuthMiddleware(h.tokens, h.db))
				r.Get("/account", h.CurrentAccount)
				r.Delete("/account/sessions/current", h.Logout)

				r.Route("/databases/{db}/collections/{col}/documents", func(r chi.Router) {
					r.Get("/", h.ListDocuments)
					r.Post("/", h.CreateDocument)
					r.Get("/{id}", h.GetDocument)
					r.Patch("/{id}", h.UpdateDocument)
					r.Delete("/{id}", h.DeleteDocument)
				})
			})
		})
	})

	return r
}

// New wires the full handler stack over db.
func New(db *DB, cfg Config) (http.Handler, error) {
	tokens, err := NewTokenManager(cfg.JWTSecret, cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	return NewRouter(NewHandler(db, tokens, cfg)), nil
}
