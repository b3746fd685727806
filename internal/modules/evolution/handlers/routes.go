package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all evolution routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/families/{family}/evolve", h.HandleEvolve)
	r.Post("/families/{family}/stop", h.HandleStop)
	r.Get("/sessions", h.HandleListSessions)
}
