package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all lineage routes.
// Routes are flat so the evolution module can add its own /families/{family} actions.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/families", h.HandleListFamilies)
	r.Get("/families/{family}/lineage", h.HandleGetLineage)
	r.Get("/families/{family}/summary", h.HandleGetSummary)
	r.Get("/families/{family}/versions/{version}/source", h.HandleGetSource)
}
