package api

import (
	"net/http"
)

func (h *handlers) handleViewSets(w http.ResponseWriter, r *http.Request) {
	h.ViewSets.CleanupOrphans()
	writeJSON(w, http.StatusOK, h.ViewSets.SnapshotView())
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"tables":   h.DB.Catalog().Size(),
		"viewSets": h.ViewSets.Len(),
	})
}
