package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zoravur/liveview/pkg/database"
	"github.com/zoravur/liveview/pkg/reactive"
)

// Deps holds the shared resources injected from app.Server.
type Deps struct {
	DB       *database.Database
	ViewSets *reactive.Registry
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// OnDispose is called with the id of every view set a WebSocket
	// session disposes.
	OnDispose func(viewSet string)
	Log       *zap.Logger
}

func SetupRoutes(deps Deps) http.Handler {
	if deps.Log == nil {
		deps.Log = zap.L()
	}
	h := &handlers{Deps: deps}
	ws := &WSHandler{Deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(deps.Log))

	r.Get("/healthz", h.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.Get("/ws", ws.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/viewsets", h.handleViewSets)
		r.Post("/query", h.handleEditableQuery)
		r.Post("/tables/{table}", h.handleInsert)
		r.Patch("/tables/{table}", h.handleUpdate)
		r.Delete("/tables/{table}", h.handleDelete)
		r.Patch("/rows/{handle}", h.handleEdit)
	})
	return r
}
