package http

import (
	"net/http"

	"bingo-event-service/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the operator API, the player socket, health and metrics.
func NewRouter(admin *AdminHandler, ws *WSHandler, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/admin", admin.Routes)
	r.Get("/cards/available", admin.AvailableCards)
	r.Get("/ws", ws.ServeWS)
	return r
}
