package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes builds the HTTP router for all relay endpoints.
func SetupRoutes(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(h.origins.corsOptions()))

	r.Get("/health", h.HealthHandler)
	r.HandleFunc("/ws", h.WebSocketHandler)
	r.Handle("/uploads/*", h.FileServer())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Post("/upload", h.UploadHandler)
		r.Route("/api", func(r chi.Router) {
			r.Get("/uploads", h.UploadsHandler)
			r.Get("/investors", h.InvestorsHandler)
			r.Get("/chat/{investorId}", h.ChatHandler)
			r.Get("/stats", h.StatsHandler)
		})
	})

	return r
}
