package httpserver

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware block
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.RequestLogger)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.HandleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.AuthMiddleware)

			r.Get("/events", s.HandleEvents)
			r.Get("/presence/{userID}", s.HandleGetPresence)

			r.Route("/calls", func(r chi.Router) {
				r.Post("/", s.HandleInitiateCall)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.HandleGetCall)
					r.Post("/accept", s.HandleAcceptCall)
					r.Post("/decline", s.HandleDeclineCall)
					r.Post("/end", s.HandleEndCall)
					r.Post("/connected", s.HandleCallConnected)
					r.Post("/candidates", s.HandleSendCandidate)
				})
			})
		})
	})

	return r
}
