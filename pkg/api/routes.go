package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware())
			}

			if s.cfg.Auth.Enabled {
				r.Use(s.requireAuth)
			}

			r.Route("/applications/{tenant}/{application}/{instance}", func(r chi.Router) {
				r.Post("/", s.handleCreateApplication)
				r.Delete("/", s.handleUnregister)
				r.Post("/submit", s.handleSubmit)

				r.Route("/jobs/{type}", func(r chi.Router) {
					r.Post("/start", s.handleStart)
					r.Post("/deploy", s.handleDeploy)
					r.Post("/abort", s.handleAbort)
					r.Get("/runs", s.handleRuns)
					r.Get("/runs/{number}", s.handleRun)
					r.Get("/runs/{number}/details", s.handleDetails)
				})
			})
		})
	})

	return r
}

func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	origins := s.cfg.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
