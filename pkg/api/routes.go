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

	if s.cfg.Server.RateLimit.Enabled {
		r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.RequestsPerMinute))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/connections", func(r chi.Router) {
			r.Get("/", s.handleListConnections)
			r.Post("/", s.handleCreateConnection)
			r.Get("/{id}", s.handleGetConnection)
			r.Put("/{id}", s.handleUpdateConnection)
			r.Delete("/{id}", s.handleDeleteConnection)
			r.Post("/{id}/test", s.handleTestConnection)
		})

		r.Route("/cars", func(r chi.Router) {
			r.Get("/", s.handleListCars)
			r.Post("/", s.handleCreateCar)
			r.Get("/{id}", s.handleGetCar)
			r.Put("/{id}", s.handleUpdateCar)
			r.Delete("/{id}", s.handleDeleteCar)
		})

		r.Route("/suites", func(r chi.Router) {
			r.Get("/", s.handleListSuites)
			r.Post("/", s.handleCreateSuite)
			r.Get("/{id}", s.handleGetSuite)
			r.Delete("/{id}", s.handleDeleteSuite)
		})

		r.Route("/provider-settings", func(r chi.Router) {
			r.Get("/", s.handleListProviderSettings)
			r.Get("/{type}", s.handleGetProviderSetting)
			r.Put("/{type}", s.handleUpdateProviderSetting)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleStartRun)
			r.Get("/{id}", s.handleGetRun)
			r.Post("/{id}/judge", s.handleJudgeRun)
			r.Get("/{id}/scorecard", s.handleScorecard)
			r.Get("/{id}/compare", s.handleCompare)
			r.Get("/{id}/stream", s.handleStream)
		})

		r.Get("/leaderboard", s.handleLeaderboard)
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
