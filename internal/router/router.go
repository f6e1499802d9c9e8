package router

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"storefront-edge/internal/config"
	"storefront-edge/internal/handler"
	"storefront-edge/internal/metrics"
	"storefront-edge/internal/middleware"
)

type Handlers struct {
	Auth     *handler.AuthHandler
	Page     *handler.PageHandler
	Activity *handler.ActivityHandler
}

// HealthFunc reports dependency health; nil means nothing to check.
type HealthFunc func(ctx context.Context) error

func New(cfg *config.Config, pipeline *middleware.Pipeline, h Handlers, gatherer prometheus.Gatherer, health HealthFunc) http.Handler {
	r := chi.NewRouter()
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.AuthRateLimitRPM, cfg.TrustedProxies...)

	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if health != nil {
			if err := health(req.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("degraded"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler(gatherer))

	r.Group(func(app chi.Router) {
		app.Use(rateLimitMiddleware.Handler)
		app.Use(middleware.Timeout(cfg.RequestTimeout))

		// Sign-out skips the pipeline: it must not re-annotate client state.
		app.Post("/auth/signout", h.Auth.SignOut)

		app.Group(func(pages chi.Router) {
			pages.Use(pipeline.Handler)

			pages.Post("/auth/signin", h.Auth.SignIn)
			pages.Get("/api/auth/session", h.Auth.Session)
			pages.Get("/api/auth/activity", h.Activity.List)
			pages.Get("/*", h.Page.Render)
		})
	})

	return r
}
