package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"stancestream-gateway/internal/handlers"
	"stancestream-gateway/internal/metrics"
	"stancestream-gateway/internal/middleware"
)

// Handlers groups the endpoint handlers mounted by SetupRouter.
type Handlers struct {
	Chat  *handlers.ChatHandler
	Admin *handlers.CacheAdminHandler
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, h Handlers, requestTimeout time.Duration) {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	r.Use(metrics.Middleware)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(middleware.MaxBodySize(512 * 1024)) // 512 KB max body

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", h.Chat.ChatCompletion)

		r.Route("/cache", func(r chi.Router) {
			r.Get("/metrics", h.Admin.Metrics)
			r.Post("/metrics/reset", h.Admin.ResetMetrics)
			r.Post("/sweep", h.Admin.Sweep)
			r.Delete("/", h.Admin.Clear)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
