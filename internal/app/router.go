// Package app wires the long-lived tasks of the orchestrator: HTTP router,
// dispatcher, health loop, outbox bridge and auto-scaler.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/crawl-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/crawl-orchestrator/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// User-facing job API; identity headers required. The stream route is
	// mounted outside the request timeout so long-lived websockets survive.
	r.Group(func(ur chi.Router) {
		ur.Use(httpserver.RequireIdentity())
		ur.Group(func(tr chi.Router) {
			tr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
			tr.Group(func(wr chi.Router) {
				wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
				wr.Use(httpserver.RateLimitSubmissions(srv.Limiter))
				wr.Post("/v1/jobs", srv.SubmitJobHandler())
				wr.Post("/v1/jobs/{id}/cancel", srv.CancelJobHandler())
			})
			tr.Get("/v1/jobs", srv.ListJobsHandler())
			tr.Get("/v1/jobs/{id}", srv.GetJobHandler())
		})
		ur.Get("/v1/jobs/{id}/stream", srv.StreamHandler())
	})

	// Agent callbacks; these come from inside the deployment, not end users.
	r.Group(func(ar chi.Router) {
		ar.Use(httpserver.TimeoutMiddleware(15 * time.Second))
		ar.Post("/v1/agents/register", srv.RegisterAgentHandler())
		ar.Post("/v1/agents/{id}/heartbeat", srv.HeartbeatAgentHandler())
		ar.Delete("/v1/agents/{id}", srv.DeregisterAgentHandler())
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
