// Package httptransport assembles the HTTP surface: shared middleware,
// authentication groups, and the per-domain handlers.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chenu/pkg/platform/httputil"
	adminmw "chenu/pkg/platform/middleware/admin"
	authmw "chenu/pkg/platform/middleware/auth"
	"chenu/pkg/platform/middleware/metadata"
	"chenu/pkg/platform/middleware/request"
	"chenu/pkg/platform/middleware/requesttime"
)

const defaultRequestTimeout = 10 * time.Second

// Registrar mounts authenticated routes.
type Registrar interface {
	Register(r chi.Router)
}

// AdminRegistrar mounts operator routes guarded by the admin token.
type AdminRegistrar interface {
	RegisterAdmin(r chi.Router)
}

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps collects everything the router mounts.
type Deps struct {
	Logger         *slog.Logger
	Validator      authmw.JWTValidator
	AdminToken     string
	RequestTimeout time.Duration
	Gatherer       prometheus.Gatherer
	HealthChecks   map[string]HealthCheck
	// RateLimit runs after authentication so limits key on the identity.
	RateLimit func(http.Handler) http.Handler

	Routes      []Registrar
	AdminRoutes []AdminRegistrar
	// Notifications serves the websocket upgrade at /v1/ws.
	Notifications http.Handler
}

// NewRouter wires the public API under /v1. Websocket upgrades skip the
// request timeout because the connection outlives the request.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)

	r.Get("/healthz", healthHandler(deps.HealthChecks))
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(api chi.Router) {
			api.Use(middleware.Timeout(deps.RequestTimeout))

			api.Group(func(authed chi.Router) {
				authed.Use(authmw.RequireAuth(deps.Validator, deps.Logger))
				if deps.RateLimit != nil {
					authed.Use(deps.RateLimit)
				}
				for _, route := range deps.Routes {
					route.Register(authed)
				}
			})

			api.Group(func(admin chi.Router) {
				admin.Use(adminmw.RequireAdminToken(deps.AdminToken, deps.Logger))
				for _, route := range deps.AdminRoutes {
					route.RegisterAdmin(admin)
				}
			})
		})

		if deps.Notifications != nil {
			v1.With(authmw.RequireAuth(deps.Validator, deps.Logger)).Handle("/ws", deps.Notifications)
		}
	})

	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		for name, check := range checks {
			if resp.Checks == nil {
				resp.Checks = make(map[string]string, len(checks))
			}
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		httputil.WriteJSON(w, status, resp)
	}
}
