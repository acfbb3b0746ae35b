package api

import (
	"net/http"

	"github.com/useraccounts/backend/internal/auth"
	apperrors "github.com/useraccounts/backend/internal/errors"
	"github.com/useraccounts/backend/internal/health"
	"github.com/useraccounts/backend/internal/logger"
	"github.com/useraccounts/backend/internal/metrics"
	"github.com/useraccounts/backend/internal/middleware"
)

const usersPrefix = "/api/v1/users"

type Router struct {
	mux            *http.ServeMux
	authHandlers   *auth.Handlers
	authService    *auth.Service
	healthHandlers *health.Handler
	metrics        http.Handler
}

// NewRouter wires the account routes. metrics may be nil, in which case /metrics is not served.
func NewRouter(authHandlers *auth.Handlers, authService *auth.Service, healthHandlers *health.Handler, metrics http.Handler) *Router {
	r := &Router{
		mux:            http.NewServeMux(),
		authHandlers:   authHandlers,
		authService:    authService,
		healthHandlers: healthHandlers,
		metrics:        metrics,
	}
	r.setupRoutes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// WithMiddleware wraps h in the server middleware stack. The request ID is assigned
// outermost so recovery and request logs carry it.
func WithMiddleware(h http.Handler, log *logger.Logger, m *metrics.Metrics, allowedOrigins []string) http.Handler {
	httpLog := log.WithComponent("http")
	return middleware.Chain(h,
		apperrors.RequestIDMiddleware,
		logger.RecoveryMiddleware(log),
		logger.LoggingMiddleware(httpLog),
		metrics.MetricsMiddleware(m),
		middleware.Timing(httpLog),
		middleware.CORS(allowedOrigins),
	)
}

func (r *Router) setupRoutes() {
	// Operational
	r.mux.HandleFunc("GET /health", r.healthHandlers.HealthHandler)
	r.mux.HandleFunc("GET /health/live", r.healthHandlers.LivenessHandler)
	r.mux.HandleFunc("GET /health/ready", r.healthHandlers.ReadinessHandler)
	if r.metrics != nil {
		r.mux.Handle("GET /metrics", r.metrics)
	}

	// Account routes (no auth required)
	r.mux.HandleFunc("POST "+usersPrefix+"/signup", apperrors.HandleFunc(r.authHandlers.Register))
	r.mux.HandleFunc("POST "+usersPrefix+"/login", apperrors.HandleFunc(r.authHandlers.Login))
	r.mux.HandleFunc("POST "+usersPrefix+"/refreshtoken", apperrors.HandleFunc(r.authHandlers.Refresh))

	// Account routes (auth required)
	r.mux.HandleFunc("POST "+usersPrefix+"/logout", r.withAuth(r.authHandlers.Logout))
	r.mux.HandleFunc("POST "+usersPrefix+"/change-password", r.withAuth(r.authHandlers.ChangePassword))
	r.mux.HandleFunc("GET "+usersPrefix+"/current-user", r.withAuth(r.authHandlers.CurrentUser))

	r.mux.HandleFunc("/", notFound)
}

func (r *Router) withAuth(next apperrors.Handler) http.HandlerFunc {
	gate := auth.Middleware(r.authService)(apperrors.HandleFunc(next))
	return gate.ServeHTTP
}

func notFound(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteError(w, apperrors.GetRequestID(r.Context()), apperrors.NotFound("Route not found"))
}
