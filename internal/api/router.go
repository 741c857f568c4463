package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/audit"
	"github.com/casarerpa/casarerpa/internal/auth"
	"github.com/casarerpa/casarerpa/internal/robotmanager"
)

// RouterConfig holds every dependency needed to build the HTTP router,
// populated by cmd/orchestrator once all components are constructed.
type RouterConfig struct {
	AuthService  *auth.Service
	RobotManager *robotmanager.Manager
	AuditRepo    audit.Repository
	Logger       *zap.Logger

	// Secure controls whether the OIDC state cookie is set with the Secure
	// flag. true in production (HTTPS), false in local development.
	Secure bool

	// DefaultJobTimeoutMS is applied to job submissions that omit timeout_ms.
	DefaultJobTimeoutMS int64
}

// NewRouter builds the fully configured Chi router. All routes are
// registered under /api/v1.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	jobsHandler := NewJobsHandler(cfg.RobotManager, cfg.Logger, cfg.DefaultJobTimeoutMS)
	robotsHandler := NewRobotsHandler(cfg.RobotManager, cfg.Logger)
	auditHandler := NewAuditHandler(cfg.AuditRepo, cfg.Logger)

	jwtMgr := cfg.AuthService.JWTManager()

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Get("/auth/oidc/login", authHandler.OIDCLogin)
			r.Get("/auth/oidc/callback", authHandler.OIDCCallback)
		})

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			r.Post("/jobs", jobsHandler.Submit)
			r.Get("/jobs", jobsHandler.List)
			r.Get("/jobs/{id}", jobsHandler.Get)

			r.Get("/robots", robotsHandler.List)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))
				r.Get("/audit/export.json", auditHandler.ExportJSON)
				r.Get("/audit/export.csv", auditHandler.ExportCSV)
			})
		})
	})

	return r
}
