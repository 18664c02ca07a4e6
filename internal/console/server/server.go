package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/auth"
	"github.com/xela07ax/opgate/internal/console/handler"
)

// Scopes токена для разделов консоли.
const (
	ScopeAuditRead   = "audit.read"
	ScopeThreatRead  = "threat.read"
	ScopeActorsAdmin = "actors.admin"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256)
	authValidator auth.TokenVerifier

	authHandler   *handler.AuthHandler   // /auth/token
	auditHandler  *handler.AuditHandler  // /v1/audit
	threatHandler *handler.ThreatHandler // /v1/threat, /v1/alerts
	actorHandler  *handler.ActorHandler  // /v1/actors
	health        func() error
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями.
// health == nil считается всегда живым.
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenVerifier,
	authH *handler.AuthHandler,
	auditH *handler.AuditHandler,
	threatH *handler.ThreatHandler,
	actorH *handler.ActorHandler,
	health func() error,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		authHandler:   authH,
		auditHandler:  auditH,
		threatHandler: threatH,
		actorHandler:  actorH,
		health:        health,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		if s.authHandler != nil {
			r.Post("/auth/token", s.authHandler.Login)
		}
		r.Get("/health", s.healthz)
	})

	// --- ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Route("/v1/audit", func(r chi.Router) {
			r.Use(auth.RequireScope(ScopeAuditRead))
			r.Get("/", s.auditHandler.GetLogs)
			r.Get("/stats", s.auditHandler.GetStats)
			r.Get("/{id}/verify", s.auditHandler.Verify)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(ScopeThreatRead))
			r.Get("/v1/threat", s.threatHandler.GetOverview)
			r.Get("/v1/alerts", s.threatHandler.GetAlerts)
		})

		r.Route("/v1/actors/{id}", func(r chi.Router) {
			r.Use(auth.RequireScope(ScopeActorsAdmin))
			r.Get("/lockout", s.actorHandler.GetLockout)
			r.Post("/unlock", s.actorHandler.Unlock)
		})
	})
}

func (s *ConsoleServer) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
