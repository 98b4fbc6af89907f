package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"grok2api-go/internal/config"
	mw "grok2api-go/internal/middleware"
	"grok2api-go/internal/storage"
	"grok2api-go/internal/token"
)

// Dependencies encapsulates runtime services required to build the HTTP engine.
type Dependencies struct {
	Manager   *token.Manager
	Scheduler *token.Scheduler
	Store     storage.Store
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	cfg  *config.Config
	deps Dependencies
	srv  *http.Server
}

// New builds the admin/ops HTTP server.
func New(cfg *config.Config, deps Dependencies) *Server {
	engine := BuildEngine(cfg, deps)
	return &Server{
		cfg:  cfg,
		deps: deps,
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// BuildEngine constructs the gin engine with the full middleware chain and
// all routes mounted.
func BuildEngine(cfg *config.Config, deps Dependencies) *gin.Engine {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(mw.RequestID())
	engine.Use(mw.RequestLogger())
	engine.Use(mw.RateLimiter(cfg.Security.RateLimitPerMinute))

	h := &handler{cfg: cfg, deps: deps}
	engine.GET("/health", h.health)

	admin := engine.Group("/v1/admin")
	admin.Use(mw.AdminAuth(config.AdminKeyValidator(cfg)))
	{
		admin.GET("/stats", h.stats)
		admin.GET("/tokens", h.listTokens)
		admin.POST("/tokens", h.addToken)
		admin.DELETE("/tokens", h.removeToken)
		admin.POST("/tokens/reset", h.resetTokens)
		admin.POST("/tokens/acquire", h.acquireToken)
		admin.POST("/refresh", h.refresh)
	}
	return engine
}

// Start begins serving. It blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	log.Infof("server: listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
