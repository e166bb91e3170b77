// Package http exposes the coordinator's submit/state/release/kill
// operations over a gin REST API for external callers (the CLI client,
// any future front end). Route registration and middleware wiring
// mirror this repository's gateway router shape
// (internal/gateway/middleware).
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anika-dewari/safebox/internal/coordinator"
	"github.com/anika-dewari/safebox/internal/metrics"
	"github.com/anika-dewari/safebox/pkg/errors"
	"github.com/anika-dewari/safebox/pkg/httpresponse"
)

// Config configures the HTTP server and its auth.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	JWTSecret       string
	OperatorUser    string
	OperatorHash    string
}

// Server wraps the gin engine and the underlying net/http server.
type Server struct {
	cfg    Config
	engine *gin.Engine
	http   *http.Server
	hub    *jobEventHub
}

// New builds the router: public /login and /metrics, JWT-protected
// /jobs endpoints, and a websocket job-event stream.
func New(cfg Config, coord *coordinator.Coordinator) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	hub := newJobEventHub()
	h := &handlers{coord: coord, hub: hub}

	engine.POST("/login", h.login(cfg))
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	protected := engine.Group("/")
	protected.Use(authMiddleware(cfg.JWTSecret))
	protected.POST("/jobs", h.submit)
	protected.GET("/jobs/:id", h.getJob)
	protected.GET("/state", h.state)
	protected.POST("/jobs/:id/release", h.release)
	protected.POST("/jobs/:id/kill", h.kill)
	protected.GET("/ws/jobs", h.stream)

	return &Server{
		cfg:    cfg,
		engine: engine,
		hub:    hub,
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

type handlers struct {
	coord *coordinator.Coordinator
	hub   *jobEventHub
}

func (h *handlers) login(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			User     string `json:"user"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			httpresponse.ErrorWithCode(c, errors.InvalidParams, "invalid login payload")
			return
		}
		token, err := IssueToken(cfg.JWTSecret, cfg.OperatorUser, cfg.OperatorHash, req.User, req.Password)
		if err != nil {
			httpresponse.Error(c, err)
			return
		}
		httpresponse.Success(c, gin.H{"token": token})
	}
}
