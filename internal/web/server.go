// Package web serves the operator API: status, decision history, the
// emergency close flow, mode switching, Prometheus metrics and the live
// audit websocket.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camuig/crypto-trader/internal/config"
	"github.com/camuig/crypto-trader/internal/decision"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/storage"
	"github.com/camuig/crypto-trader/internal/trading"
)

type Engine interface {
	Status() decision.Status
	History(limit int) []trading.Decision
}

type Emergency interface {
	RequestEmergencyClose(ctx context.Context) (trading.EmergencyRequest, error)
	ConfirmEmergency(ctx context.Context) ([]trading.ExecutionResult, error)
	CancelEmergency(ctx context.Context) error
	Emergency() (trading.EmergencyRequest, bool)
}

type Modes interface {
	Switch(ctx context.Context, target trading.Mode) error
	Current() trading.Mode
}

type Store interface {
	ListDecisions(ctx context.Context, limit int) ([]storage.DecisionRecord, error)
	ListExecutions(ctx context.Context, limit int) ([]storage.ExecutionRecord, error)
}

type Hub interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Deps are the components the API exposes. Store and Hub may be nil.
type Deps struct {
	Engine    Engine
	Emergency Emergency
	Modes     Modes
	Store     Store
	Hub       Hub
}

type Server struct {
	httpServer *http.Server
	deps       Deps
	validator  *validator.Validate
	config     *config.Config
	logger     *logger.Logger
	startTime  time.Time
}

func NewServer(deps Deps, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		deps:      deps,
		validator: validator.New(),
		config:    cfg,
		logger:    log,
		startTime: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Web.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // confirm waits for the liquidation order
	}

	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.deps.Hub != nil {
		r.GET("/ws", gin.WrapF(s.deps.Hub.ServeWS))
	}

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/decisions", s.handleDecisions)
	api.GET("/executions", s.handleExecutions)

	api.GET("/emergency", s.handleEmergencyState)
	api.POST("/emergency", s.handleEmergencyRequest)
	api.POST("/emergency/confirm", s.handleEmergencyConfirm)
	api.POST("/emergency/cancel", s.handleEmergencyCancel)

	api.GET("/mode", s.handleMode)
	api.POST("/mode", s.handleModeSwitch)

	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/health" {
			return
		}
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	}
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.config.Web.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
