package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/camuig/crypto-trader/internal/trading"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

type ModeRequest struct {
	Mode string `json:"mode" validate:"required,oneof=spot swap"`
}

type EmergencyResponse struct {
	Pending bool                      `json:"pending"`
	Request *trading.EmergencyRequest `json:"request,omitempty"`
	Results []trading.ExecutionResult `json:"results,omitempty"`
	Message string                    `json:"message,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime_ms": time.Since(s.startTime).Milliseconds(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Engine.Status())
}

func (s *Server) handleDecisions(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	// persisted history outlives restarts and the in-memory bound
	if c.Query("source") == "db" {
		if s.deps.Store == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "storage is not configured"})
			return
		}
		rows, err := s.deps.Store.ListDecisions(c.Request.Context(), limit)
		if err != nil {
			s.logger.Error("list decisions", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list decisions failed"})
			return
		}
		c.JSON(http.StatusOK, rows)
		return
	}

	c.JSON(http.StatusOK, s.deps.Engine.History(limit))
}

func (s *Server) handleExecutions(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	if s.deps.Store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "storage is not configured"})
		return
	}
	rows, err := s.deps.Store.ListExecutions(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("list executions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list executions failed"})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

func (s *Server) handleEmergencyState(c *gin.Context) {
	req, ok := s.deps.Emergency.Emergency()
	if !ok {
		c.JSON(http.StatusOK, EmergencyResponse{})
		return
	}
	c.JSON(http.StatusOK, EmergencyResponse{Pending: true, Request: &req})
}

func (s *Server) handleEmergencyRequest(c *gin.Context) {
	req, err := s.deps.Emergency.RequestEmergencyClose(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, EmergencyResponse{
		Pending: true,
		Request: &req,
		Message: "confirm before " + req.ConfirmDeadline.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleEmergencyConfirm(c *gin.Context) {
	results, err := s.deps.Emergency.ConfirmEmergency(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(results) == 0 {
		c.JSON(http.StatusOK, EmergencyResponse{Message: "no open position"})
		return
	}
	c.JSON(http.StatusOK, EmergencyResponse{Results: results})
}

func (s *Server) handleEmergencyCancel(c *gin.Context) {
	if err := s.deps.Emergency.CancelEmergency(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, EmergencyResponse{Message: "cancelled"})
}

func (s *Server) handleMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": s.deps.Modes.Current()})
}

func (s *Server) handleModeSwitch(c *gin.Context) {
	var req ModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON format", "details": err.Error()})
		return
	}
	if err := s.validator.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "details": err.Error()})
		return
	}

	if err := s.deps.Modes.Switch(c.Request.Context(), trading.Mode(req.Mode)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": s.deps.Modes.Current()})
}

// fail maps domain errors to HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, trading.ErrNoEmergencyRequest):
		code = http.StatusNotFound
	case errors.Is(err, trading.ErrEmergencyExpired):
		code = http.StatusGone
	case errors.Is(err, trading.ErrEmergencyPending),
		errors.Is(err, trading.ErrEmergencyConfirmed),
		errors.Is(err, trading.ErrModeSwitchBlocked):
		code = http.StatusConflict
	case errors.Is(err, trading.ErrExecutionFailed):
		code = http.StatusBadGateway
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
