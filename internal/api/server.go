// Package api serves the local control surface: session status, broadcast
// and watch commands, the microphone gate and prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"livecast/native/internal/domain"
	"livecast/native/internal/metrics"
	"livecast/native/internal/session"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Controller is the session the API drives.
type Controller interface {
	StartBroadcast(ctx context.Context) error
	StopBroadcast(ctx context.Context) error
	RequestToWatch(ctx context.Context) error
	SetMicEnabled(ctx context.Context, enabled bool) error
	Status(ctx context.Context) (session.Status, error)
}

// Server exposes a Controller over HTTP.
type Server struct {
	ctrl    Controller
	metrics *metrics.Collector
	logger  *zap.SugaredLogger
}

// NewServer creates a control server. m may be nil, in which case /metrics
// is not mounted.
func NewServer(ctrl Controller, m *metrics.Collector, logger *zap.SugaredLogger) *Server {
	return &Server{
		ctrl:    ctrl,
		metrics: m,
		logger:  logger.Named("api"),
	}
}

// Router builds a gin engine with the control routes mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	s.SetupRoutes(router)
	return router
}

// SetupRoutes mounts the control routes on router.
func (s *Server) SetupRoutes(router *gin.Engine) {
	router.GET("/status", s.GetStatus)
	router.POST("/broadcast/start", s.StartBroadcast)
	router.POST("/broadcast/stop", s.StopBroadcast)
	router.POST("/watch", s.Watch)
	router.POST("/mic", s.SetMic)

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// GetStatus handles GET /status.
func (s *Server) GetStatus(c *gin.Context) {
	st, err := s.ctrl.Status(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// StartBroadcast handles POST /broadcast/start.
func (s *Server) StartBroadcast(c *gin.Context) {
	s.command(c, "start broadcast", s.ctrl.StartBroadcast)
}

// StopBroadcast handles POST /broadcast/stop.
func (s *Server) StopBroadcast(c *gin.Context) {
	s.command(c, "stop broadcast", s.ctrl.StopBroadcast)
}

// Watch handles POST /watch.
func (s *Server) Watch(c *gin.Context) {
	s.command(c, "request to watch", s.ctrl.RequestToWatch)
}

// SetMic handles POST /mic with a body of {"enabled": bool}.
func (s *Server) SetMic(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.command(c, "set microphone", func(ctx context.Context) error {
		return s.ctrl.SetMicEnabled(ctx, *req.Enabled)
	})
}

func (s *Server) command(c *gin.Context, name string, fn func(ctx context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		s.logger.Warnw("command failed", "command", name, "error", err)
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// statusFor maps command errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrWrongRole):
		return http.StatusConflict
	case errors.Is(err, domain.ErrMediaUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotSubscribed),
		errors.Is(err, domain.ErrChannelClosed),
		errors.Is(err, domain.ErrEngineStopped),
		errors.Is(err, session.ErrNotJoined):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNoPeer):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debugw("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
