// Package server exposes a local control surface for a running agent.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"deskagent/pkg/goalengine"
	"deskagent/pkg/settings"
	"deskagent/pkg/statemonitor"
)

const shutdownTimeout = 2 * time.Second

// Controller is the part of the state monitor the server drives.
type Controller interface {
	Snapshot(ctx context.Context) statemonitor.Status
	Stop()
}

// PromptSink accepts manual prompts.
type PromptSink interface {
	Push(text string) error
}

type Config struct {
	Addr     string
	Settings *settings.Settings
	// Gatherer backs /metrics. The route is not registered when nil.
	Gatherer prometheus.Gatherer
}

type Server struct {
	cfg     Config
	monitor Controller
	prompts PromptSink
	engine  *gin.Engine
	logger  *zap.Logger
}

type promptRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(cfg Config, monitor Controller, prompts PromptSink, logger *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	s := &Server{
		cfg:     cfg,
		monitor: monitor,
		prompts: prompts,
		engine:  gin.New(),
		logger:  logger.Named("server"),
	}
	s.engine.Use(gin.Recovery(), s.logRequests())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/status", s.handleStatus)
	s.engine.POST("/stop", s.handleStop)
	s.engine.POST("/prompt", s.handlePrompt)
	if s.cfg.Settings != nil {
		s.engine.GET("/settings", s.handleSettings)
	}
	if s.cfg.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control server listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Snapshot(c.Request.Context()))
}

func (s *Server) handleStop(c *gin.Context) {
	s.logger.Info("Stop requested over HTTP")
	s.monitor.Stop()
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
}

func (s *Server) handlePrompt(c *gin.Context) {
	if s.prompts == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "manual prompts are disabled"})
		return
	}
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	err := s.prompts.Push(req.Text)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	case errors.Is(err, goalengine.ErrPromptQueueFull):
		c.JSON(http.StatusTooManyRequests, errorResponse{Error: err.Error()})
	case errors.Is(err, goalengine.ErrNoPrompt):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
}

// API keys are excluded from the settings JSON encoding.
func (s *Server) handleSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Settings)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
