package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	ws "github.com/drammen94/mira-OSS/internal/interfaces/websocket"
)

// Server hosts the health endpoint and the chat WebSocket.
type Server struct {
	server *http.Server
	wsHub  *ws.Handler
	logger *zap.Logger
}

// Config configures the listener.
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

func NewServer(cfg Config, wsHandler *ws.Handler, logger *zap.Logger) *Server {
	if cfg.Mode == "release" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	router.GET("/ws/chat", func(c *gin.Context) {
		wsHandler.ServeWS(c.Writer, c.Request)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		wsHub:  wsHandler,
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop notifies live sessions, then shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	s.wsHub.Shutdown()
	return s.server.Shutdown(ctx)
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
