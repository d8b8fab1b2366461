// Package api exposes checkout, order lookup and the payment webhook over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"storefront-orders/internal/checkout"
	"storefront-orders/internal/lifecycle"
	"storefront-orders/internal/webhook"
)

// Deps are the collaborators the HTTP surface delegates to.
type Deps struct {
	Checkout *checkout.Orchestrator
	Orders   *lifecycle.Manager
	Webhooks *webhook.Reconciler
	// Ping reports storage health for /healthz. Nil means always healthy.
	Ping func(ctx context.Context) error
	// Production hides internal error detail from responses.
	Production bool
	Logger     *slog.Logger
}

// Server is the storefront HTTP server
type Server struct {
	deps   Deps
	logger *slog.Logger
	router *gin.Engine
}

// NewServer wires routes onto a fresh gin engine.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(requestLogger(logger), gin.Recovery())

	s := &Server{
		deps:   deps,
		logger: logger,
		router: router,
	}

	router.GET("/healthz", s.handleHealth)

	router.POST("/checkout", s.handleCreateCheckout)
	router.GET("/checkout/session/:sessionId", s.handleGetSession)
	router.GET("/order/:orderId", s.handleGetOrder)
	router.GET("/orders", s.handleListOrders)

	router.POST("/webhook", s.handleWebhook)

	return s
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}
