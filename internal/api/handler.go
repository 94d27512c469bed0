// Package api exposes the position engine over HTTP and a websocket stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"position-core/internal/engine"
	"position-core/internal/events"
	"position-core/internal/monitor"
)

// Options tunes the HTTP surface.
type Options struct {
	RateLimit      float64 // requests per second per IP
	Burst          int
	RequestTimeout time.Duration
}

// Server wires HTTP endpoints around the engine facade.
type Server struct {
	Router  *gin.Engine
	Bus     *events.Bus
	Engine  engine.Service
	Metrics *monitor.SystemMetrics
	logger  *zap.Logger
}

func NewServer(svc engine.Service, bus *events.Bus, metrics *monitor.SystemMetrics, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	logger = logger.Named("api")

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics, logger))
	r.Use(RateLimitMiddleware(newIPLimiters(opts.RateLimit, opts.Burst), logger))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:  r,
		Bus:     bus,
		Engine:  svc,
		Metrics: metrics,
		logger:  logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/prices", s.getPrices)
		api.GET("/accounts/:id/balance", s.getBalance)

		api.GET("/positions", s.getPositions)
		api.GET("/positions/:id", s.getPosition)
		api.POST("/positions/:id/close", s.closePosition)

		// Escort workflow
		api.POST("/positions/:id/escort/confirm", s.confirmEscort)
		api.POST("/positions/:id/escort/decline", s.declineEscort)
		api.PUT("/positions/:id/escort", s.updateEscort)

		api.POST("/orders/market", s.placeMarketOrder)
		api.POST("/orders/limit", s.placeLimitOrder)
		api.GET("/orders/:id", s.getOrder)
		api.DELETE("/orders/:id", s.cancelOrder)

		api.POST("/sync", s.syncNow)
		api.GET("/sync/reports", s.getSyncReports)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler returns the router for use with an http.Server.
func (s *Server) Handler() http.Handler {
	return s.Router
}
