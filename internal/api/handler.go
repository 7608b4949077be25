// Package api serves the read-mostly ops HTTP API of the engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trading-engine/internal/engine"
)

// Options configures the Server.
type Options struct {
	JWTSecret      string
	RateLimit      rate.Limit // requests per second per IP
	RateBurst      int
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	JWTSecret string
	logger    *zap.Logger
}

// NewServer builds the router. The engine is the only dependency of the
// handlers.
func NewServer(svc engine.Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	logger := opts.Logger.Named("api")

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware(opts.RateLimit, opts.RateBurst, logger))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Engine:    svc,
		JWTSecret: opts.JWTSecret,
		logger:    logger,
	}
	s.routes(opts.RequestTimeout)
	return s
}

func (s *Server) routes(timeout time.Duration) {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		// Streams are long lived and skip the request timeout.
		api.GET("/exchanges/:id/prices/ws", s.streamMarkPrices)

		timed := api.Group("")
		timed.Use(TimeoutMiddleware(timeout))
		{
			timed.GET("/system/status", s.getSystemStatus)
			timed.GET("/exchanges", s.listExchanges)
			timed.GET("/exchanges/:id/portfolio", s.getPortfolio)
			timed.GET("/exchanges/:id/orders", s.getOrders)
			timed.GET("/exchanges/:id/trades", s.getTrades)
			timed.GET("/exchanges/:id/positions", s.getPositions)
			timed.GET("/exchanges/:id/status", s.getExchangeStatus)

			timed.POST("/exchanges/:id/orders/:orderID/cancel", s.cancelOrder)
			timed.POST("/exchanges/:id/cancel-all", s.cancelAllOrders)
			timed.POST("/exchanges/:id/positions/close", s.closePosition)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
