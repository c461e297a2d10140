// Package httpapi serves the operator endpoints: health, metrics, state inspection
// and the manual controls (cancel, halt, resume).
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"trading_bot/internal/domain"
	"trading_bot/internal/infra"
	"trading_bot/internal/service"

	"github.com/gin-gonic/gin"
)

// Orders is the execution view the API needs.
type Orders interface {
	Order(orderID string) (domain.OrderRecord, bool)
	Orders(openOnly bool) []domain.OrderRecord
	Cancel(ctx context.Context, orderID string) (domain.OrderRecord, error)
}

// Risk is the position and risk view the API needs.
type Risk interface {
	Positions(ctx context.Context) ([]domain.Position, error)
	Snapshot(ctx context.Context, instrument string) (domain.StateSnapshot, error)
	Halt(ctx context.Context, instrument, reason string) error
	Resume(ctx context.Context, instrument string) error
	Account() domain.Account
}

// Journal lists persisted orders, including orphans from earlier runs.
type Journal interface {
	Orders(ctx context.Context, orphanedOnly bool, limit int) ([]domain.OrderEntry, error)
}

// Market lists the latest market picture per instrument.
type Market interface {
	GetAllData() []service.MarketView
	GetData(instrument string) (service.MarketView, bool)
}

// ServerConfig wires the API to the running components. Journal and Market may be nil.
type ServerConfig struct {
	Addr        string
	Instruments []string
	Orders      Orders
	Risk        Risk
	Journal     Journal
	Market      Market
	Connection  func() domain.ConnectionState
	Metrics     *infra.Metrics
	Alerts      *infra.AlertHub
}

// Server is the operator HTTP endpoint.
type Server struct {
	addr   string
	router *gin.Engine
	logger *slog.Logger
}

// NewServer builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orders == nil || cfg.Risk == nil {
		return nil, errors.New("operator http server requires orders and risk")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	logger := slog.Default().With("module", "http")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	newRouter(cfg).register(router.Group("/api"))

	return &Server{addr: cfg.Addr, router: router, logger: logger}, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("Operator API listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("ip", c.ClientIP()),
			slog.Duration("dur", time.Since(start)),
		)
	}
}
