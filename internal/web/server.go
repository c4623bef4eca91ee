package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/vitos/cycle_trader/internal/domain"
	"github.com/vitos/cycle_trader/internal/infrastructure/metrics"
	"github.com/vitos/cycle_trader/internal/usecase"
	"go.uber.org/zap"
)

// Controller is the part of the core the operator API drives.
type Controller interface {
	Status() usecase.CoreStatus
	Reconcile(ctx context.Context, reason string) error
	CancelActiveOrder(ctx context.Context) error
}

// TradeLister reads trade history.
type TradeLister interface {
	ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error)
}

// TransitionLister is implemented by stores that can replay the audit trail.
type TransitionLister interface {
	ListTransitions(ctx context.Context, limit int) ([]domain.Transition, error)
}

type Server struct {
	router chi.Router
	server *http.Server
	ctrl   Controller
	trades TradeLister
	logger *zap.Logger
}

func NewServer(addr string, ctrl Controller, trades TradeLister, logger *zap.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		ctrl:   ctrl,
		trades: trades,
		logger: logger.Named("web"),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/trades", s.handleTrades)
	r.Get("/transitions", s.handleTransitions)
	r.Post("/reconcile", s.handleReconcile)
	r.Post("/orders/active/cancel", s.handleCancelActive)
	r.Handle("/metrics", metrics.Handler())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
