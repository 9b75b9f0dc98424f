package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/risk_lifecycle/internal/domain"
	"github.com/vitos/risk_lifecycle/internal/usecase"
	"go.uber.org/zap"
)

// LifecycleService is the part of the lifecycle manager the API drives.
type LifecycleService interface {
	Positions() []*domain.Position
	Position(id string) (*domain.Position, error)
	Open(ctx context.Context, req usecase.OpenRequest) (*domain.Position, error)
	Reconcile(ctx context.Context) (usecase.ReconcileResult, error)
	RecoverFailed(ctx context.Context, id string) (*domain.Position, error)
}

// HistoryReader serves closed positions and the event log.
type HistoryReader interface {
	ListPositionHistory(ctx context.Context, limit int) ([]*domain.PositionHistory, error)
	ListLifecycleEvents(ctx context.Context, positionID string) ([]domain.LifecycleEvent, error)
}

type Server struct {
	router  *http.ServeMux
	server  *http.Server
	manager LifecycleService
	history HistoryReader
	hub     *EventHub
	logger  *zap.Logger
}

func NewServer(
	port int,
	manager LifecycleService,
	history HistoryReader,
	hub *EventHub,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:  http.NewServeMux(),
		manager: manager,
		history: history,
		hub:     hub,
		logger:  logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	// Positions
	s.router.HandleFunc("GET /api/positions", s.handleListPositions)
	s.router.HandleFunc("POST /api/positions", s.handleOpenPosition)
	s.router.HandleFunc("GET /api/positions/{id}", s.handleGetPosition)
	s.router.HandleFunc("GET /api/positions/{id}/events", s.handlePositionEvents)
	s.router.HandleFunc("POST /api/positions/{id}/recover", s.handleRecover)

	// Reconciliation
	s.router.HandleFunc("POST /api/reconcile", s.handleReconcile)

	// History
	s.router.HandleFunc("GET /api/history", s.handleHistory)

	// Ops
	s.router.HandleFunc("GET /healthz", s.handleHealth)
	s.router.Handle("GET /metrics", promhttp.Handler())
	if s.hub != nil {
		s.router.HandleFunc("GET /ws/events", s.hub.ServeWS)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.server.Shutdown(ctx)
}
