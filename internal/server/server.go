// Package server provides the HTTP API over the fulfillment engine
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"roadfix/internal/config"
	"roadfix/internal/domain"
	"roadfix/internal/fulfillment"
	"roadfix/internal/geo"
	"roadfix/internal/templates"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Workflow is the set of fulfillment operations the API exposes
type Workflow interface {
	CreateServiceRequest(ctx context.Context, actor domain.Actor, in fulfillment.CreateRequestInput) (*domain.ServiceRequest, error)
	GetServiceRequest(ctx context.Context, actor domain.Actor, id string) (*domain.ServiceRequest, error)
	ListServiceRequests(ctx context.Context, actor domain.Actor, f fulfillment.ListFilter) ([]domain.ServiceRequest, error)
	History(ctx context.Context, actor domain.Actor, id string) ([]domain.StatusChange, error)
	Track(ctx context.Context, code string) (*fulfillment.TrackingView, error)
	Label(ctx context.Context, actor domain.Actor, id string) ([]byte, error)
	Transition(ctx context.Context, actor domain.Actor, id string, to domain.RequestStatus, note string) (*domain.ServiceRequest, error)
	SetEstimatedCompletion(ctx context.Context, actor domain.Actor, id string, eta time.Time) (*domain.ServiceRequest, error)

	SubmitQuotation(ctx context.Context, actor domain.Actor, requestID string, in fulfillment.QuotationInput) (*domain.Quotation, error)
	UpdateQuotation(ctx context.Context, actor domain.Actor, id string, patch fulfillment.QuotationPatch) (*domain.Quotation, error)
	AcceptQuotation(ctx context.Context, actor domain.Actor, quotationID, idempotencyKey string) (*domain.ServiceRequest, error)
	ListQuotations(ctx context.Context, actor domain.Actor, requestID string) ([]domain.Quotation, error)

	AssignWorkshop(ctx context.Context, actor domain.Actor, requestID, workshopID string, workerID *string, idempotencyKey string) (*domain.ServiceRequest, error)
	AssignWorker(ctx context.Context, actor domain.Actor, requestID string, workerID *string, idempotencyKey string) (*domain.ServiceRequest, error)

	RegisterWorkshop(ctx context.Context, actor domain.Actor, in fulfillment.WorkshopInput) (*domain.Workshop, error)
	SetWorkshopStatus(ctx context.Context, actor domain.Actor, id string, status domain.WorkshopStatus) (*domain.Workshop, error)
	GetWorkshop(ctx context.Context, id string) (*domain.Workshop, error)
	SearchWorkshopsNear(ctx context.Context, in fulfillment.SearchInput) ([]geo.Match, error)

	RegisterWorker(ctx context.Context, actor domain.Actor, workshopID string, in fulfillment.WorkerInput) (*domain.Worker, error)
	ListWorkers(ctx context.Context, actor domain.Actor, workshopID string, onlyAvailable bool) ([]domain.Worker, error)
	SetWorkerAvailability(ctx context.Context, actor domain.Actor, workerID string, available bool) (*domain.Worker, error)
}

var _ Workflow = (*fulfillment.Engine)(nil)

// Pinger reports store health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	config *config.Config
	flow   Workflow
	store  Pinger
	log    *zap.Logger
	pages  *templates.Manager
	router *chi.Mux
	http   *http.Server
}

// New creates a new server instance
func New(cfg *config.Config, flow Workflow, store Pinger, log *zap.Logger) *Server {
	s := &Server{
		config: cfg,
		flow:   flow,
		store:  store,
		log:    log,
		pages:  templates.Default(),
		router: chi.NewRouter(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the traced router
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "roadfix-api")
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	serverErrors := make(chan error, 1)

	go func() {
		s.log.Info("server starting", zap.String("addr", s.config.Address()), zap.Bool("debug", s.config.Debug))
		serverErrors <- s.http.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		s.log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.Error("graceful shutdown failed", zap.Error(err))
			if err := s.http.Close(); err != nil {
				return fmt.Errorf("failed to close server: %w", err)
			}
		}

		s.log.Info("server shutdown complete")
	}

	return nil
}

// setupMiddleware configures global middleware
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.accessLog)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)
	s.router.Use(middleware.Timeout(30 * time.Second))
}

// securityHeaders adds security-related headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; img-src 'self' data:; style-src 'unsafe-inline'")
		next.ServeHTTP(w, r)
	})
}

// GetRouter returns the chi router (useful for testing)
func (s *Server) GetRouter() *chi.Mux {
	return s.router
}
