// Package api exposes the service over HTTP: conversation lifecycle,
// message intake, knowledge unit management, reconciliation, health, and
// metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/pipeline"
	"github.com/parleyhq/parley/internal/reconcile"
)

// ConversationService is the conversation store surface the handlers use.
type ConversationService interface {
	Create(ctx context.Context, userRef string, personaID uuid.UUID, mergeWindow time.Duration) (*conversation.Conversation, error)
	Get(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Turns(ctx context.Context, conversationID uuid.UUID, limit int32) ([]*conversation.Turn, error)
}

// MessageHandler runs the inbound-message pipeline.
type MessageHandler interface {
	Handle(ctx context.Context, conversationID uuid.UUID, message string, force bool) (*pipeline.Outcome, error)
}

// UnitService is the knowledge store surface the handlers use.
type UnitService interface {
	SaveUnit(ctx context.Context, u *knowledge.Unit) error
	GetUnit(ctx context.Context, id uuid.UUID) (*knowledge.Unit, error)
	ListUnits(ctx context.Context, kind knowledge.Kind, limit int32) ([]*knowledge.Unit, error)
	SoftDeleteUnit(ctx context.Context, id uuid.UUID) error
}

// ReconcileRunner triggers one reconciliation pass on demand.
type ReconcileRunner interface {
	Run(ctx context.Context) (reconcile.Report, error)
}

// Server holds the router and its collaborators.
type Server struct {
	conversations ConversationService
	messages      MessageHandler
	units         UnitService
	reconciler    ReconcileRunner
	metrics       http.Handler
	defaultWindow time.Duration
	logger        *slog.Logger
	router        chi.Router
}

// Options collects the server's collaborators.
type Options struct {
	Conversations ConversationService
	Messages      MessageHandler
	Units         UnitService
	Reconciler    ReconcileRunner
	Metrics       http.Handler
	DefaultWindow time.Duration
	Logger        *slog.Logger
}

// NewServer builds the router. A nil logger falls back to slog.Default().
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		conversations: opts.Conversations,
		messages:      opts.Messages,
		units:         opts.Units,
		reconciler:    opts.Reconciler,
		metrics:       opts.Metrics,
		defaultWindow: opts.DefaultWindow,
		logger:        logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", s.handleCreateConversation)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetConversation)
				r.Delete("/", s.handleDeleteConversation)
				r.Get("/turns", s.handleListTurns)
				r.Post("/messages", s.handlePostMessage)
			})
		})
		r.Route("/units", func(r chi.Router) {
			r.Post("/", s.handleSaveUnit)
			r.Get("/", s.handleListUnits)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetUnit)
				r.Put("/", s.handleUpdateUnit)
				r.Delete("/", s.handleDeleteUnit)
			})
		})
		r.Post("/reconcile", s.handleReconcile)
	})

	return r
}

// ServeHTTP makes the Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Listen serves the API on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Listen(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("api listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
