// Package server is the HTTP surface: streaming chat over SSE, the
// non-streaming query endpoint, ingestion, health, and Prometheus
// exposition.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lontar-ai/lontar/pkg/agent"
	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/ingest"
	"github.com/lontar-ai/lontar/pkg/logger"
	"github.com/lontar-ai/lontar/pkg/observability"
)

// AgentService is the slice of the agent the server fronts.
type AgentService interface {
	Stream(ctx context.Context, req agent.Request) (<-chan agent.Event, error)
	Query(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// Ingestor accepts documents into the knowledge base.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.IngestRequest) (*ingest.IngestResult, error)
}

// HealthCheck pings one component. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Deps are the server's collaborators. Health holds named component
// checks for the detailed endpoint; Latency feeds the scheduler's
// backpressure probe and may be nil.
type Deps struct {
	Agent   AgentService
	Ingest  Ingestor
	Health  map[string]HealthCheck
	Latency *observability.LatencyWindow
}

type Server struct {
	cfg  *config.ServerConfig
	deps Deps
	http *http.Server
	log  *slog.Logger
}

func New(cfg *config.ServerConfig, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server config is required")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  logger.For("server"),
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID, s.requestLog, s.recoverPanics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat/stream", s.handleChatStream)
		r.With(s.requestTimeout).Post("/agentic-rag/query", s.handleQuery)

		if s.deps.Ingest != nil {
			r.With(s.requestTimeout).Post("/ingest/text", s.handleIngestText)
			r.With(s.requestTimeout).Post("/ingest/document", s.handleIngestDocument)
		}

		r.Get("/health", s.handleHealth)
		r.Get("/health/detailed", s.handleHealthDetailed)
		r.Get("/performance/metrics", promhttp.Handler().ServeHTTP)
	})
	// Bare liveness path for load balancers.
	r.Get("/health", s.handleHealth)
	return r
}

// Start blocks serving until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured grace.
func (s *Server) Shutdown(ctx context.Context) error {
	grace := s.cfg.ShutdownGrace
	if grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	s.log.Info("http server draining")
	return s.http.Shutdown(ctx)
}
