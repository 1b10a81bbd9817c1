// Package runtime assembles the service from configuration: storage,
// providers, retrieval, the agent, the scheduler, and the HTTP server,
// in dependency order with a symmetric teardown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lontar-ai/lontar/pkg/agent"
	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/docstore"
	"github.com/lontar-ai/lontar/pkg/embedders"
	"github.com/lontar-ai/lontar/pkg/graph"
	"github.com/lontar-ai/lontar/pkg/ingest"
	"github.com/lontar-ai/lontar/pkg/llms"
	"github.com/lontar-ai/lontar/pkg/logger"
	"github.com/lontar-ai/lontar/pkg/memory"
	"github.com/lontar-ai/lontar/pkg/observability"
	"github.com/lontar-ai/lontar/pkg/rerank"
	"github.com/lontar-ai/lontar/pkg/retrieval"
	"github.com/lontar-ai/lontar/pkg/scheduler"
	"github.com/lontar-ai/lontar/pkg/server"
	"github.com/lontar-ai/lontar/pkg/session"
	"github.com/lontar-ai/lontar/pkg/vector"
	"github.com/lontar-ai/lontar/pkg/verify"
)

// Runtime owns every long-lived component. Construction happens
// leaves-first; Close unwinds in reverse.
type Runtime struct {
	cfg *config.Config
	log *slog.Logger

	obs      *observability.Manager
	dbPool   *config.DBPool
	redis    *redis.Client
	gateway  *llms.Gateway
	embedder embedders.Embedder
	vectors  vector.Store
	agent    *agent.Agent
	pipeline *ingest.Pipeline
	sched    *scheduler.Scheduler
	server   *server.Server
	latency  *observability.LatencyWindow
}

// New builds the full runtime. On any failure everything constructed so
// far is closed before the error returns.
func New(ctx context.Context, cfg *config.Config) (_ *Runtime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	// The cleanup defer closes this local, not the named result: error
	// returns assign the result nil before the defer runs.
	rt := &Runtime{cfg: cfg, log: logger.For("runtime")}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.obs = observability.NewManager(observability.Config{
		Tracing: observability.TracerConfig{
			Enabled:      cfg.Observability.TracingEnabled,
			ExporterType: cfg.Observability.TracingExport,
			EndpointURL:  cfg.Observability.OTLPEndpoint,
			ServiceName:  cfg.Observability.ServiceName,
		},
		Metrics: observability.MetricsConfig{Enabled: cfg.Observability.MetricsEnabled},
	})
	if err := rt.obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	rt.dbPool = config.NewDBPool()
	db, err := rt.dbPool.Get(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	dialect := cfg.Database.Driver

	rt.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	rt.embedder, err = embedders.New(&cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	vectors, err := vector.New(&cfg.VectorStore)
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}
	rt.vectors = vectors

	docs, err := docstore.NewSQLStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("document store: %w", err)
	}
	graphStore, err := graph.New(&cfg.Graph, db, dialect)
	if err != nil {
		return nil, fmt.Errorf("graph store: %w", err)
	}
	routes, err := retrieval.NewRouteStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("route store: %w", err)
	}

	rt.gateway, err = llms.NewGateway(&cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm gateway: %w", err)
	}
	utility := rt.gateway.Utility()

	reranker, err := rerank.New(&cfg.Rerank, utility)
	if err != nil {
		return nil, fmt.Errorf("reranker: %w", err)
	}

	retriever, err := retrieval.New(&cfg.Retrieval, &cfg.VectorStore, &cfg.Features, retrieval.Deps{
		Embedder: rt.embedder,
		Vectors:  vectors,
		Docs:     docs,
		Graph:    graphStore,
		Reranker: reranker,
		Routes:   routes,
	})
	if err != nil {
		return nil, fmt.Errorf("retriever: %w", err)
	}

	toolRegistry, err := buildTools(&cfg.Tools, retriever, graphStore, rt.gateway)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}

	conversations, err := session.NewConversationStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("conversation store: %w", err)
	}
	locks := session.NewConversationLocks(cfg.Sessions.LockTimeout)
	sessions, err := session.NewSessionStore(rt.redis, cfg.Redis.KeyPrefix, cfg.Sessions.TTL)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	memStore, err := memory.NewStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}
	assembler, err := memory.NewAssembler(&cfg.Memory, memStore, conversations)
	if err != nil {
		return nil, fmt.Errorf("memory assembler: %w", err)
	}
	extractor := memory.NewExtractor(&cfg.Memory, utility, memStore)
	summarizer := memory.NewSummarizer(&cfg.Memory, utility, conversations)

	verifier, err := verify.New(&cfg.Verifier, utility)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}

	rt.agent, err = agent.New(&cfg.Agent, &cfg.Features, agent.Deps{
		Gateway:       rt.gateway,
		Tools:         toolRegistry,
		Assembler:     assembler,
		Verifier:      verifier,
		Conversations: conversations,
		Locks:         locks,
		Sessions:      sessions,
		Extractor:     extractor,
		Summarizer:    summarizer,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	rt.pipeline, err = ingest.NewPipeline(&cfg.Ingest, docs, rt.embedder, vectors)
	if err != nil {
		return nil, fmt.Errorf("ingest pipeline: %w", err)
	}

	rt.latency = observability.NewLatencyWindow(0)

	if cfg.Scheduler.Enabled {
		rt.sched, err = scheduler.New(&cfg.Scheduler, rt.latency)
		if err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
		if err := registerTasks(rt.sched, cfg, scheduler.GraphSyncDeps{
			Generator:  utility,
			Docs:       docs,
			Vectors:    vectors,
			Graph:      graphStore,
			Collection: cfg.Ingest.DefaultCollection,
		}, routes, rt.embedder, memStore); err != nil {
			return nil, fmt.Errorf("scheduler tasks: %w", err)
		}
	}

	rt.server, err = server.New(&cfg.Server, server.Deps{
		Agent:   rt.agent,
		Ingest:  rt.pipeline,
		Health:  rt.healthChecks(db),
		Latency: rt.latency,
	})
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	return rt, nil
}

func registerTasks(sched *scheduler.Scheduler, cfg *config.Config,
	graphDeps scheduler.GraphSyncDeps, routes *retrieval.RouteStore,
	embedder embedders.Embedder, memStore *memory.Store) error {

	if err := sched.RegisterConfigured("graph_sync", scheduler.GraphSync(graphDeps, sched.Checkpoint)); err != nil {
		return err
	}
	if err := sched.RegisterConfigured("route_refresh", scheduler.RouteRefresh(routes, embedder)); err != nil {
		return err
	}
	return sched.RegisterConfigured("memory_compact", scheduler.MemoryCompact(memStore, 0))
}

// EnsureCollections creates every configured vector collection that does
// not exist yet. Serve calls it once before accepting traffic so the
// first ingest and the first search never race collection creation.
func (r *Runtime) EnsureCollections(ctx context.Context) error {
	for name, col := range r.cfg.VectorStore.Collections {
		if err := r.vectors.EnsureCollection(ctx, name, col.Dimension, col.Metric); err != nil {
			return fmt.Errorf("collection %q: %w", name, err)
		}
	}
	return nil
}

func (r *Runtime) healthChecks(db pinger) map[string]server.HealthCheck {
	checks := map[string]server.HealthCheck{
		"relational": db.PingContext,
		"redis": func(ctx context.Context) error {
			return r.redis.Ping(ctx).Err()
		},
		"vector": func(ctx context.Context) error {
			_, err := r.vectors.Stats(ctx, r.cfg.Ingest.DefaultCollection)
			return err
		},
	}
	return checks
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// Agent exposes the reasoning loop for embedding callers.
func (r *Runtime) Agent() *agent.Agent { return r.agent }

// Pipeline exposes ingestion for the CLI ingest command.
func (r *Runtime) Pipeline() *ingest.Pipeline { return r.pipeline }

func (r *Runtime) Config() *config.Config { return r.cfg }

// Run starts the scheduler and the HTTP server and blocks until ctx is
// cancelled or the listener fails, then tears everything down.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.EnsureCollections(ctx); err != nil {
		return err
	}
	if r.sched != nil {
		r.sched.Start()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.server.Start() }()

	select {
	case <-ctx.Done():
		r.log.Info("shutting down", "reason", ctx.Err())
	case err := <-serveErr:
		if err != nil {
			r.Close()
			return fmt.Errorf("http server: %w", err)
		}
	}
	return r.Close()
}

// Close tears components down in reverse construction order. Every
// closer runs; the first error wins.
func (r *Runtime) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	record := func(name string, err error) {
		if err != nil {
			r.log.Warn("close failed", "component", name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	if r.server != nil {
		record("server", r.server.Shutdown(shutdownCtx))
	}
	if r.sched != nil {
		record("scheduler", r.sched.Stop(0))
	}
	if r.gateway != nil {
		record("llm gateway", r.gateway.Close())
	}
	if r.embedder != nil {
		record("embedder", r.embedder.Close())
	}
	if r.vectors != nil {
		record("vector store", r.vectors.Close())
	}
	if r.redis != nil {
		record("redis", r.redis.Close())
	}
	if r.dbPool != nil {
		record("database", r.dbPool.Close())
	}
	if r.obs != nil {
		record("observability", r.obs.Shutdown(shutdownCtx))
	}
	return firstErr
}
