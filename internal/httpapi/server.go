// Package httpapi exposes the memory service over HTTP: five memory
// surfaces, forgetting, and provenance behind a role matrix, plus the
// bare /health and /metrics infrastructure endpoints. All bodies are
// JSON and every failure uses the {"error": {code, message, detail}}
// envelope.
package httpapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/authz"
	"github.com/tessellate-ai/ltm/internal/config"
	"github.com/tessellate-ai/ltm/internal/health"
	"github.com/tessellate-ai/ltm/internal/memory"
)

const defaultRequestTimeout = 30 * time.Second

// Config carries the wired modules and service settings for a Server.
type Config struct {
	Episodic   *memory.Episodic
	Semantic   *memory.Semantic
	Temporal   *memory.Temporal
	Procedural *memory.Procedural
	Evaluator  *memory.Evaluator
	Provenance *memory.ProvenanceStore

	Authz  *authz.Engine
	Health *health.Manager

	// Tunables supplies the hot-reloadable rate limit settings; nil
	// disables rate limiting.
	Tunables func() config.Tunables

	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server owns the HTTP surface. Build one with New and serve its
// Handler.
type Server struct {
	memories       *MemoryHandler
	graph          *GraphHandler
	skills         *SkillHandler
	evaluator      *EvaluatorHandler
	authz          *authz.Engine
	health         *health.Manager
	limiter        *roleLimiter
	requestTimeout time.Duration
	log            *zap.Logger
}

// New assembles a Server from wired modules.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Tunables == nil {
		cfg.Tunables = func() config.Tunables { return config.Tunables{} }
	}
	if cfg.Health == nil {
		cfg.Health = health.NewManager(log)
	}

	return &Server{
		memories:       NewMemoryHandler(cfg.Episodic, cfg.Semantic, cfg.Temporal, cfg.Procedural, cfg.Evaluator, cfg.Provenance, log),
		graph:          NewGraphHandler(cfg.Semantic, cfg.Temporal, log),
		skills:         NewSkillHandler(cfg.Procedural, log),
		evaluator:      NewEvaluatorHandler(cfg.Evaluator, log),
		authz:          cfg.Authz,
		health:         cfg.Health,
		limiter:        newRoleLimiter(cfg.Tunables, log),
		requestTimeout: cfg.RequestTimeout,
		log:            log,
	}
}

// Handler builds the routing table. Every API route runs the same
// chain: recovery, instrumentation, deadline, authorization, rate
// limit, handler. Health and metrics bypass the matrix; they are
// infrastructure, not API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())

	s.route(mux, http.MethodPost, "/memory", s.memories.Consolidate)
	s.route(mux, http.MethodGet, "/memory", s.memories.Retrieve)
	s.route(mux, http.MethodDelete, "/forget", s.memories.Forget)
	s.route(mux, http.MethodGet, "/provenance/{memory_type}/{record_id}", s.memories.Provenance)

	s.route(mux, http.MethodPost, "/semantic_consolidate", s.graph.SemanticConsolidate)
	s.route(mux, http.MethodPost, "/propagate_subgraph", s.graph.PropagateSubgraph)
	s.route(mux, http.MethodPost, "/temporal_consolidate", s.graph.TemporalConsolidate)
	s.route(mux, http.MethodGet, "/spatial_query", s.graph.SpatialQuery)

	s.route(mux, http.MethodPost, "/skill", s.skills.Store)
	s.route(mux, http.MethodPost, "/skill_vector_query", s.skills.VectorQuery)
	s.route(mux, http.MethodPost, "/skill_metadata_query", s.skills.MetadataQuery)

	s.route(mux, http.MethodPost, "/evaluator_memory", s.evaluator.Store)
	s.route(mux, http.MethodGet, "/evaluator_memory", s.evaluator.Retrieve)
	s.route(mux, http.MethodDelete, "/forget_evaluator", s.evaluator.Forget)

	return mux
}

// route registers one endpoint under the full middleware chain. The
// endpoint string doubles as the authorization input and the metric
// label, so path parameters stay in registration form.
func (s *Server) route(mux *http.ServeMux, method, endpoint string, h http.HandlerFunc) {
	chain := s.recovery(s.instrument(endpoint, s.deadline(s.authorize(endpoint, s.limiter.middleware(h)))))
	mux.Handle(method+" "+endpoint, chain)
}
