// Package httpapi exposes a read-only chi-routed inspection surface
// over one or more partition state machines: health, per-partition
// stats, last-stable-offset, and aborted-transaction-range queries.
// It never accepts a write; Replicate/BeginTx/CommitTx/AbortTx are
// reached only through the partition layer that embeds this module,
// not through HTTP.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rmstm/internal/rmstm"
)

// PartitionSource resolves a partition id to its Machine, so the
// server can be wired to whatever owns the partition set without
// depending on that type.
type PartitionSource interface {
	Machine(partition int32) (*rmstm.Machine, bool)
	Partitions() []int32
}

// Server is the inspection HTTP server.
type Server struct {
	partitions PartitionSource
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger
}

// Config holds server configuration, mirroring the broker layer's
// server config shape.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:         ":9090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer wires up the inspection router. gatherer is the registry
// the embedding process registered its rmstm collectors on; /metrics
// serves exactly that gatherer rather than the global default, so a
// caller that built its own prometheus.Registry (as cmd/rmstmd does)
// actually gets its collectors scraped. A nil gatherer falls back to
// prometheus.DefaultGatherer.
func NewServer(partitions PartitionSource, config Config, logger *slog.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	s := &Server{partitions: partitions, router: r, logger: logger}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logging)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	r.Route("/partitions/{partition}", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/lso", s.handleLSO)
		r.Get("/aborted", s.handleAborted)
		r.Get("/transactions", s.handleTransactions)
	})

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("starting inspection server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) partitionFromPath(w http.ResponseWriter, r *http.Request) (*rmstm.Machine, bool) {
	raw := chi.URLParam(r, "partition")
	id, err := strconv.Atoi(raw)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid partition id"})
		return nil, false
	}
	m, ok := s.partitions.Machine(int32(id))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown partition"})
		return nil, false
	}
	return m, true
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	m, ok := s.partitionFromPath(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, m.Stats())
}

func (s *Server) handleLSO(w http.ResponseWriter, r *http.Request) {
	m, ok := s.partitionFromPath(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"last_stable_offset":     m.LastStableOffset(),
		"max_collectible_offset": m.MaxCollectibleOffset(),
	})
}

func (s *Server) handleAborted(w http.ResponseWriter, r *http.Request) {
	m, ok := s.partitionFromPath(w, r)
	if !ok {
		return
	}
	from, to := int64(0), int64(1<<62)
	if v := r.URL.Query().Get("from"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			from = parsed
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			to = parsed
		}
	}
	ranges, err := m.AbortedTransactions(rmstm.Offset(from), rmstm.Offset(to))
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, ranges)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	m, ok := s.partitionFromPath(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, m.GetTransactions())
}
