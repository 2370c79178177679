// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/tripwire/internal/errors"
	"grimm.is/tripwire/internal/logging"
	"grimm.is/tripwire/internal/store"
)

// StatusSource provides the read-only views served under /api.
type StatusSource interface {
	RecentAttacks(ctx context.Context, limit int) ([]store.Attack, error)
	Stats(ctx context.Context) (attacks, blocked int, err error)
	AttackHistory(ctx context.Context) ([]store.HistoryPoint, error)
	WhitelistDetails(ctx context.Context) ([]store.WhitelistEntry, error)
}

// Server serves /metrics, /healthz and the status API.
type Server struct {
	addr    string
	metrics *Metrics
	status  StatusSource
	blocked func() []string
	logger  *logging.Logger
	router  *mux.Router
	api     *mux.Router
	started time.Time
}

// NewServer creates a status server. status and blocked may be nil.
func NewServer(addr string, m *Metrics, status StatusSource, blocked func() []string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.WithComponent("status")
	}
	s := &Server{
		addr:    addr,
		metrics: m,
		status:  status,
		blocked: blocked,
		logger:  logger,
		router:  mux.NewRouter(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	s.api = api
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/attacks", s.handleAttacks).Methods("GET")
	api.HandleFunc("/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/whitelist", s.handleWhitelist).Methods("GET")
	api.HandleFunc("/blocked", s.handleBlocked).Methods("GET")
}

// HandleEvents mounts a live event stream at /api/events. It must be
// called before Run.
func (s *Server) HandleEvents(h http.Handler) {
	s.api.Handle("/events", h).Methods("GET")
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, errors.KindFatal, "failed to listen on %s", s.addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Wrap(err, errors.KindUnavailable, "status server failed")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "store not available", http.StatusServiceUnavailable)
		return
	}
	attacks, blocked, err := s.status.Stats(r.Context())
	if err != nil {
		s.fail(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"total_attacks": attacks,
		"blocked_ips":   blocked,
	})
}

func (s *Server) handleAttacks(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "store not available", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	attacks, err := s.status.RecentAttacks(r.Context(), limit)
	if err != nil {
		s.fail(w, "attacks", err)
		return
	}
	if attacks == nil {
		attacks = []store.Attack{}
	}
	writeJSON(w, http.StatusOK, attacks)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "store not available", http.StatusServiceUnavailable)
		return
	}
	history, err := s.status.AttackHistory(r.Context())
	if err != nil {
		s.fail(w, "history", err)
		return
	}
	if history == nil {
		history = []store.HistoryPoint{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "store not available", http.StatusServiceUnavailable)
		return
	}
	entries, err := s.status.WhitelistDetails(r.Context())
	if err != nil {
		s.fail(w, "whitelist", err)
		return
	}
	if entries == nil {
		entries = []store.WhitelistEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	ips := []string{}
	if s.blocked != nil {
		ips = append(ips, s.blocked()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(ips), "ips": ips})
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.metrics.StoreErrors.WithLabelValues("read_" + op).Inc()
	s.logger.Error("Status query failed", "op", op, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
