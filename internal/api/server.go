// Package api serves the control and reporting surface: run-flag control,
// simulation status, analytics results, the execution audit trail, health
// probes and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"stocksim/internal/analytics"
	"stocksim/internal/config"
	"stocksim/internal/storage"
	"stocksim/internal/universe"
)

// Server is the HTTP control plane for one simulation user.
type Server struct {
	store     storage.Interface
	analytics *analytics.Aggregator
	universe  *universe.Gate
	cfg       *config.Config
	log       *logrus.Logger
	registry  *prometheus.Registry
	userID    int64

	httpServer *http.Server
}

// New wires a Server. registry may be nil to disable /metrics.
func New(store storage.Interface, agg *analytics.Aggregator, uni *universe.Gate,
	cfg *config.Config, log *logrus.Logger, registry *prometheus.Registry, userID int64) *Server {
	return &Server{
		store:     store,
		analytics: agg,
		universe:  uni,
		cfg:       cfg,
		log:       log,
		registry:  registry,
		userID:    userID,
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/sim", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/reset", s.handleReset)
		r.Get("/status", s.handleStatus)
		r.Get("/results", s.handleResults)
		r.Get("/executions", s.handleExecutions)
	})
	return r
}

// Start begins serving on the configured port until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.API.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.httpServer.Addr).Info("api: listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(started).String(),
		}).Debug("api: request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("api: encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.SimState(r.Context(), s.userID); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetRunning(r.Context(), s.userID, true); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetRunning(r.Context(), s.userID, false); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

// handleReset pauses the run, wipes simulation-scoped state and restores
// the mock account. Runners and bar data survive.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.SetRunning(ctx, s.userID, false); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.ResetSimulation(ctx, s.userID, s.cfg.Broker.StartingCash); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("api: simulation reset")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type statusResponse struct {
	Running        bool              `json:"running"`
	LastTS         *time.Time        `json:"last_ts,omitempty"`
	CashBalance    float64           `json:"cash_balance"`
	Equity         float64           `json:"equity"`
	OpenPositions  int               `json:"open_positions"`
	Trades         int64             `json:"trades"`
	Executions     int64             `json:"executions"`
	DeniedUniverse map[string]string `json:"denied_universe,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := s.store.SimState(ctx, s.userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := statusResponse{Running: st.IsRunning, LastTS: st.LastTS}
	if acct, err := s.store.Account(ctx, s.userID); err == nil {
		resp.CashBalance = acct.Cash
		resp.Equity = acct.Equity
	}
	if positions, err := s.store.PositionsForUser(ctx, s.userID); err == nil {
		resp.OpenPositions = len(positions)
	}
	if n, err := s.store.CountTrades(ctx, s.userID); err == nil {
		resp.Trades = n
	}
	if n, err := s.store.CountExecutions(ctx, s.userID); err == nil {
		resp.Executions = n
	}
	if s.universe != nil {
		resp.DeniedUniverse = s.universe.DeniedReasons()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleResults recomputes and returns the per-(symbol, strategy,
// timeframe) aggregates.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.analytics.Recompute(r.Context(), s.userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 10000 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be in [1,10000]"))
			return
		}
		limit = n
	}
	rows, err := s.store.LatestExecutions(r.Context(), s.userID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}
