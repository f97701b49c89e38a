// Package server exposes the market-data endpoints and the admin control
// plane over HTTP. All data endpoints go through the governance pipeline;
// the admin endpoints surface each component's stats and reset operations.
package server

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/gridpulse/gridgate"
	"github.com/gridpulse/gridgate/govern"
	"github.com/gridpulse/gridgate/keypool"
	"github.com/gridpulse/gridgate/monitoring"
	"github.com/gridpulse/gridgate/queue"
	"github.com/gridpulse/gridgate/upstream"
)

type Server struct {
	service *upstream.Service
	runtime *govern.Runtime
	metrics *monitoring.Metrics
	logger  *zap.SugaredLogger
}

func New(service *upstream.Service, runtime *govern.Runtime, metrics *monitoring.Metrics, logger *zap.SugaredLogger) *Server {
	return &Server{
		service: service,
		runtime: runtime,
		metrics: metrics,
		logger:  logger,
	}
}

// RegisterRoutes registers all data and admin routes.
func (s *Server) RegisterRoutes(router *mux.Router) {
	// Market data
	router.HandleFunc("/api/v1/dayahead/latest", s.handleDayAheadLatest).Methods("GET")
	router.HandleFunc("/api/v1/dayahead/date/{date}", s.handleDayAheadByDate).Methods("GET")
	router.HandleFunc("/api/v1/dayahead/range", s.handleDayAheadRange).Methods("GET")
	router.HandleFunc("/api/v1/realtime/latest", s.handleRealTimeLatest).Methods("GET")
	router.HandleFunc("/api/v1/realtime/last24h", s.handleRealTimeLast24h).Methods("GET")
	router.HandleFunc("/api/v1/realtime/range", s.handleRealTimeRange).Methods("GET")

	// Control plane
	router.HandleFunc("/api/v1/cache/stats", s.handleCacheStats).Methods("GET")
	router.HandleFunc("/api/v1/cache/clear", s.handleCacheClear).Methods("POST")
	router.HandleFunc("/api/v1/queue/stats", s.handleQueueStats).Methods("GET")
	router.HandleFunc("/api/v1/queue/restart", s.handleQueueRestart).Methods("POST")
	router.HandleFunc("/api/v1/pool/stats", s.handlePoolStats).Methods("GET")
	router.HandleFunc("/api/v1/pool/reset", s.handlePoolReset).Methods("POST")
	router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/api/v1/health/simple", s.handleSimpleHealth).Methods("GET")

	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

func (s *Server) handleDayAheadLatest(w http.ResponseWriter, r *http.Request) {
	market, location := marketLocation(r)
	rows, err := s.service.DayAheadLatest(r.Context(), market, location)
	s.writeRows(w, rows, err)
}

func (s *Server) handleDayAheadByDate(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]
	market, location := marketLocation(r)
	rows, err := s.service.DayAheadByDate(r.Context(), date, market, location)
	s.writeRows(w, rows, err)
}

func (s *Server) handleDayAheadRange(w http.ResponseWriter, r *http.Request) {
	start, end, ok := timeRange(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "missing_range", "start and end query parameters are required")
		return
	}
	market, location := marketLocation(r)
	rows, err := s.service.DayAheadRange(r.Context(), market, location, start, end)
	s.writeRows(w, rows, err)
}

func (s *Server) handleRealTimeLatest(w http.ResponseWriter, r *http.Request) {
	market, location := marketLocation(r)
	rows, err := s.service.RealTimeLatest(r.Context(), market, location)
	s.writeRows(w, rows, err)
}

func (s *Server) handleRealTimeLast24h(w http.ResponseWriter, r *http.Request) {
	market, location := marketLocation(r)
	rows, err := s.service.RealTimeLast24h(r.Context(), market, location)
	s.writeRows(w, rows, err)
}

func (s *Server) handleRealTimeRange(w http.ResponseWriter, r *http.Request) {
	start, end, ok := timeRange(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "missing_range", "start and end query parameters are required")
		return
	}
	market, location := marketLocation(r)
	rows, err := s.service.RealTimeRange(r.Context(), market, location, start, end)
	s.writeRows(w, rows, err)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runtime.Cache.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.runtime.Cache.Clear()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cache cleared"})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runtime.Queue.Stats())
}

func (s *Server) handleQueueRestart(w http.ResponseWriter, r *http.Request) {
	s.runtime.Queue.ClearAndRestart()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "queue cleared and restarted"})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runtime.Pool.Stats())
}

func (s *Server) handlePoolReset(w http.ResponseWriter, r *http.Request) {
	strategy := r.URL.Query().Get("strategy")
	if err := s.runtime.Pool.Reset(keypool.Strategy(strategy)); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_strategy", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.runtime.Pool.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runtime.Health())
}

func (s *Server) handleSimpleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func marketLocation(r *http.Request) (string, string) {
	market := r.URL.Query().Get("market")
	if market == "" {
		market = upstream.DefaultMarket
	}
	location := r.URL.Query().Get("location")
	if location == "" {
		location = upstream.DefaultLocation
	}
	return market, location
}

func timeRange(r *http.Request) (start string, end string, ok bool) {
	start = r.URL.Query().Get("start")
	end = r.URL.Query().Get("end")
	return start, end, start != "" && end != ""
}

// writeRows maps governance errors onto HTTP statuses: pool exhaustion and
// a stopped queue are 503, a submission timeout is 504, an exhausted retry
// budget is 502. The stale-fallback path never reaches here as an error.
func (s *Server) writeRows(w http.ResponseWriter, rows []byte, err error) {
	if err != nil {
		var upstreamErr *gridgate.UpstreamError
		switch {
		case errors.Is(err, gridgate.ErrQueueTimeout):
			s.writeError(w, http.StatusGatewayTimeout, "queue_timeout", "timed out waiting for the request queue")
		case errors.Is(err, gridgate.ErrPoolExhausted):
			s.writeError(w, http.StatusServiceUnavailable, "pool_exhausted", "all credentials are cooling down, retry later")
		case errors.Is(err, queue.ErrNotRunning), errors.Is(err, queue.ErrCleared):
			s.writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "request queue is unavailable")
		case errors.As(err, &upstreamErr):
			s.writeError(w, http.StatusBadGateway, "upstream_failed", upstreamErr.Error())
		default:
			s.logger.Errorw("Unexpected governed call failure", "error", err)
			s.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]json.RawMessage{"data": rows})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Errorw("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
