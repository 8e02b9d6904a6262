package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/voting"
)

var apiRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "voter_api_request_duration_seconds",
		Help:    "Duration of voter API requests",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"route", "status"},
)

func init() {
	prometheus.MustRegister(apiRequestDuration)
}

// APIServer exposes the voting client over HTTP
type APIServer struct {
	client *voting.Client
	redis  *redis.Client // nil unless events are published
}

// NewAPIServer creates an API server around client
func NewAPIServer(client *voting.Client, redisClient *redis.Client) *APIServer {
	return &APIServer{
		client: client,
		redis:  redisClient,
	}
}

type voteRequest struct {
	CandidateIndex *uint64 `json:"candidate_index"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	TxHash string `json:"tx_hash,omitempty"`
}

// Router returns the HTTP router
func (s *APIServer) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()

	// Election state
	api.HandleFunc("/snapshot", s.handleGetSnapshot).Methods("GET")
	api.HandleFunc("/refresh", s.handleRefresh).Methods("POST")

	// Wallet session
	api.HandleFunc("/session", s.handleGetSession).Methods("GET")
	api.HandleFunc("/connect", s.handleConnect).Methods("POST")

	// Voting
	api.HandleFunc("/vote", s.handleVote).Methods("POST")
	api.HandleFunc("/selection", s.handleGetSelection).Methods("GET")
	api.HandleFunc("/selection", s.handleSelect).Methods("PUT")
	api.HandleFunc("/selection", s.handleClearSelection).Methods("DELETE")
	api.HandleFunc("/selection/cast", s.handleCastSelection).Methods("POST")

	api.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	// Preflight requests only need to reach the CORS middleware
	api.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	r.Use(s.metricsMiddleware)
	r.Use(s.corsMiddleware)

	return r
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware tracks API request metrics
func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		apiRequestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}

// corsMiddleware adds CORS headers
func (s *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleGetSnapshot returns the last published election snapshot
func (s *APIServer) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.client.CurrentSnapshot()
	if snap == nil {
		s.writeStatus(w, http.StatusNotFound, errorResponse{
			Error: "no election state loaded yet",
			Code:  "no_snapshot",
		})
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"snapshot":    snap,
		"total_votes": snap.TotalVotes(),
		"remaining":   snap.RemainingAt(time.Now()),
	})
}

// handleRefresh reloads the election state for the current session
func (s *APIServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.client.Refresh(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"snapshot": snap})
}

// handleGetSession returns the current wallet session
func (s *APIServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"session":   s.client.Session(),
		"in_flight": s.client.InFlight(),
	})
}

// handleConnect opens a wallet session and loads the election state
func (s *APIServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	session, err := s.client.Connect(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"session":  session,
		"snapshot": s.client.CurrentSnapshot(),
	})
}

// handleVote submits a vote for the requested candidate
func (s *APIServer) handleVote(w http.ResponseWriter, r *http.Request) {
	index, ok := s.readIndex(w, r)
	if !ok {
		return
	}

	snap, err := s.client.SubmitVote(r.Context(), index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"snapshot": snap})
}

// handleGetSelection returns the pending candidate choice
func (s *APIServer) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	index, ok := s.client.Selection()
	if !ok {
		s.writeJSON(w, map[string]interface{}{"selected": false})
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"selected":        true,
		"candidate_index": index,
	})
}

// handleSelect records a pending candidate choice
func (s *APIServer) handleSelect(w http.ResponseWriter, r *http.Request) {
	index, ok := s.readIndex(w, r)
	if !ok {
		return
	}
	if err := s.client.Select(index); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"selected":        true,
		"candidate_index": index,
	})
}

// handleClearSelection discards the pending candidate choice
func (s *APIServer) handleClearSelection(w http.ResponseWriter, r *http.Request) {
	s.client.ClearSelection()
	w.WriteHeader(http.StatusNoContent)
}

// handleCastSelection submits the pending candidate choice
func (s *APIServer) handleCastSelection(w http.ResponseWriter, r *http.Request) {
	snap, err := s.client.CastSelected(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"snapshot": snap})
}

// handleHealthCheck returns service health status
func (s *APIServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.writeStatus(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	stats := map[string]interface{}{
		"connected": s.client.Session().Connected,
	}
	if snap := s.client.CurrentSnapshot(); snap != nil {
		stats["snapshot_version"] = snap.Version
		stats["snapshot_age_seconds"] = time.Since(snap.ReadAt).Seconds()
		stats["phase"] = snap.Phase
	}

	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"stats":     stats,
		"timestamp": time.Now().Unix(),
	})
}

// readIndex decodes the candidate index of a vote or selection request
func (s *APIServer) readIndex(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CandidateIndex == nil {
		s.writeStatus(w, http.StatusBadRequest, errorResponse{
			Error: "body must be {\"candidate_index\": <number>}",
			Code:  "bad_request",
		})
		return 0, false
	}
	return *req.CandidateIndex, true
}

// writeError maps client errors to HTTP statuses
func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	resp := errorResponse{Error: err.Error(), Code: code}

	var rejected *election.RejectedError
	if errors.As(err, &rejected) {
		resp.TxHash = rejected.TxHash
	}

	if status >= http.StatusInternalServerError {
		log.WithError(err).Warn("API request failed")
	}
	s.writeStatus(w, status, resp)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, election.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "provider_unavailable"
	case errors.Is(err, election.ErrNotConnected):
		return http.StatusUnauthorized, "not_connected"
	case errors.Is(err, election.ErrSubmissionInProgress):
		return http.StatusConflict, "submission_in_progress"
	case errors.Is(err, election.ErrIneligibleVote):
		return http.StatusUnprocessableEntity, "ineligible"
	case errors.Is(err, election.ErrSubmissionRejected):
		if errors.Is(err, election.ErrUserRejected) {
			return http.StatusForbidden, "user_rejected"
		}
		return http.StatusConflict, "rejected"
	case errors.Is(err, election.ErrUserRejected):
		return http.StatusForbidden, "user_rejected"
	case errors.Is(err, election.ErrSessionChanged):
		return http.StatusConflict, "session_changed"
	case errors.Is(err, election.ErrSyncFailed):
		return http.StatusBadGateway, "sync_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *APIServer) writeStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeJSON writes JSON response
func (s *APIServer) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
