package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/zap-quote-engine/internal/circuitbreaker"
	"github.com/yourorg/zap-quote-engine/internal/config"
	"github.com/yourorg/zap-quote-engine/internal/execute"
	"github.com/yourorg/zap-quote-engine/internal/fetch"
	"github.com/yourorg/zap-quote-engine/internal/model"
	"github.com/yourorg/zap-quote-engine/internal/security"
)

// QuoteService is the part of the engine the HTTP layer calls
type QuoteService interface {
	GetSignedQuote(ctx context.Context, req model.QuoteRequest) (*security.SignedQuote, error)
	ExecuteSigned(ctx context.Context, sq *security.SignedQuote) (<-chan execute.Event, error)
}

// HeadSource reads chain heads for the status endpoint
type HeadSource interface {
	Heads(ctx context.Context, perChain time.Duration) []fetch.ChainHead
}

// Exporter is the event exporter as seen by the server
type Exporter interface {
	Status() map[string]interface{}
	Stop()
}

// Server represents the HTTP server instance
type Server struct {
	config config.Config

	service  QuoteService
	breakers *circuitbreaker.Set
	heads    HeadSource
	exporter Exporter

	rateLimit *rate.Limiter
	server    *http.Server
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", s.limited(s.handleQuote))     // Quote a deposit or withdrawal
	mux.HandleFunc("/execute", s.limited(s.handleExecute)) // Execute a signed quote, NDJSON events
	mux.HandleFunc("/health", s.handleHealth)              // Health check endpoint
	mux.Handle("/metrics", promhttp.Handler())             // Prometheus metrics endpoint
	mux.HandleFunc("/status", s.handleStatus)              // Service status endpoint
	mux.HandleFunc("/circuit", s.handleCircuit)            // Strategy circuit breaker status/control
	return mux
}

// limited applies the API rate limit
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimit != nil && !s.rateLimit.Allow() {
			errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next(w, r)
	}
}

// handleQuote returns the best signed quote for a QuoteRequest body
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "use POST", nil)
		return
	}

	var req model.QuoteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return
	}

	start := time.Now()
	signed, err := s.service.GetSignedQuote(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"vault":    req.VaultID,
		"strategy": signed.Quote.StrategyID,
		"took":     time.Since(start),
	}).Info("Quote served")
	writeJSON(w, http.StatusOK, signed)
}

// handleExecute runs a signed quote and streams one JSON event per line until the
// execution reaches a terminal state. Disconnecting stops execution before the next step.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "use POST", nil)
		return
	}

	var signed security.SignedQuote
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&signed); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return
	}
	if signed.Quote == nil {
		errorResponse(w, http.StatusBadRequest, "quote missing", nil)
		return
	}

	events, err := s.service.ExecuteSigned(r.Context(), &signed)
	if err != nil {
		writeError(w, err)
		return
	}

	// executions outlive the server's write timeout
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			logrus.WithError(err).WithField("quote", signed.Quote.ID).Debug("Event stream closed by client")
			break
		}
		_ = rc.Flush()
	}
	// keep consuming so the producer can finish
	for range events {
	}
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": version,
		"configuration": map[string]interface{}{
			"strategy_timeout":   s.config.StrategyTimeout.String(),
			"quote_deadline":     s.config.QuoteDeadline.String(),
			"stale_after_blocks": s.config.StaleAfterBlocks,
			"stale_after":        s.config.StaleAfter.String(),
		},
	}
	if s.heads != nil {
		status["chains"] = s.heads.Heads(r.Context(), 3*time.Second)
	}
	if s.breakers != nil {
		status["circuits"] = s.breakers.Snapshot()
	}
	if s.exporter != nil {
		status["exporter"] = s.exporter.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCircuit lists strategy breakers; POST ?strategy=<id>&action=reset closes one
func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		errorResponse(w, http.StatusServiceUnavailable, "circuit breaker not enabled", nil)
		return
	}

	response := map[string]interface{}{}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		strategyID := r.URL.Query().Get("strategy")
		if r.URL.Query().Get("action") != "reset" || strategyID == "" {
			errorResponse(w, http.StatusBadRequest, "expected ?strategy=<id>&action=reset", nil)
			return
		}
		if !s.breakers.Reset(strategyID) {
			errorResponse(w, http.StatusNotFound, "no breaker for strategy "+strategyID, nil)
			return
		}
		logrus.WithField("strategy", strategyID).Info("Circuit breaker reset")
		response["message"] = "Circuit breaker reset"
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "use GET or POST", nil)
		return
	}

	response["circuits"] = s.breakers.Snapshot()
	writeJSON(w, http.StatusOK, response)
}

// writeError maps engine errors to HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	var details map[string]string
	var noRoute *model.NoRouteError
	if errors.As(err, &noRoute) && len(noRoute.Failures) > 0 {
		details = make(map[string]string, len(noRoute.Failures))
		for id, failure := range noRoute.Failures {
			details[id] = failure.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).Error("Request failed")
	}
	errorResponse(w, status, err.Error(), details)
}
