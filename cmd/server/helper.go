package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/zap-quote-engine/internal/engine"
	"github.com/yourorg/zap-quote-engine/internal/execute"
	"github.com/yourorg/zap-quote-engine/internal/model"
	"github.com/yourorg/zap-quote-engine/internal/security"
)

// Helper functions for JSON responses and error mapping

// errorBody is the JSON shape of every error response
type errorBody struct {
	StatusCode int               `json:"statusCode"`
	Status     string            `json:"status"`
	Error      string            `json:"error"`
	Failures   map[string]string `json:"failures,omitempty"`
}

// writeJSON encodes v with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to write response")
	}
}

// errorResponse returns a formatted error response
func errorResponse(w http.ResponseWriter, status int, msg string, failures map[string]string) {
	logrus.WithField("status", status).Debug(msg)
	writeJSON(w, status, errorBody{
		StatusCode: status,
		Status:     "error",
		Error:      msg,
		Failures:   failures,
	})
}

// statusFor picks the HTTP status for an engine error
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownVault), errors.Is(err, engine.ErrUnknownStrategy):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNoRoute):
		return http.StatusUnprocessableEntity
	case errors.Is(err, security.ErrUnsigned), errors.Is(err, security.ErrBadSignature):
		return http.StatusForbidden
	case errors.Is(err, security.ErrSignatureExpired), errors.Is(err, model.ErrQuoteChanged):
		return http.StatusConflict
	case errors.Is(err, execute.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, engine.ErrExecutionDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
