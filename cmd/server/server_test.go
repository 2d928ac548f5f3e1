package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/yourorg/zap-quote-engine/internal/circuitbreaker"
	"github.com/yourorg/zap-quote-engine/internal/engine"
	"github.com/yourorg/zap-quote-engine/internal/execute"
	"github.com/yourorg/zap-quote-engine/internal/fetch"
	"github.com/yourorg/zap-quote-engine/internal/model"
	"github.com/yourorg/zap-quote-engine/internal/security"
)

// stubService returns canned results
type stubService struct {
	quote    *security.SignedQuote
	quoteErr error
	events   []execute.Event
	execErr  error
}

func (s *stubService) GetSignedQuote(_ context.Context, req model.QuoteRequest) (*security.SignedQuote, error) {
	if s.quoteErr != nil {
		return nil, s.quoteErr
	}
	return s.quote, nil
}

func (s *stubService) ExecuteSigned(_ context.Context, _ *security.SignedQuote) (<-chan execute.Event, error) {
	if s.execErr != nil {
		return nil, s.execErr
	}
	ch := make(chan execute.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type stubHeads struct{}

func (stubHeads) Heads(context.Context, time.Duration) []fetch.ChainHead {
	return []fetch.ChainHead{{ChainID: 56, Name: "bsc", Block: 1_000}}
}

type stubExporter struct{}

func (stubExporter) Status() map[string]interface{} { return map[string]interface{}{"enabled": false} }
func (stubExporter) Stop()                          {}

func newTestServer(svc QuoteService) *Server {
	return &Server{
		service: svc,
		breakers: circuitbreaker.NewSet(func(string) *circuitbreaker.CircuitBreaker {
			return circuitbreaker.New(circuitbreaker.Thresholds{MaxFailures: 1})
		}),
		heads:     stubHeads{},
		exporter:  stubExporter{},
		rateLimit: rate.NewLimiter(rate.Inf, 1),
	}
}

func quoteBody(t *testing.T) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(model.QuoteRequest{
		VaultID:        "cake-pool",
		Wallet:         common.HexToAddress("0x9999999999999999999999999999999999999999"),
		InputAmount:    uint256.NewInt(1_000),
		Direction:      model.DirectionDeposit,
		MaxSlippageBps: 50,
	})
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func signedBody(t *testing.T) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(security.SignedQuote{Quote: &model.Quote{ID: "q-1", StrategyID: "single-asset-zap/pancakeswap@56"}})
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func TestHandleQuote(t *testing.T) {
	svc := &stubService{quote: &security.SignedQuote{Quote: &model.Quote{ID: "q-1", StrategyID: "single-asset-zap/pancakeswap@56"}}}
	s := newTestServer(svc)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/quote", quoteBody(t)))

	require.Equal(t, http.StatusOK, rec.Code)
	var got security.SignedQuote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "q-1", got.Quote.ID)
}

func TestHandleQuoteErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		err    error
		status int
	}{
		{name: "wrong method", method: http.MethodGet, status: http.StatusMethodNotAllowed},
		{name: "malformed body", method: http.MethodPost, body: "{", status: http.StatusBadRequest},
		{name: "invalid request", method: http.MethodPost, err: fmt.Errorf("%w: zero amount", engine.ErrInvalidRequest), status: http.StatusBadRequest},
		{name: "unknown vault", method: http.MethodPost, err: fmt.Errorf("%w: missing", engine.ErrUnknownVault), status: http.StatusNotFound},
		{name: "no route", method: http.MethodPost, err: &model.NoRouteError{VaultID: "cake-pool"}, status: http.StatusUnprocessableEntity},
		{name: "timed out", method: http.MethodPost, err: context.DeadlineExceeded, status: http.StatusGatewayTimeout},
		{name: "unexpected", method: http.MethodPost, err: errors.New("boom"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&stubService{quoteErr: tt.err})
			var body *bytes.Reader
			if tt.body != "" {
				body = bytes.NewReader([]byte(tt.body))
			} else {
				body = quoteBody(t)
			}

			rec := httptest.NewRecorder()
			s.routes().ServeHTTP(rec, httptest.NewRequest(tt.method, "/quote", body))

			assert.Equal(t, tt.status, rec.Code)
			var got errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, "error", got.Status)
			assert.Equal(t, tt.status, got.StatusCode)
		})
	}
}

func TestHandleQuoteReportsStrategyFailures(t *testing.T) {
	s := newTestServer(&stubService{quoteErr: &model.NoRouteError{
		VaultID:  "cake-pool",
		Failures: map[string]error{"single-asset-zap/pancakeswap@56": model.ErrInsufficientLiquidity},
	}})

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/quote", quoteBody(t)))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var got errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Contains(t, got.Failures, "single-asset-zap/pancakeswap@56")
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(&stubService{quote: &security.SignedQuote{Quote: &model.Quote{ID: "q-1"}}})
	s.rateLimit = rate.NewLimiter(rate.Every(time.Hour), 1)

	first := httptest.NewRecorder()
	s.routes().ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/quote", quoteBody(t)))
	second := httptest.NewRecorder()
	s.routes().ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/quote", quoteBody(t)))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestHandleExecuteStreamsEvents(t *testing.T) {
	svc := &stubService{events: []execute.Event{
		{QuoteID: "q-1", StepIndex: -1, Status: execute.StatusValidating},
		{QuoteID: "q-1", StepIndex: 0, Status: execute.StatusExecuting},
		{QuoteID: "q-1", StepIndex: 0, Status: execute.StatusConfirmed},
		{QuoteID: "q-1", StepIndex: 1, Status: execute.StatusDone},
	}}
	s := newTestServer(svc)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/execute", signedBody(t)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var statuses []execute.Status
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var ev execute.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []execute.Status{
		execute.StatusValidating, execute.StatusExecuting, execute.StatusConfirmed, execute.StatusDone,
	}, statuses)
}

func TestHandleExecuteErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "missing quote", body: `{}`, status: http.StatusBadRequest},
		{name: "bad signature", err: security.ErrBadSignature, status: http.StatusForbidden},
		{name: "unsigned", err: security.ErrUnsigned, status: http.StatusForbidden},
		{name: "expired", err: security.ErrSignatureExpired, status: http.StatusConflict},
		{name: "quote changed", err: &model.QuoteChangedError{QuoteID: "q-1", Reason: "stale"}, status: http.StatusConflict},
		{name: "wallet busy", err: execute.ErrSessionBusy, status: http.StatusConflict},
		{name: "execution disabled", err: engine.ErrExecutionDisabled, status: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&stubService{execErr: tt.err})
			var body *bytes.Reader
			if tt.body != "" {
				body = bytes.NewReader([]byte(tt.body))
			} else {
				body = signedBody(t)
			}

			rec := httptest.NewRecorder()
			s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/execute", body))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(&stubService{})
	s.breakers.For("single-asset-zap/pancakeswap@56").Record(errors.New("rpc down"))

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"circuits"`)
	assert.Contains(t, body, `"open"`)
	assert.Contains(t, body, `"chains"`)
	assert.Contains(t, body, `"exporter"`)
}

func TestHandleCircuit(t *testing.T) {
	s := newTestServer(&stubService{})
	const id = "single-asset-zap/pancakeswap@56"
	s.breakers.For(id).Record(errors.New("rpc down"))
	require.Equal(t, circuitbreaker.StateOpen, s.breakers.For(id).GetState())

	t.Run("reset", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/circuit?action=reset&strategy="+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, circuitbreaker.StateClosed, s.breakers.For(id).GetState())
		assert.True(t, strings.Contains(rec.Body.String(), "Circuit breaker reset"))
	})

	t.Run("unknown strategy", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/circuit?action=reset&strategy=nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing action", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/circuit?strategy="+id, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(&stubService{})
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "OK", got["status"])
	assert.Equal(t, version, got["version"])
}
