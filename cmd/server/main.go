// Package main is the entry point for the zap quote engine: an HTTP service that quotes
// deposits into and withdrawals from yield vaults and executes the chosen route.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/zap-quote-engine/internal/aggregate"
	"github.com/yourorg/zap-quote-engine/internal/circuitbreaker"
	"github.com/yourorg/zap-quote-engine/internal/config"
	"github.com/yourorg/zap-quote-engine/internal/engine"
	"github.com/yourorg/zap-quote-engine/internal/execute"
	"github.com/yourorg/zap-quote-engine/internal/export"
	"github.com/yourorg/zap-quote-engine/internal/fetch"
	"github.com/yourorg/zap-quote-engine/internal/metrics"
	"github.com/yourorg/zap-quote-engine/internal/model"
	"github.com/yourorg/zap-quote-engine/internal/otel"
	"github.com/yourorg/zap-quote-engine/internal/security"
	"github.com/yourorg/zap-quote-engine/internal/strategy"
	"github.com/yourorg/zap-quote-engine/internal/types"
	"github.com/yourorg/zap-quote-engine/internal/validation"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

const version = "1.0.0"

// main is the entry point for the application
func main() {
	setupLogging()

	cfg := config.Load()
	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	server, err := NewServer(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialise server: %v", err)
	}
	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// NewServer wires the engine from configuration: zap store, chain readers, strategies,
// aggregator, executor, quote signer and event exporter
func NewServer(cfg config.Config) (*Server, error) {
	m := metrics.New(prometheus.DefaultRegisterer)

	store, err := config.LoadZapStore(cfg.ZapConfigPath, cfg.VaultConfigPath)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"chains": store.Chains(),
		"vaults": len(store.Vaults()),
	}).Info("Zap configuration loaded")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reader, err := fetch.DialMultiChainReader(ctx, types.ChainConfigs(cfg.RPCEndpoints, cfg.RPCRateLimit, cfg.RPCBurst), cfg.ReserveCacheTTL, m)
	if err != nil {
		return nil, err
	}

	registry, err := strategy.Build(store, strategy.Env{Reader: reader, TxDeadline: cfg.QuoteDeadline})
	if err != nil {
		return nil, err
	}

	breakers := circuitbreaker.NewSet(func(strategyID string) *circuitbreaker.CircuitBreaker {
		return circuitbreaker.New(circuitbreaker.Thresholds{MaxFailures: cfg.BreakerFailures}).
			WithResetDelay(cfg.CircuitResetDelay).
			WithTripCallback(func(reason string, lastErr error) {
				logrus.WithField("strategy", strategyID).WithError(lastErr).Warnf("Circuit opened: %s", reason)
			})
	})

	checks := validation.DefaultValidationOptions()
	if cfg.StaleAfter > 0 {
		checks.MaxAge = cfg.StaleAfter
	}
	aggregator := aggregate.New(registry, aggregate.Options{
		StrategyTimeout: cfg.StrategyTimeout,
		Breakers:        breakers,
		Metrics:         m,
		Validation:      checks,
	})

	signer, err := security.NewQuoteSigner(cfg.QuoteSigningKey, security.SignerOptions{
		Validity: cfg.StaleAfter,
		Required: true,
	})
	if err != nil {
		return nil, err
	}

	exporter, err := export.NewEventExporter(export.ExporterConfig{
		Enabled:        cfg.WebhookURL != "",
		BatchSize:      cfg.ExportBatchSize,
		ExportInterval: cfg.ExportInterval,
		WebhookURL:     cfg.WebhookURL,
		WebhookAPIKey:  cfg.WebhookAPIKey,
	})
	if err != nil {
		return nil, err
	}

	opts := engine.Options{
		Vaults:     store,
		Strategies: registry,
		Quoter:     aggregator,
		Signer:     signer,
		Sink:       exporter,
	}
	if cfg.ExecutorKeyHex != "" {
		submitter, err := execute.DialEVMSubmitter(ctx, cfg.ExecutorKeyHex, cfg.RPCEndpoints)
		if err != nil {
			return nil, err
		}
		opts.Runner = execute.New(execute.Config{
			Blocks:         reader,
			Pricer:         strategy.HopPricer{Entries: store, Reader: reader},
			Submitter:      submitter,
			Balances:       reader,
			Metrics:        m,
			Staleness:      model.StalenessWindow{Blocks: cfg.StaleAfterBlocks, Duration: cfg.StaleAfter},
			ConfirmTimeout: cfg.ConfirmTimeout,
			ConfirmRetries: cfg.ConfirmRetries,
			ConfirmBackoff: cfg.ConfirmBackoff,
			ArrivalTimeout: cfg.ArrivalTimeout,
			ArrivalPoll:    cfg.ArrivalPoll,
		})
		logrus.Infof("Execution enabled for %s", submitter.Address().Hex())
	} else {
		logrus.Warn("EXECUTOR_PRIVATE_KEY not set, serving quotes only")
	}

	return &Server{
		config:    cfg,
		service:   engine.New(opts),
		breakers:  breakers,
		heads:     reader,
		exporter:  exporter,
		rateLimit: rate.NewLimiter(rate.Limit(cfg.APIRateLimit), cfg.APIBurst),
	}, nil
}

// Start begins the HTTP server and sets up graceful shutdown
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	if s.exporter != nil {
		s.exporter.Stop()
	}

	logrus.Info("Server stopped")
}
