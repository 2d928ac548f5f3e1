// Package export ships execution events to an external webhook in batches
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/zap-quote-engine/internal/execute"
)

// ExporterConfig holds configuration for event exporting
type ExporterConfig struct {
	Enabled        bool          `json:"enabled"`
	BatchSize      int           `json:"batch_size"`
	ExportInterval time.Duration `json:"export_interval"`

	WebhookURL    string `json:"webhook_url"`
	WebhookAPIKey string `json:"webhook_api_key,omitempty"`

	RetryMax     int           `json:"retry_max"`
	RetryWaitMin time.Duration `json:"retry_wait_min"`
	RetryWaitMax time.Duration `json:"retry_wait_max"`
}

// EventExporter buffers execution events and posts them when the batch fills or the
// interval elapses, whichever comes first
type EventExporter struct {
	config     ExporterConfig
	httpClient *retryablehttp.Client

	mutex      sync.RWMutex
	batch      []execute.Event
	lastExport time.Time
	exported   int
	failed     int

	exportCtx    context.Context
	exportCancel context.CancelFunc
	wg           sync.WaitGroup
}

type payload struct {
	Events     []execute.Event `json:"events"`
	ExportTime string          `json:"export_time"`
	Count      int             `json:"count"`
}

// NewEventExporter creates an exporter. A disabled exporter accepts and drops events.
func NewEventExporter(config ExporterConfig) (*EventExporter, error) {
	if !config.Enabled {
		return &EventExporter{config: config}, nil
	}
	if config.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL not configured")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.ExportInterval <= 0 {
		config.ExportInterval = time.Minute
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.HTTPClient.Timeout = 10 * time.Second
	if config.RetryMax > 0 {
		client.RetryMax = config.RetryMax
	}
	if config.RetryWaitMin > 0 {
		client.RetryWaitMin = config.RetryWaitMin
	}
	if config.RetryWaitMax > 0 {
		client.RetryWaitMax = config.RetryWaitMax
	}

	e := &EventExporter{
		config:     config,
		httpClient: client,
		batch:      make([]execute.Event, 0, config.BatchSize),
	}
	e.exportCtx, e.exportCancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.periodicExport()

	logrus.WithField("url", config.WebhookURL).Info("Execution event exporter initialized")
	return e, nil
}

// Add queues events for export
func (e *EventExporter) Add(events ...execute.Event) {
	if !e.config.Enabled || len(events) == 0 {
		return
	}

	e.mutex.Lock()
	e.batch = append(e.batch, events...)
	full := len(e.batch) >= e.config.BatchSize
	e.mutex.Unlock()

	if full {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.flush(e.exportCtx)
		}()
	}
}

// Tee forwards every event from in to the returned channel and queues a copy for export
func (e *EventExporter) Tee(in <-chan execute.Event) <-chan execute.Event {
	out := make(chan execute.Event, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			e.Add(ev)
			out <- ev
		}
	}()
	return out
}

func (e *EventExporter) periodicExport() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.ExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.flush(e.exportCtx)
		case <-e.exportCtx.Done():
			return
		}
	}
}

// flush posts the current batch. A failed batch is dropped after the client's retries.
func (e *EventExporter) flush(ctx context.Context) {
	e.mutex.Lock()
	if len(e.batch) == 0 {
		e.mutex.Unlock()
		return
	}
	events := e.batch
	e.batch = make([]execute.Event, 0, e.config.BatchSize)
	e.lastExport = time.Now()
	e.mutex.Unlock()

	err := e.post(ctx, events)

	e.mutex.Lock()
	if err != nil {
		e.failed += len(events)
	} else {
		e.exported += len(events)
	}
	e.mutex.Unlock()

	if err != nil {
		logrus.WithError(err).WithField("events", len(events)).Error("Failed to export execution events")
		return
	}
	logrus.Debugf("Exported %d execution events", len(events))
}

func (e *EventExporter) post(ctx context.Context, events []execute.Event) error {
	body, err := json.Marshal(payload{
		Events:     events,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(events),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.WebhookAPIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Stop ends periodic export and flushes what is left
func (e *EventExporter) Stop() {
	if e.exportCancel == nil {
		return
	}
	e.exportCancel()
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.flush(ctx)
}

// Status summarises the exporter for the status endpoint
func (e *EventExporter) Status() map[string]interface{} {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	status := map[string]interface{}{
		"enabled":         e.config.Enabled,
		"batch_size":      e.config.BatchSize,
		"export_interval": e.config.ExportInterval.String(),
		"current_batch":   len(e.batch),
		"exported":        e.exported,
		"failed":          e.failed,
	}
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.Format(time.RFC3339)
	}
	return status
}
