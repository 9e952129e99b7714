// Package monitor provides the status webhook monitoring service implementation.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/config"
	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/ferrostat/go-panelwatch/internal/metrics"
)

// NoopClient is a no-operation implementation of the MonitoringService interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation monitor client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ *domain.AggregatedStatus) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client implements the MonitoringService interface for a status webhook.
// Aggregated status snapshots are posted as JSON to the configured URL.
type Client struct {
	config       *config.Config
	httpClient   *http.Client
	mutex        sync.Mutex
	lastUpdate   time.Time
	lastSeverity domain.Severity
}

// NewClient creates a new webhook monitor client.
func NewClient(cfg *config.Config) *Client {
	timeout := cfg.Monitor.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Connect establishes a connection to the service.
// For the webhook, this is a no-op as each request is independent.
func (c *Client) Connect() error {
	// No connection needed for a webhook
	return nil
}

// Send posts an aggregated status snapshot to the webhook.
func (c *Client) Send(ctx context.Context, status *domain.AggregatedStatus) error {
	// If the monitor is disabled, do nothing
	if !c.config.Monitor.Enabled {
		return nil
	}

	// Check required configuration
	if c.config.Monitor.URL == "" {
		return fmt.Errorf("monitor URL not configured")
	}

	// Apply rate limiting
	if !c.canUpdate(status.Severity) {
		return nil // Skip update due to rate limiting
	}

	if err := c.makeRequest(ctx, status); err != nil {
		metrics.MonitorErrors.Inc()
		return err
	}

	metrics.MonitorUploads.Inc()
	c.updateTimestamp(status.Severity)
	return nil
}

// makeRequest makes an HTTP POST request to the webhook URL.
func (c *Client) makeRequest(ctx context.Context, status *domain.AggregatedStatus) error {
	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.config.Monitor.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create monitor request: %w", err)
	}

	req.Header.Add("Content-Type", "application/json")
	if c.config.Monitor.AuthToken != "" {
		req.Header.Add("Authorization", "Bearer "+c.config.Monitor.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("monitor request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Closing response body in defer, error not critical
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("monitor returned status code %d", resp.StatusCode)
	}

	return nil
}

// Close terminates the connection to the service.
func (c *Client) Close() error {
	// No resources to clean up for HTTP client
	return nil
}

// canUpdate checks if an update is allowed based on rate limiting.
// Escalations to a higher severity always pass the limit.
func (c *Client) canUpdate(severity domain.Severity) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.lastUpdate.IsZero() {
		return true
	}
	if severity > c.lastSeverity {
		return true
	}

	// Check if enough time has passed since the last update
	return time.Since(c.lastUpdate) >= c.config.Monitor.UpdateLimit
}

// updateTimestamp records when an update was made and at what severity.
func (c *Client) updateTimestamp(severity domain.Severity) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastUpdate = time.Now()
	c.lastSeverity = severity
}
