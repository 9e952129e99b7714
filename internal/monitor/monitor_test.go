package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/config"
	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normalStatus() *domain.AggregatedStatus {
	return &domain.AggregatedStatus{
		Label:       domain.LabelSystemNormal,
		Severity:    domain.SeverityNormal,
		Color:       "green",
		GeneratedAt: time.Now(),
	}
}

func alarmStatus() *domain.AggregatedStatus {
	return &domain.AggregatedStatus{
		Label:       domain.LabelAlarm,
		Severity:    domain.SeverityCritical,
		Color:       "red",
		AlarmZones:  2,
		ActiveBells: 1,
		GeneratedAt: time.Now(),
	}
}

func TestNewNoopClient(t *testing.T) {
	client := NewNoopClient()
	assert.NotNil(t, client)
}

func TestNoopClient_Send(t *testing.T) {
	client := NewNoopClient()
	err := client.Send(context.Background(), alarmStatus())
	assert.NoError(t, err)
}

func TestNoopClient_Connect(t *testing.T) {
	client := NewNoopClient()
	err := client.Connect()
	assert.NoError(t, err)
}

func TestNoopClient_Close(t *testing.T) {
	client := NewNoopClient()
	err := client.Close()
	assert.NoError(t, err)
}

func TestNewClient(t *testing.T) {
	cfg := &config.Config{}
	cfg.Monitor.Enabled = true
	cfg.Monitor.URL = "http://example.test/status"
	cfg.Monitor.Timeout = 3 * time.Second

	client := NewClient(cfg)
	assert.NotNil(t, client)
	assert.Equal(t, cfg, client.config)
	assert.Equal(t, 3*time.Second, client.httpClient.Timeout)
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	client := NewClient(&config.Config{})
	assert.Equal(t, 10*time.Second, client.httpClient.Timeout)
}

func TestClient_Connect(t *testing.T) {
	client := NewClient(&config.Config{})
	err := client.Connect()
	assert.NoError(t, err)
}

func TestClient_Close(t *testing.T) {
	client := NewClient(&config.Config{})
	err := client.Close()
	assert.NoError(t, err)
}

func TestClient_Send_Disabled(t *testing.T) {
	cfg := &config.Config{}
	cfg.Monitor.Enabled = false

	client := NewClient(cfg)

	// Should not error when disabled, just return early
	err := client.Send(context.Background(), alarmStatus())
	assert.NoError(t, err)
}

func TestClient_Send_MissingURL(t *testing.T) {
	cfg := &config.Config{}
	cfg.Monitor.Enabled = true

	client := NewClient(cfg)

	err := client.Send(context.Background(), alarmStatus())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "monitor URL not configured")
}

func TestClient_Send_Successful(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body map[string]interface{}
		err := json.NewDecoder(r.Body).Decode(&body)
		require.NoError(t, err)
		assert.Equal(t, "ALARM", body["label"])
		assert.Equal(t, "critical", body["severity"])
		assert.Equal(t, float64(2), body["alarm_zones"])

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := &config.Config{}
	cfg.Monitor.Enabled = true
	cfg.Monitor.URL = server.URL
	cfg.Monitor.AuthToken = "test-token"
	cfg.Monitor.UpdateLimit = 5 * time.Minute

	client := NewClient(cfg)

	err := client.Send(context.Background(), alarmStatus())
	assert.NoError(t, err)
	assert.False(t, client.lastUpdate.IsZero())
	assert.Equal(t, domain.SeverityCritical, client.lastSeverity)
}

func TestClient_Send_NoAuthHeaderWithoutToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := &config.Config{}
	cfg.Monitor.Enabled = true
	cfg.Monitor.URL = server.URL

	client := NewClient(cfg)

	err := client.Send(context.Background(), normalStatus())
	assert.NoError(t, err)
}

func TestClient_Send_RateLimited(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := &config.Config{}
	cfg.Monitor.Enabled = true
	cfg.Monitor.URL = server.URL
	cfg.Monitor.UpdateLimit = 5 * time.Minute

	client := NewClient(cfg)
	ctx := context.Background()

	err := client.Send(ctx, normalStatus())
	require.NoError(t, err)

	// Second call immediately should be rate limited and skipped
	err = client.Send(ctx, normalStatus())
	assert.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&requests))
}

func TestClient_Send_EscalationBypassesRateLimit(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := &config.Config{}
	cfg.Monitor.Enabled = true
	cfg.Monitor.URL = server.URL
	cfg.Monitor.UpdateLimit = 5 * time.Minute

	client := NewClient(cfg)
	ctx := context.Background()

	err := client.Send(ctx, normalStatus())
	require.NoError(t, err)

	// An alarm must go out even inside the rate limit window
	err = client.Send(ctx, alarmStatus())
	assert.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&requests))

	// A repeat at the same severity is limited again
	err = client.Send(ctx, alarmStatus())
	assert.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&requests))
}

func TestClient_Send_HTTPError(t *testing.T) {
	var status int64 = http.StatusInternalServerError
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt64(&status)))
	}))
	defer server.Close()

	cfg := &config.Config{}
	cfg.Monitor.Enabled = true
	cfg.Monitor.URL = server.URL
	cfg.Monitor.UpdateLimit = 5 * time.Minute

	client := NewClient(cfg)
	ctx := context.Background()

	err := client.Send(ctx, normalStatus())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "returned status code 500")

	// A failed upload must not consume the rate limit window
	atomic.StoreInt64(&status, http.StatusOK)
	err = client.Send(ctx, normalStatus())
	assert.NoError(t, err)
}

func TestClient_Send_UnreachableURL(t *testing.T) {
	cfg := &config.Config{}
	cfg.Monitor.Enabled = true
	cfg.Monitor.URL = "http://127.0.0.1:1/status"
	cfg.Monitor.Timeout = time.Second

	client := NewClient(cfg)

	err := client.Send(context.Background(), normalStatus())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "monitor request failed")
}

func TestClient_CanUpdate_FirstTime(t *testing.T) {
	cfg := &config.Config{}
	cfg.Monitor.UpdateLimit = 5 * time.Minute

	client := NewClient(cfg)

	// First update should be allowed
	assert.True(t, client.canUpdate(domain.SeverityNormal))
}

func TestClient_CanUpdate_RateLimit(t *testing.T) {
	cfg := &config.Config{}
	cfg.Monitor.UpdateLimit = time.Minute

	client := NewClient(cfg)

	assert.True(t, client.canUpdate(domain.SeverityNormal))

	client.updateTimestamp(domain.SeverityNormal)

	// Immediate second update should be blocked
	assert.False(t, client.canUpdate(domain.SeverityNormal))

	// Mock time passage by manually setting past timestamp
	client.mutex.Lock()
	client.lastUpdate = time.Now().Add(-2 * time.Minute)
	client.mutex.Unlock()

	// Should now be allowed after time passage
	assert.True(t, client.canUpdate(domain.SeverityNormal))
}

func TestClient_CanUpdate_SeverityDropWaits(t *testing.T) {
	cfg := &config.Config{}
	cfg.Monitor.UpdateLimit = time.Minute

	client := NewClient(cfg)
	client.updateTimestamp(domain.SeverityCritical)

	// Returning to normal is not urgent; it waits out the window
	assert.False(t, client.canUpdate(domain.SeverityNormal))
	assert.False(t, client.canUpdate(domain.SeverityCritical))
}
