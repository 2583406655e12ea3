package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsgate/pkg/config"
	"dnsgate/pkg/logging"
)

func TestNew(t *testing.T) {
	logger := logging.NewDefault()

	tests := []struct {
		cfg  *config.TelemetryConfig
		name string
	}{
		{
			name: "disabled telemetry",
			cfg:  &config.TelemetryConfig{Enabled: false},
		},
		{
			name: "sdk without prometheus",
			cfg: &config.TelemetryConfig{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name: "prometheus registry without listener",
			cfg: &config.TelemetryConfig{
				Enabled:           true,
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel, err := New(context.Background(), tt.cfg, logger)
			require.NoError(t, err)
			require.NotNil(t, tel)
			assert.NotNil(t, tel.MeterProvider())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			assert.NoError(t, tel.Shutdown(ctx))
		})
	}
}

func TestInitMetrics(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: false}, logging.NewDefault())
	require.NoError(t, err)

	m, err := tel.InitMetrics()
	require.NoError(t, err)

	assert.NotNil(t, m.QueriesTotal)
	assert.NotNil(t, m.QueriesBlocked)
	assert.NotNil(t, m.QueriesForwarded)
	assert.NotNil(t, m.QueriesExhausted)
	assert.NotNil(t, m.QueryDuration)
	assert.NotNil(t, m.UpstreamIssues)
	assert.NotNil(t, m.DecodeDrops)
	assert.NotNil(t, m.StaleReplies)
	assert.NotNil(t, m.PendingQueries)
	assert.NotNil(t, m.BlocklistSize)
	assert.NotNil(t, m.StorageQueriesDropped)

	// Must not panic on no-op instruments
	ctx := context.Background()
	m.QueriesTotal.Add(ctx, 1)
	m.AddDroppedQuery(ctx, 3)
}

func TestNilMetricsAddDroppedQuery(t *testing.T) {
	var m *Metrics
	m.AddDroppedQuery(context.Background(), 1)
}

func TestPrometheusHandlerExposesCounters(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{
		Enabled:           true,
		ServiceName:       "dnsgate-test",
		ServiceVersion:    "test",
		PrometheusEnabled: true,
	}, logging.NewDefault())
	require.NoError(t, err)
	defer func() { _ = tel.Shutdown(context.Background()) }()

	m, err := tel.InitMetrics()
	require.NoError(t, err)
	m.QueriesBlocked.Add(context.Background(), 2)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "dns_queries_blocked"), "exposition should include the blocked counter")
}

func TestHandlerDisabled(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: false}, logging.NewDefault())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
