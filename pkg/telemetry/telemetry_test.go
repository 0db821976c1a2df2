package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	require.NotNil(t, p.PrometheusHandler())

	rec := httptest.NewRecorder()
	p.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNewProviderDisabled(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(context.Background(), Config{ServiceName: "webmcp"})
	require.NoError(t, err)

	assert.Nil(t, p.PrometheusHandler())
	assert.NotNil(t, p.MeterProvider())
	assert.NotNil(t, p.TracerProvider())

	// No-op instruments must still be usable.
	m, err := NewMetrics(p.MeterProvider())
	require.NoError(t, err)
	m.RecordNotification(context.Background(), "notifications/tools/list_changed")

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderPrometheus(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(context.Background(), Config{
		ServiceName:       "webmcp",
		ServiceVersion:    "1.2.3",
		PrometheusEnabled: true,
	})
	require.NoError(t, err)
	defer func() { assert.NoError(t, p.Shutdown(context.Background())) }()

	body := scrape(t, p)
	assert.Contains(t, body, "# HELP")
	assert.NotContains(t, body, "go_goroutines")
}

func TestNewProviderRuntimeMetrics(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(context.Background(), Config{
		ServiceName:       "webmcp",
		PrometheusEnabled: true,
		RuntimeMetrics:    true,
	})
	require.NoError(t, err)
	defer func() { assert.NoError(t, p.Shutdown(context.Background())) }()

	body := scrape(t, p)
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, "process_")
}
