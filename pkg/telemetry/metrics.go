package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/flekschas/mcp-web"

// Bridge instrument names. The Prometheus exporter appends _total to the
// counters and _seconds to the duration histogram, so scrapes see
// webmcp_tool_calls_total, webmcp_tool_call_duration_seconds, and
// webmcp_notifications_sent_total.
const (
	metricSessionsActive    = "webmcp_sessions_active"
	metricMCPSessionsActive = "webmcp_mcp_sessions_active"
	metricQueriesActive     = "webmcp_queries_active"
	metricToolCalls         = "webmcp_tool_calls"
	metricToolCallDuration  = "webmcp_tool_call_duration"
	metricNotifications     = "webmcp_notifications_sent"
)

// Metrics holds the bridge's instruments. A nil *Metrics is valid and
// records nothing, so call sites never need to know whether telemetry is
// configured.
type Metrics struct {
	meter            metric.Meter
	toolCalls        metric.Int64Counter
	toolCallDuration metric.Float64Histogram
	notifications    metric.Int64Counter
}

// NewMetrics creates the bridge instruments on the provider's meter.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	toolCalls, err := meter.Int64Counter(
		metricToolCalls,
		metric.WithDescription("Total MCP tool calls, by tool and outcome"),
	)
	if err != nil {
		return nil, err
	}

	toolCallDuration, err := meter.Float64Histogram(
		metricToolCallDuration,
		metric.WithDescription("Tool call round-trip duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	notifications, err := meter.Int64Counter(
		metricNotifications,
		metric.WithDescription("Notifications pushed to MCP clients over SSE, by method"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:            meter,
		toolCalls:        toolCalls,
		toolCallDuration: toolCallDuration,
		notifications:    notifications,
	}, nil
}

// RegisterActivityGauges observes the live frontend session, MCP session,
// and in-flight query counts through the given callbacks. Call once after
// the bridge is assembled.
func (m *Metrics) RegisterActivityGauges(sessions, mcpSessions, queries func() int) error {
	if m == nil {
		return nil
	}

	gauges := []struct {
		name        string
		description string
		count       func() int
	}{
		{metricSessionsActive, "Connected frontend sessions", sessions},
		{metricMCPSessionsActive, "Live MCP client sessions", mcpSessions},
		{metricQueriesActive, "In-flight agent queries", queries},
	}

	var errs []error
	for _, g := range gauges {
		count := g.count
		_, err := m.meter.Int64ObservableUpDownCounter(
			g.name,
			metric.WithDescription(g.description),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(count()))
				return nil
			}),
		)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RecordToolCall records one tools/call round trip.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolCallDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordNotification records one notification delivered on an SSE stream.
func (m *Metrics) RecordNotification(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}
