// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testObserver(t *testing.T) (*Observer, *sdkmetric.ManualReader) {
	t.Helper()
	mr := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(mr)).Meter("test")
	return NewObserver(meter), mr
}

func collect(t *testing.T, mr *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, mr.Collect(t.Context(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestRecordTokenUsage(t *testing.T) {
	o, mr := testObserver(t)
	o.RecordTokenUsage(t.Context(), "openai", "gpt-4o-mini", 7, 3, 10)

	m, ok := findMetric(collect(t, mr), genaiMetricClientTokenUsage)
	require.True(t, ok)
	hist := m.Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 3)

	sums := map[string]float64{}
	for _, dp := range hist.DataPoints {
		tokenType, _ := dp.Attributes.Value(attribute.Key(genaiAttributeTokenType))
		sums[tokenType.AsString()] = dp.Sum
		model, _ := dp.Attributes.Value(attribute.Key(genaiAttributeRequestModel))
		require.Equal(t, "gpt-4o-mini", model.AsString())
	}
	require.Equal(t, map[string]float64{"input": 7, "output": 3, "total": 10}, sums)
}

func TestRecordRequestCompletion(t *testing.T) {
	o, mr := testObserver(t)
	o.RecordRequestCompletion(t.Context(), "anthropic", "claude-sonnet-4", true, 320*time.Millisecond, nil)
	errType := "502"
	o.RecordRequestCompletion(t.Context(), "anthropic", "claude-sonnet-4", false, 10*time.Millisecond, &errType)

	m, ok := findMetric(collect(t, mr), genaiMetricServerRequestDuration)
	require.True(t, ok)
	hist := m.Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 2)
	var sawError bool
	for _, dp := range hist.DataPoints {
		if v, found := dp.Attributes.Value(attribute.Key(genaiAttributeErrorType)); found {
			sawError = true
			require.Equal(t, "502", v.AsString())
		}
	}
	require.True(t, sawError)
}

func TestRecordRequestCompletionUnknownError(t *testing.T) {
	o, mr := testObserver(t)
	empty := ""
	o.RecordRequestCompletion(t.Context(), "", "", false, time.Millisecond, &empty)

	m, ok := findMetric(collect(t, mr), genaiMetricServerRequestDuration)
	require.True(t, ok)
	hist := m.Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	v, found := hist.DataPoints[0].Attributes.Value(attribute.Key(genaiAttributeErrorType))
	require.True(t, found)
	require.Equal(t, genaiErrorTypeFallback, v.AsString())
	model, _ := hist.DataPoints[0].Attributes.Value(attribute.Key(genaiAttributeRequestModel))
	require.Equal(t, unknown, model.AsString())
}

func TestRecordTimeToFirstToken(t *testing.T) {
	o, mr := testObserver(t)
	o.RecordTimeToFirstToken(t.Context(), "openrouter", "gpt-4o", 120*time.Millisecond)

	m, ok := findMetric(collect(t, mr), genaiMetricServerTimeToFirstToken)
	require.True(t, ok)
	hist := m.Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	require.InDelta(t, 0.12, hist.DataPoints[0].Sum, 1e-9)
}

func TestRecordProxyRequest(t *testing.T) {
	o, mr := testObserver(t)
	o.RecordProxyRequest(t.Context(), "default", 200)
	o.RecordProxyRequest(t.Context(), "default", 200)
	o.RecordProxyRequest(t.Context(), "config_rule", 502)

	m, ok := findMetric(collect(t, mr), metricProxyRequests)
	require.True(t, ok)
	sum := m.Data.(metricdata.Sum[float64])
	require.Len(t, sum.DataPoints, 2)
}

func TestNewMeterProviderRegistersOnPrometheus(t *testing.T) {
	registry := prometheus.NewRegistry()
	provider, shutdown, err := NewMeterProvider(registry)
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(t.Context())) }()

	o := NewObserver(provider.Meter("test"))
	o.RecordProxyRequest(t.Context(), "default", 200)

	// The exporter keeps the dotted instrument name and appends the counter
	// suffix when building the prometheus family.
	families, err := registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "aiscope.proxy.requests_total" {
			found = true
		}
	}
	require.True(t, found)
}
