// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics records proxy observations following the Semantic
// Conventions for Generative AI Metrics.
// See: https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-metrics/
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	genaiMetricClientTokenUsage       = "gen_ai.client.token.usage" // #nosec G101: Potential hardcoded credentials
	genaiMetricServerRequestDuration  = "gen_ai.server.request.duration"
	genaiMetricServerTimeToFirstToken = "gen_ai.server.time_to_first_token" // #nosec G101: Potential hardcoded credentials
	metricProxyRequests               = "aiscope.proxy.requests"

	genaiAttributeOperationName = "gen_ai.operation.name"
	genaiAttributeSystemName    = "gen_ai.system.name"
	genaiAttributeRequestModel  = "gen_ai.request.model"
	genaiAttributeTokenType     = "gen_ai.token.type" // #nosec G101: Potential hardcoded credentials
	genaiAttributeErrorType     = "error.type"

	attributeRouteSource = "route.source"
	attributeStreaming   = "streaming"

	genaiOperationChat     = "chat"
	genaiTokenTypeInput    = "input"
	genaiTokenTypeOutput   = "output"
	genaiTokenTypeTotal    = "total"
	genaiErrorTypeFallback = "_OTHER"

	unknown = "unknown"
)

// Observer holds the proxy's instruments. One Observer serves all requests;
// per-request state (model, provider, timings) travels as arguments.
type Observer struct {
	// tokenUsage counts tokens processed, split by token type.
	// See: https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-metrics/#metric-gen_aiclienttokenusage
	tokenUsage metric.Float64Histogram
	// requestLatency is the total latency of a proxied AI exchange, measured
	// from the received request headers to the end of the upstream body.
	// See: https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-metrics/#metric-gen_aiserverrequestduration
	requestLatency metric.Float64Histogram
	// firstTokenLatency is the latency to the first streamed content payload.
	// See: https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-metrics/#metric-gen_aiservertime_to_first_token
	firstTokenLatency metric.Float64Histogram
	// proxyRequests counts every proxied request, AI or not.
	proxyRequests metric.Float64Counter
}

// NewObserver registers the instruments on meter.
func NewObserver(meter metric.Meter) *Observer {
	return &Observer{
		tokenUsage: mustRegisterHistogram(meter,
			genaiMetricClientTokenUsage,
			metric.WithDescription("Number of tokens processed."),
			metric.WithUnit("{token}"),
			metric.WithExplicitBucketBoundaries(1, 4, 16, 64, 256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304),
		),
		requestLatency: mustRegisterHistogram(meter,
			genaiMetricServerRequestDuration,
			metric.WithDescription("Time spent processing request."),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28, 2.56, 5.12, 10.24, 20.48, 40.96, 81.92),
		),
		firstTokenLatency: mustRegisterHistogram(meter,
			genaiMetricServerTimeToFirstToken,
			metric.WithDescription("Time to receive first token in streaming responses."),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.02, 0.04, 0.06, 0.08, 0.1, 0.25, 0.5, 0.75, 1.0, 2.5, 5.0, 7.5, 10.0),
		),
		proxyRequests: mustRegisterCounter(meter,
			metricProxyRequests,
			metric.WithDescription("Proxied requests by route source and outcome."),
			metric.WithUnit("{request}"),
		),
	}
}

func genaiAttrs(provider, model string) []attribute.KeyValue {
	if provider == "" {
		provider = unknown
	}
	if model == "" {
		model = unknown
	}
	return []attribute.KeyValue{
		attribute.Key(genaiAttributeOperationName).String(genaiOperationChat),
		attribute.Key(genaiAttributeSystemName).String(provider),
		attribute.Key(genaiAttributeRequestModel).String(model),
	}
}

// RecordProxyRequest counts one proxied request.
func (o *Observer) RecordProxyRequest(ctx context.Context, routeSource string, statusCode int) {
	o.proxyRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.Key(attributeRouteSource).String(routeSource),
		attribute.Key("http.response.status_code").Int(statusCode),
	))
}

// RecordRequestCompletion records the total latency of an AI exchange.
// errType is empty on success; any other value is reported as error.type,
// falling back to _OTHER when the cause is unknown.
func (o *Observer) RecordRequestCompletion(ctx context.Context, provider, model string, streaming bool, elapsed time.Duration, errType *string) {
	attrs := genaiAttrs(provider, model)
	attrs = append(attrs, attribute.Key(attributeStreaming).Bool(streaming))
	if errType != nil {
		v := *errType
		if v == "" {
			v = genaiErrorTypeFallback
		}
		attrs = append(attrs, attribute.Key(genaiAttributeErrorType).String(v))
	}
	o.requestLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordTokenUsage records the three token counts of one exchange.
func (o *Observer) RecordTokenUsage(ctx context.Context, provider, model string, input, output, total int64) {
	attrs := genaiAttrs(provider, model)
	o.tokenUsage.Record(ctx, float64(input),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeInput)),
	)
	o.tokenUsage.Record(ctx, float64(output),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeOutput)),
	)
	o.tokenUsage.Record(ctx, float64(total),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeTotal)),
	)
}

// RecordTimeToFirstToken records the first-content latency of a streamed
// exchange.
func (o *Observer) RecordTimeToFirstToken(ctx context.Context, provider, model string, ttft time.Duration) {
	o.firstTokenLatency.Record(ctx, ttft.Seconds(), metric.WithAttributes(genaiAttrs(provider, model)...))
}

// NewMeterProvider builds a MeterProvider backed by a Prometheus exporter
// registered on registry. The returned shutdown function flushes the provider.
func NewMeterProvider(registry *prometheus.Registry) (metric.MeterProvider, func(context.Context) error, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return provider, provider.Shutdown, nil
}
