// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing configures OpenTelemetry trace export. Tracing defaults to
// a no-op provider; the daemon enables export when an endpoint is configured.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls trace export.
type Config struct {
	// Enabled turns span export on. When false all spans are no-ops.
	Enabled bool

	// Endpoint is the OTLP HTTP collector endpoint (host:port). When empty
	// and Stdout is false, export stays disabled.
	Endpoint string

	// Stdout pretty-prints spans to stderr instead of exporting. Dev only.
	Stdout bool

	ServiceName    string
	ServiceVersion string

	// SampleRate is the head sampling ratio in [0, 1]. Zero means sample
	// everything.
	SampleRate float64
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New builds a tracer provider from cfg and installs it globally. Returns a
// provider with a nil SDK handle when tracing is disabled; Shutdown on that
// provider is a no-op.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled || (cfg.Endpoint == "" && !cfg.Stdout) {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	if cfg.Stdout {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns a tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartRunSpan opens a span for a workflow run with standard attributes.
func StartRunSpan(ctx context.Context, taskID, runID int64) (context.Context, trace.Span) {
	return Tracer("mechanic/engine").Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.Int64("mechanic.task_id", taskID),
			attribute.Int64("mechanic.run_id", runID),
		))
}

// StartNodeSpan opens a span for a single node execution.
func StartNodeSpan(ctx context.Context, node string) (context.Context, trace.Span) {
	return Tracer("mechanic/engine").Start(ctx, "workflow.node",
		trace.WithAttributes(attribute.String("mechanic.node", node)))
}

// RecordError marks a span failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
