// Copyright 2025 Kadir Pekel
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

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps an OpenTelemetry tracer provider with the span shapes the
// orchestrator's components emit: agent runs, LLM calls, tool executions,
// and planning-context lookups. A Tracer is owned by a Manager and shut
// down through it.
type Tracer struct {
	provider        *sdktrace.TracerProvider
	tracer          trace.Tracer
	debugExporter   *DebugExporter
	capturePayloads bool
}

// TracerOption configures a Tracer at construction time.
type TracerOption func(*Tracer)

// WithDebugExporter attaches an in-memory span exporter alongside the
// configured one, so a debugging UI can inspect recent spans.
func WithDebugExporter(d *DebugExporter) TracerOption {
	return func(t *Tracer) {
		t.debugExporter = d
	}
}

// WithCapturePayloads enables recording full LLM/tool payloads as span
// attributes. Produces large spans; intended for local debugging only.
func WithCapturePayloads(capture bool) TracerOption {
	return func(t *Tracer) {
		t.capturePayloads = capture
	}
}

// NewTracer builds a Tracer from cfg. Only the "stdout" exporter is backed
// by a real SDK dependency here; the other values TracingConfig.Validate
// accepts (otlp, jaeger, zipkin) are rejected with a clear error, since no
// exporter package for them is wired into go.mod.
func NewTracer(ctx context.Context, cfg *TracingConfig, opts ...TracerOption) (*Tracer, error) {
	if cfg.Exporter != "stdout" {
		return nil, fmt.Errorf("tracing exporter %q is not wired (only %q is supported)", cfg.Exporter, "stdout")
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	t := &Tracer{}
	for _, opt := range opts {
		opt(t)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	}
	if t.debugExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(t.debugExporter)))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	t.provider = tp
	t.tracer = tp.Tracer(cfg.ServiceName)
	return t, nil
}

// GetTracer returns a named tracer from the current global provider,
// independent of any Manager-owned Tracer. Used by components that only
// need ad hoc spans without full lifecycle ownership.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Start begins a generic span.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartAgentRun begins a span for one Kobold task execution.
func (t *Tracer) StartAgentRun(ctx context.Context, projectID, taskID, agentType, model, provider string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanAgentRun, trace.WithAttributes(
		attribute.String("project.id", projectID),
		attribute.String("task.id", taskID),
		attribute.String("agent.type", agentType),
		attribute.String(AttrLLMModel, model),
		attribute.String("llm.provider", provider),
	))
}

// StartLLMCall begins a span for a single provider request.
func (t *Tracer) StartLLMCall(ctx context.Context, model string, messageCount int, temperature, _ float64) (context.Context, trace.Span) {
	return t.Start(ctx, SpanLLMCall, trace.WithAttributes(
		attribute.String(AttrLLMModel, model),
		attribute.Int("llm.message_count", messageCount),
		attribute.Float64("llm.temperature", temperature),
	))
}

// StartToolExecution begins a span for one tool invocation.
func (t *Tracer) StartToolExecution(ctx context.Context, toolName, taskID, projectID string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanToolExecution, trace.WithAttributes(
		attribute.String(AttrToolName, toolName),
		attribute.String("task.id", taskID),
		attribute.String("project.id", projectID),
	))
}

// StartMemorySearch begins a span for a planning-context claim lookup.
func (t *Tracer) StartMemorySearch(ctx context.Context, area string, candidateCount int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanMemorySearch, trace.WithAttributes(
		attribute.String("planning.area", area),
		attribute.Int("planning.candidate_count", candidateCount),
	))
}

// AddLLMUsage records token usage on an in-flight span.
func (t *Tracer) AddLLMUsage(span trace.Span, inputTokens, outputTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int(AttrLLMTokensInput, inputTokens),
		attribute.Int(AttrLLMTokensOutput, outputTokens),
	)
}

// AddLLMFinishReason records the provider's stop reason on a span.
func (t *Tracer) AddLLMFinishReason(span trace.Span, reason string) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String(AttrLLMFinishReason, reason))
}

// AddPayload attaches a truncated request/response payload to a span, only
// when payload capture is enabled.
func (t *Tracer) AddPayload(span trace.Span, key, value string) {
	if t == nil || !t.capturePayloads || span == nil {
		return
	}
	span.SetAttributes(attribute.String(AttrPayload+"."+key, truncateString(value, 4096)))
}

// AddToolPayload attaches a tool call's input/output when payload capture is
// enabled.
func (t *Tracer) AddToolPayload(span trace.Span, key, value string) {
	if t == nil || !t.capturePayloads || span == nil {
		return
	}
	span.SetAttributes(attribute.String(AttrToolPayload+"."+key, truncateString(value, 4096)))
}

// RecordError marks a span as failed and attaches the error.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String(AttrErrorType, err.Error()))
}

// DebugExporter returns the in-memory span exporter, or nil if none was
// configured.
func (t *Tracer) DebugExporter() *DebugExporter {
	if t == nil {
		return nil
	}
	return t.debugExporter
}

// Shutdown flushes and stops the underlying tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func noopSpan() trace.Span {
	_, span := noop.NewTracerProvider().Tracer("").Start(context.Background(), "")
	return span
}

func truncateString(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
