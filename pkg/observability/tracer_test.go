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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTracer_RejectsUnwiredExporter(t *testing.T) {
	_, err := NewTracer(context.Background(), &TracingConfig{Enabled: true, Exporter: "otlp"})
	require.Error(t, err)
}

func TestNewTracer_StdoutSpansRoundTrip(t *testing.T) {
	debug := NewDebugExporter()
	tracer, err := NewTracer(context.Background(), &TracingConfig{
		Enabled:      true,
		Exporter:     "stdout",
		ServiceName:  "test",
		SamplingRate: 1.0,
	}, WithDebugExporter(debug))
	require.NoError(t, err)
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartAgentRun(context.Background(), "proj-1", "task-1", "implementer", "claude-3", "anthropic")
	require.NotNil(t, ctx)
	tracer.AddLLMUsage(span, 100, 50)
	tracer.RecordError(span, errors.New("boom"))
	span.End()

	require.Greater(t, debug.Count(), 0)
}

func TestTracer_NilReceiverIsSafe(t *testing.T) {
	var tracer *Tracer
	require.NotPanics(t, func() {
		_, span := tracer.Start(context.Background(), "x")
		tracer.AddLLMUsage(span, 1, 1)
		tracer.RecordError(span, errors.New("err"))
		_ = tracer.Shutdown(context.Background())
	})
}
