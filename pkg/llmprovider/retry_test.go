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

package llmprovider

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/specforge/orchestrator/pkg/recovery"
)

type fakeProvider struct {
	name    string
	calls   int
	failFor int // number of calls that fail before succeeding
	err     error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Send(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Result, error) {
	f.calls++
	if f.calls <= f.failFor {
		return nil, f.err
	}
	return &Result{StopReason: StopEndTurn, Content: []ContentBlock{{Type: BlockText, Text: "ok"}}}, nil
}

func (f *fakeProvider) SendStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		yield(StreamChunk{Final: true, Result: &Result{StopReason: StopEndTurn}}, nil)
	}
}

// noDelay lets tests exercise the retry loop without sleeping out the
// real 60s+ backoff schedule.
func noDelay(attempt int) (time.Duration, bool) {
	if attempt >= recovery.MaxRetries {
		return 0, false
	}
	return time.Millisecond, true
}

func TestRetryingProvider_PermanentErrorFailsFast(t *testing.T) {
	fp := &fakeProvider{name: "openai", failFor: 100, err: &recovery.ProviderError{Code: "invalid_api_key", StatusCode: 401, Message: "bad key"}}
	rp := NewRetryingProvider(fp, recovery.NewProviderGate())
	rp.delayFn = noDelay

	_, err := rp.Send(context.Background(), []Message{Text(RoleUser, "hi")}, nil, Options{})
	require.Error(t, err)
	require.Equal(t, 1, fp.calls, "permanent errors must not be retried")
}

func TestRetryingProvider_TransientErrorRetriesUntilSuccess(t *testing.T) {
	fp := &fakeProvider{name: "anthropic", failFor: 2, err: &recovery.ProviderError{Timeout: true, Message: "timeout"}}
	rp := NewRetryingProvider(fp, recovery.NewProviderGate())
	rp.delayFn = noDelay

	result, err := rp.Send(context.Background(), []Message{Text(RoleUser, "hi")}, nil, Options{})
	require.NoError(t, err)
	require.Equal(t, StopEndTurn, result.StopReason)
	require.Equal(t, 3, fp.calls)
}

func TestRetryingProvider_ExhaustsSchedule(t *testing.T) {
	fp := &fakeProvider{name: "gemini", failFor: 100, err: &recovery.ProviderError{Timeout: true, Message: "timeout"}}
	rp := NewRetryingProvider(fp, recovery.NewProviderGate())
	rp.delayFn = noDelay

	_, err := rp.Send(context.Background(), []Message{Text(RoleUser, "hi")}, nil, Options{})
	require.Error(t, err)
	require.Equal(t, recovery.MaxRetries+1, fp.calls)
}

func TestRetryingProvider_CircuitOpenShortCircuits(t *testing.T) {
	fp := &fakeProvider{name: "openai", failFor: 100, err: &recovery.ProviderError{Timeout: true, Message: "timeout"}}
	gate := recovery.NewProviderGate()
	rp := NewRetryingProvider(fp, gate)
	rp.delayFn = noDelay

	for i := 0; i < 3; i++ {
		_ = gate.Call("openai", func() error { return fp.err })
	}
	require.True(t, gate.IsOpen("openai"))

	_, err := rp.Send(context.Background(), nil, nil, Options{})
	require.True(t, errors.Is(err, recovery.ErrCircuitOpen))
}
