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
	"log/slog"
	"time"

	"github.com/specforge/orchestrator/pkg/recovery"
	"github.com/specforge/orchestrator/pkg/task"
)

// RetryingProvider wraps a Provider with the retry-aware send wrapper
// spec.md §6.1 requires: exponential backoff with jitter, gated by a
// per-provider circuit breaker so a known-down provider fails fast
// instead of burning the backoff schedule.
type RetryingProvider struct {
	inner   Provider
	gate    *recovery.ProviderGate
	log     *slog.Logger
	delayFn func(attempt int) (time.Duration, bool)
}

// NewRetryingProvider wraps inner, gating every call through gate under
// inner.Name().
func NewRetryingProvider(inner Provider, gate *recovery.ProviderGate) *RetryingProvider {
	return &RetryingProvider{
		inner:   inner,
		gate:    gate,
		log:     slog.Default().With("component", "llmprovider.RetryingProvider", "provider", inner.Name()),
		delayFn: recovery.NextRetryDelay,
	}
}

func (p *RetryingProvider) Name() string { return p.inner.Name() }

// Send retries transient failures up to recovery.MaxRetries times within
// the call, honoring the same jittered schedule the Task Tracker uses for
// task-level retries — a single Send call already exhausts the schedule
// so a Kobold iteration either succeeds or returns a definitive error for
// the task-level retry policy to take over.
func (p *RetryingProvider) Send(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= recovery.MaxRetries; attempt++ {
		var result *Result
		callErr := p.gate.Call(p.inner.Name(), func() error {
			var err error
			result, err = p.inner.Send(ctx, messages, tools, opts)
			return err
		})
		if callErr == nil {
			return result, nil
		}
		lastErr = callErr
		if errors.Is(callErr, recovery.ErrCircuitOpen) {
			return nil, callErr
		}
		if recovery.Classify(callErr) == task.ErrorCategoryPermanent {
			return nil, callErr
		}
		delay, ok := p.delayFn(attempt)
		if !ok {
			break
		}
		p.log.Warn("provider send failed, retrying", "attempt", attempt, "delay", delay, "error", callErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// SendStreaming delegates directly: a partially-streamed response cannot
// be safely retried mid-stream (earlier chunks may have already reached
// the caller), so streaming callers see the error immediately and fall
// back to a non-streaming Send if they want the retry behavior.
func (p *RetryingProvider) SendStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		var result *Result
		callErr := p.gate.Call(p.inner.Name(), func() error {
			for chunk, err := range p.inner.SendStreaming(ctx, messages, tools, opts) {
				if err != nil {
					return err
				}
				if chunk.Final {
					result = chunk.Result
				}
				if !yield(chunk, nil) {
					return nil
				}
			}
			return nil
		})
		if callErr != nil {
			yield(StreamChunk{}, callErr)
			return
		}
		_ = result
	}
}
