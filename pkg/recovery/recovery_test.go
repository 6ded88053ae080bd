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

package recovery

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/specforge/orchestrator/pkg/task"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want task.ErrorCategory
	}{
		{"nil", nil, task.ErrorCategoryNone},
		{"timeout provider error", &ProviderError{Timeout: true, Message: "dial timeout"}, task.ErrorCategoryTransient},
		{"429 status", &ProviderError{StatusCode: http.StatusTooManyRequests, Message: "rate limited"}, task.ErrorCategoryTransient},
		{"5xx status", &ProviderError{StatusCode: 503, Message: "service unavailable"}, task.ErrorCategoryTransient},
		{"invalid api key code", &ProviderError{Code: "invalid_api_key", StatusCode: 401, Message: "bad key"}, task.ErrorCategoryPermanent},
		{"4xx generic", &ProviderError{StatusCode: 422, Message: "bad request"}, task.ErrorCategoryPermanent},
		{"plain timeout text", errors.New("context deadline exceeded: timeout"), task.ErrorCategoryTransient},
		{"plain auth text", errors.New("unauthorized: authentication failed"), task.ErrorCategoryPermanent},
		{"plain unknown text", errors.New("something odd happened"), task.ErrorCategoryUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, Classify(c.err))
		})
	}
}

func TestNextRetryDelay_Schedule(t *testing.T) {
	wantBase := []time.Duration{
		60 * time.Second, 120 * time.Second, 300 * time.Second,
		900 * time.Second, 1800 * time.Second,
	}
	for i, base := range wantBase {
		d, ok := NextRetryDelay(i)
		require.True(t, ok)
		lo := time.Duration(float64(base) * (1 - jitterFactor))
		hi := time.Duration(float64(base) * (1 + jitterFactor))
		require.GreaterOrEqualf(t, d, lo, "attempt %d delay %s below jitter floor", i, d)
		require.LessOrEqualf(t, d, hi, "attempt %d delay %s above jitter ceiling", i, d)
	}

	_, ok := NextRetryDelay(len(wantBase))
	require.False(t, ok, "exhausted schedule must report ok=false")
}

func TestEvaluate_PermanentNeverRetries(t *testing.T) {
	d := Evaluate(task.ErrorCategoryPermanent, 0, time.Now())
	require.False(t, d.ShouldRetry)
	require.False(t, d.Exhausted)
}

func TestEvaluate_TransientSchedulesNextAttempt(t *testing.T) {
	now := time.Now()
	d := Evaluate(task.ErrorCategoryTransient, 0, now)
	require.True(t, d.ShouldRetry)
	require.True(t, d.NextRetryAt.After(now))
}

func TestEvaluate_ExhaustedAfterMaxRetries(t *testing.T) {
	d := Evaluate(task.ErrorCategoryTransient, MaxRetries, time.Now())
	require.False(t, d.ShouldRetry)
	require.True(t, d.Exhausted)
}

func TestProviderGate_TripsAfterConsecutiveTransientFailures(t *testing.T) {
	g := NewProviderGate()
	transient := &ProviderError{Timeout: true, Message: "dial timeout"}

	for i := 0; i < consecutiveTripThreshold; i++ {
		err := g.Call("openai", func() error { return transient })
		require.Error(t, err)
	}

	require.True(t, g.IsOpen("openai"))

	err := g.Call("openai", func() error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestProviderGate_PermanentFailuresDoNotTripCircuit(t *testing.T) {
	g := NewProviderGate()
	permanent := &ProviderError{Code: "invalid_api_key", StatusCode: 401, Message: "bad key"}

	for i := 0; i < consecutiveTripThreshold*2; i++ {
		err := g.Call("anthropic", func() error { return permanent })
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitOpen)
	}

	require.False(t, g.IsOpen("anthropic"))
}

func TestProviderGate_IndependentPerProvider(t *testing.T) {
	g := NewProviderGate()
	transient := &ProviderError{Timeout: true, Message: "dial timeout"}

	for i := 0; i < consecutiveTripThreshold; i++ {
		_ = g.Call("openai", func() error { return transient })
	}
	require.True(t, g.IsOpen("openai"))

	err := g.Call("gemini", func() error { return nil })
	require.NoError(t, err)
	require.False(t, g.IsOpen("gemini"))
}
