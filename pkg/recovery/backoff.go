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
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/specforge/orchestrator/pkg/task"
)

// MaxRetries is the number of retry attempts Recovery grants a task before
// it is left in Failed permanently (spec.md §4.7).
const MaxRetries = 5

// retrySchedule is the fixed per-attempt delay table from spec.md §4.7.
// It does not compound geometrically (300s -> 900s is a 3x jump, not the
// 2x of the step before it), so it is expressed as a table rather than a
// single backoff.ExponentialBackOff multiplier.
var retrySchedule = []time.Duration{
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	900 * time.Second,
	1800 * time.Second,
}

// jitterFactor is the randomization spread applied around each scheduled
// delay, avoiding synchronized retry storms across workers hitting the
// same provider outage.
const jitterFactor = 0.2

// NextRetryDelay returns the jittered delay before retryCount+1's attempt,
// or ok=false once retryCount has exhausted MaxRetries.
func NextRetryDelay(retryCount int) (delay time.Duration, ok bool) {
	if retryCount < 0 || retryCount >= len(retrySchedule) {
		return 0, false
	}
	return jitter(retrySchedule[retryCount]), true
}

// jitter randomizes base by +/- jitterFactor using an exponential backoff
// policy's own randomization step: constructing one with InitialInterval
// set to base and reading a single NextBackOff() call yields exactly the
// jittered first interval, before any geometric growth is applied.
func jitter(base time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = jitterFactor
	b.Multiplier = 1
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	if d <= 0 {
		return base
	}
	return d
}

// RetryDecision is what Recovery tells the Task Tracker to do with a
// failed task.
type RetryDecision struct {
	ShouldRetry bool
	NextRetryAt time.Time
	Exhausted   bool // retryCount has hit MaxRetries; task stays Failed
}

// Evaluate decides whether a task that just failed with category should
// be retried, and if so when. Permanent failures never retry.
func Evaluate(category task.ErrorCategory, retryCount int, now time.Time) RetryDecision {
	if category == task.ErrorCategoryPermanent {
		return RetryDecision{ShouldRetry: false}
	}
	delay, ok := NextRetryDelay(retryCount)
	if !ok {
		return RetryDecision{ShouldRetry: false, Exhausted: true}
	}
	return RetryDecision{ShouldRetry: true, NextRetryAt: now.Add(delay)}
}
