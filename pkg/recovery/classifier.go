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

// Package recovery implements the Recovery & Circuit Breaker (C7):
// failure classification, exponential-backoff retry scheduling, and
// per-provider health gating.
package recovery

import (
	"errors"
	"net/http"
	"strings"

	"github.com/specforge/orchestrator/pkg/task"
)

// ProviderError is the structured shape a provider binding (§6.1) returns
// on failure; its StatusCode and RetryAfter (when set) drive
// classification the same way the teacher's *TaskError{Code, Message}
// shape carries a machine-readable code alongside a human message.
type ProviderError struct {
	StatusCode int
	Code       string // e.g. "invalid_api_key", "quota_exceeded", "model_not_found"
	Message    string
	Timeout    bool
	Network    bool
}

func (e *ProviderError) Error() string {
	return e.Message
}

var permanentCodes = map[string]bool{
	"invalid_api_key": true,
	"authentication":  true,
	"quota_exceeded":  true,
	"model_not_found": true,
	"invalid_request": true,
	"content_policy":  true,
	"sandbox_denied":  true,
}

// Classify categorizes an error per spec.md §4.7 / §7's taxonomy.
func Classify(err error) task.ErrorCategory {
	if err == nil {
		return task.ErrorCategoryNone
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		if perr.Timeout || perr.Network {
			return task.ErrorCategoryTransient
		}
		if perr.StatusCode == http.StatusTooManyRequests || perr.StatusCode >= 500 {
			return task.ErrorCategoryTransient
		}
		if permanentCodes[perr.Code] || (perr.StatusCode >= 400 && perr.StatusCode < 500 && perr.StatusCode != http.StatusTooManyRequests) {
			return task.ErrorCategoryPermanent
		}
		return task.ErrorCategoryUnknown
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "temporarily unavailable"):
		return task.ErrorCategoryTransient
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "authentication"),
		strings.Contains(msg, "quota"), strings.Contains(msg, "invalid model"),
		strings.Contains(msg, "sandbox"):
		return task.ErrorCategoryPermanent
	default:
		return task.ErrorCategoryUnknown
	}
}
