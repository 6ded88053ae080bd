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
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewMetrics_DisabledReturnsNil(t *testing.T) {
	m, err := NewMetrics(&MetricsConfig{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestNewMetrics_DefaultsNamespace(t *testing.T) {
	m, err := NewMetrics(&MetricsConfig{Enabled: true})
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, "orchestrator", m.config.Namespace)
}

func TestMetrics_RecordAndScrape(t *testing.T) {
	m, err := NewMetrics(&MetricsConfig{Enabled: true})
	require.NoError(t, err)

	m.RecordAgentCall("kobold-1", "implementer", 50*time.Millisecond)
	m.RecordLLMCall("claude-3", "anthropic", 200*time.Millisecond)
	m.RecordToolCall("write_file", 5*time.Millisecond)
	m.SetProjectsByStatus(map[string]int{"analyzing": 2, "executing": 1})
	m.SetTasksByStatus(map[string]int{"pending": 3, "done": 7})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rr, req)

	require.Equal(t, 200, rr.Code)
	require.Contains(t, rr.Body.String(), "orchestrator_agent_calls_total")
	require.Contains(t, rr.Body.String(), "orchestrator_projects_total")
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordAgentCall("x", "y", time.Millisecond)
		m.RecordHTTPRequest("GET", "/x", 200, time.Millisecond, 0, 0)
	})
}
