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

package planning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLearningCache_AggregatesAcrossProjects(t *testing.T) {
	c := NewLearningCache(DefaultCacheCapacity)

	c.RecordStepCompletion("p1", "react", true, 2*time.Minute, 4, []string{"flaky test runner"})
	c.RecordStepCompletion("p2", "react", false, 5*time.Minute, 8, []string{"flaky test runner", "missing env var"})

	insight := c.GetSimilarTaskInsights("build a form", "react")
	require.NotNil(t, insight)
	require.InDelta(t, 0.5, insight.SuccessRate, 0.001)
	require.Contains(t, insight.RecurringBlockers, "flaky test runner")
	require.Contains(t, insight.RecurringBlockers, "missing env var")
}

func TestLearningCache_UnknownAgentTypeIsAdvisoryNil(t *testing.T) {
	c := NewLearningCache(DefaultCacheCapacity)
	require.Nil(t, c.GetSimilarTaskInsights("anything", "never-seen"))
}

func TestLearningCache_EvictionDoesNotPanic(t *testing.T) {
	c := NewLearningCache(1)
	c.RecordStepCompletion("p1", "coding", true, time.Second, 1, nil)
	c.RecordStepCompletion("p2", "coding", true, time.Second, 1, nil)

	// p1 may have been evicted; querying must remain advisory, never error.
	insight := c.GetSimilarTaskInsights("x", "coding")
	require.NotNil(t, insight)
}
