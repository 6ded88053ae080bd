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
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheCapacity is the default number of projects held in the
// cross-project learning cache (spec.md §4.6).
const DefaultCacheCapacity = 50

// AgentTypeStats is the rolling per-agent-type performance record within
// one project's insight entry.
type AgentTypeStats struct {
	SuccessCount      int
	FailureCount      int
	TotalDuration     time.Duration
	TotalIterations   int
	CompletedStepsSum int
	RecurringBlockers []string
}

// SuccessRate returns the fraction of completed tasks that succeeded.
func (s AgentTypeStats) SuccessRate() float64 {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(total)
}

// AverageDuration returns the mean task duration for this agent type.
func (s AgentTypeStats) AverageDuration() time.Duration {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(total)
}

// AverageIterationsPerStep returns the mean number of iterations a step
// of this agent type has historically needed.
func (s AgentTypeStats) AverageIterationsPerStep() float64 {
	if s.CompletedStepsSum == 0 {
		return 0
	}
	return float64(s.TotalIterations) / float64(s.CompletedStepsSum)
}

// ProjectInsights is one project's cross-worker learning entry, keyed by
// agent type within the project.
type ProjectInsights struct {
	ProjectID string
	ByAgent   map[string]*AgentTypeStats
}

// Insight is the advisory result returned to a planner querying
// GetSimilarTaskInsights.
type Insight struct {
	AgentType         string
	SuccessRate       float64
	AverageDuration   time.Duration
	AverageIterations float64
	RecurringBlockers []string
}

// LearningCache is an LRU of ProjectInsights capped at DefaultCacheCapacity
// projects (spec.md §4.6). Entries are weak references in spirit — an
// evicted or never-populated project simply yields no insight, it does
// not block project deletion.
type LearningCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *ProjectInsights]
}

// NewLearningCache constructs a cache with the given capacity (0 uses the
// spec default of 50).
func NewLearningCache(capacity int) *LearningCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	c, _ := lru.New[string, *ProjectInsights](capacity)
	return &LearningCache{cache: c}
}

// RecordStepCompletion folds one completed or failed plan step's telemetry
// into its project's rolling agent-type stats.
func (c *LearningCache) RecordStepCompletion(projectID, agentType string, success bool, duration time.Duration, iterations int, blockers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache.Get(projectID)
	if !ok {
		entry = &ProjectInsights{ProjectID: projectID, ByAgent: make(map[string]*AgentTypeStats)}
	}
	stats, ok := entry.ByAgent[agentType]
	if !ok {
		stats = &AgentTypeStats{}
		entry.ByAgent[agentType] = stats
	}

	if success {
		stats.SuccessCount++
	} else {
		stats.FailureCount++
	}
	stats.TotalDuration += duration
	stats.TotalIterations += iterations
	stats.CompletedStepsSum++
	stats.RecurringBlockers = appendUnique(stats.RecurringBlockers, blockers, 10)

	c.cache.Add(projectID, entry)
}

func appendUnique(existing []string, fresh []string, limit int) []string {
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e] = true
	}
	for _, f := range fresh {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		existing = append(existing, f)
		if len(existing) >= limit {
			break
		}
	}
	return existing
}

// GetSimilarTaskInsights returns advisory aggregate statistics across
// every cached project for agentType. description is currently used only
// as a future extension point for description-similarity weighting; the
// present implementation aggregates purely by agentType, which is the
// dominant signal the spec names (spec.md §4.6: "per-agent-type success
// rate, average duration per task, typical iterations per step, recurring
// blockers").
func (c *LearningCache) GetSimilarTaskInsights(description, agentType string) *Insight {
	_ = description

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		successes, failures int
		totalDuration       time.Duration
		totalIterations     int
		totalSteps          int
		blockers            []string
	)

	for _, projectID := range c.cache.Keys() {
		entry, ok := c.cache.Peek(projectID)
		if !ok {
			continue
		}
		stats, ok := entry.ByAgent[agentType]
		if !ok {
			continue
		}
		successes += stats.SuccessCount
		failures += stats.FailureCount
		totalDuration += stats.TotalDuration
		totalIterations += stats.TotalIterations
		totalSteps += stats.CompletedStepsSum
		blockers = appendUnique(blockers, stats.RecurringBlockers, 20)
	}

	total := successes + failures
	if total == 0 {
		return nil
	}

	insight := &Insight{
		AgentType:         agentType,
		SuccessRate:       float64(successes) / float64(total),
		RecurringBlockers: blockers,
	}
	if total > 0 {
		insight.AverageDuration = totalDuration / time.Duration(total)
	}
	if totalSteps > 0 {
		insight.AverageIterations = float64(totalIterations) / float64(totalSteps)
	}
	return insight
}
