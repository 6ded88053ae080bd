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

package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/specforge/orchestrator/pkg/analyzer"
	"github.com/specforge/orchestrator/pkg/llmprovider"
	"github.com/specforge/orchestrator/pkg/planning"
	"github.com/specforge/orchestrator/pkg/project"
	"github.com/specforge/orchestrator/pkg/recovery"
	"github.com/specforge/orchestrator/pkg/sandbox"
	"github.com/specforge/orchestrator/pkg/task"
)

// WorkerState is a Kobold's position in its lifecycle (spec.md §4.5.2).
type WorkerState string

const (
	WorkerSpawned    WorkerState = "Spawned"
	WorkerPlanning   WorkerState = "Planning"
	WorkerExecuting  WorkerState = "Executing"
	WorkerReflecting WorkerState = "Reflecting"
	WorkerCompleted  WorkerState = "Completed"
	WorkerFailed     WorkerState = "Failed"
	WorkerStuck      WorkerState = "Stuck"
)

// Config bounds a worker's execution (spec.md §4.5.2, §5). Values of 0
// fall back to the documented spec defaults.
type Config struct {
	ReflectEveryNIterations int
	MaxIterations           int
	MaxIterationsPerStep    int
	LowConfidenceThreshold  int
	StuckTimeoutMinutes     int
	AllowPlanModifications  bool

	// OnSpecificationDrift selects what happens when a worker notices the
	// specification changed since its task was created: "reload" (default)
	// reloads the specification text and continues, "abort" fails the task
	// for reassignment.
	OnSpecificationDrift string

	// MaxPromptTokens caps the system prompt buildSystemPrompt assembles
	// for a step. Once exceeded, later-step previews are dropped before
	// dependency manifests, since the current step's full detail is what
	// the worker actually needs.
	MaxPromptTokens int
}

func (c Config) maxPromptTokens() int {
	if c.MaxPromptTokens <= 0 {
		return 6000
	}
	return c.MaxPromptTokens
}

func (c Config) reflectEvery() int {
	if c.ReflectEveryNIterations <= 0 {
		return 3
	}
	return c.ReflectEveryNIterations
}

func (c Config) lowConfidenceThreshold() int {
	if c.LowConfidenceThreshold <= 0 {
		return 30
	}
	return c.LowConfidenceThreshold
}

func (c Config) stuckTimeout() time.Duration {
	if c.StuckTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.StuckTimeoutMinutes) * time.Minute
}

func (c Config) maxIterationsPerStep(totalSteps int) int {
	perStep := c.MaxIterationsPerStep
	if perStep <= 0 {
		perStep = 8
	}
	maxIter := c.MaxIterations
	if maxIter <= 0 {
		maxIter = 40
	}
	if totalSteps <= 0 {
		totalSteps = 1
	}
	budget := maxIter/totalSteps + 2
	if budget < perStep {
		return budget
	}
	return perStep
}

// Worker is an ephemeral runtime entity owned by the Supervisor (spec.md
// §3): one live Kobold bound to exactly one task.
type Worker struct {
	ID        string
	ProjectID string
	TaskID    string
	AgentType analyzer.AgentType
	Provider  llmprovider.Provider

	Plan          *Plan
	State         WorkerState
	Iteration     int
	StartedAt     time.Time
	LastHeartbeat time.Time

	cancel context.CancelFunc

	mu sync.Mutex

	// stuck-detection bookkeeping (spec.md §4.5.4)
	writeCounts    map[string]int
	lastProgress   []int
	lastConfidence []int
}

func newWorker(id, projectID, taskID string, agentType analyzer.AgentType, provider llmprovider.Provider, cancel context.CancelFunc) *Worker {
	now := time.Now()
	return &Worker{
		ID:            id,
		ProjectID:     projectID,
		TaskID:        taskID,
		AgentType:     agentType,
		Provider:      provider,
		State:         WorkerSpawned,
		StartedAt:     now,
		LastHeartbeat: now,
		cancel:        cancel,
		writeCounts:   make(map[string]int),
	}
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.LastHeartbeat = time.Now()
	w.mu.Unlock()
}

func (w *Worker) heartbeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.LastHeartbeat
}

func (w *Worker) recordWrite(path string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeCounts[path]++
	return w.writeCounts[path]
}

func (w *Worker) recordReflection(r ReflectionRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastProgress = append(w.lastProgress, r.ProgressPercent)
	if len(w.lastProgress) > 3 {
		w.lastProgress = w.lastProgress[len(w.lastProgress)-3:]
	}
	w.lastConfidence = append(w.lastConfidence, r.Confidence)
	if len(w.lastConfidence) > 3 {
		w.lastConfidence = w.lastConfidence[len(w.lastConfidence)-3:]
	}
}

// Supervisor owns every live Worker and wires them to the shared services
// a Kobold needs: project/task state, file claims, cross-project
// learning, the provider circuit breaker, and the tool catalog (spec.md
// §3 "Ownership summary", §4.5).
type Supervisor struct {
	Registry *project.Registry
	Tracker  *task.Tracker
	Claims   *planning.ClaimStore
	Learning *planning.LearningCache
	Gate     *recovery.ProviderGate

	// Providers resolves an agent type's bound provider. Kept as a
	// function rather than a static map so per-project overrides
	// (spec.md §3 AgentTypeOverride.Provider/Model) can be layered in by
	// the caller without this package depending on pkg/config.
	Providers func(projectID string, agentType analyzer.AgentType) llmprovider.Provider

	// Planner resolves the (possibly distinct) provider used for the
	// Planning phase (spec.md §4.5.2: "possibly a different
	// provider/model than execution, per project config").
	Planner func(projectID string, agentType analyzer.AgentType) llmprovider.Provider

	SandboxPolicy func(p *project.Project) sandbox.Policy

	Tools []Tool

	Config Config

	Reflections chan ReflectionEvent

	log *slog.Logger

	mu      sync.Mutex
	workers map[string]*Worker // workerID -> Worker
	byTask  map[string]string  // taskID -> workerID

	// slots tracks in-use agent-type slots per project, guarding
	// AgentTypeOverride.MaxParallel (spec.md §4.5.1 step 4).
	slots map[string]map[analyzer.AgentType]int
}

// NewSupervisor constructs a Supervisor. Reflections is buffered so the
// advisory Reasoning Monitor (§4.5.5) never blocks a worker's tool loop.
func NewSupervisor(registry *project.Registry, tracker *task.Tracker, claims *planning.ClaimStore, learning *planning.LearningCache, gate *recovery.ProviderGate) *Supervisor {
	return &Supervisor{
		Registry:    registry,
		Tracker:     tracker,
		Claims:      claims,
		Learning:    learning,
		Gate:        gate,
		Tools:       DefaultTools(),
		Reflections: make(chan ReflectionEvent, 256),
		log:         slog.Default().With("component", "supervisor.Drake"),
		workers:     make(map[string]*Worker),
		byTask:      make(map[string]string),
		slots:       make(map[string]map[analyzer.AgentType]int),
	}
}

func (s *Supervisor) acquireSlot(projectID string, agentType analyzer.AgentType, max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots[projectID] == nil {
		s.slots[projectID] = make(map[analyzer.AgentType]int)
	}
	if max <= 0 {
		max = defaultMaxParallelPerAgentType
	}
	if s.slots[projectID][agentType] >= max {
		return false
	}
	s.slots[projectID][agentType]++
	return true
}

func (s *Supervisor) releaseSlot(projectID string, agentType analyzer.AgentType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots[projectID] == nil {
		return
	}
	if s.slots[projectID][agentType] > 0 {
		s.slots[projectID][agentType]--
	}
}

const defaultMaxParallelPerAgentType = 2

func (s *Supervisor) register(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = w
	s.byTask[w.TaskID] = w.ID
}

func (s *Supervisor) unregister(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, w.ID)
	delete(s.byTask, w.TaskID)
}

// Workers returns a snapshot of every live worker.
func (s *Supervisor) Workers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}

// WorkerForTask returns the live worker bound to taskID, if any.
func (s *Supervisor) WorkerForTask(taskID string) (*Worker, bool) {
	s.mu.Lock()
	id, ok := s.byTask[taskID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	w, ok := s.workers[id]
	s.mu.Unlock()
	return w, ok
}

// cancelWorker cancels w's context, releases its claims and agent-type
// slot, and removes it from the live set. Used by project pause/cancel
// (§5 "Cancellation") and the stuck monitor (§4.5.4).
func (s *Supervisor) cancelWorker(w *Worker) {
	if w.cancel != nil {
		w.cancel()
	}
	s.Claims.ReleaseAll(w.ID)
	s.releaseSlot(w.ProjectID, w.AgentType)
	s.unregister(w)
}
