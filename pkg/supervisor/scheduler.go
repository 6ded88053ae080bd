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
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/specforge/orchestrator/pkg/analyzer"
	"github.com/specforge/orchestrator/pkg/llmprovider"
	"github.com/specforge/orchestrator/pkg/project"
	"github.com/specforge/orchestrator/pkg/task"
)

// SchedulerCadence is the execution scheduler's tick interval (spec.md
// §4.5.1).
const SchedulerCadence = 30 * time.Second

// RunScheduler blocks, ticking every SchedulerCadence until ctx is
// cancelled.
func (s *Supervisor) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(SchedulerCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scheduleTick(ctx)
		}
	}
}

func (s *Supervisor) scheduleTick(ctx context.Context) {
	for _, status := range []project.Status{project.StatusAnalyzed, project.StatusInProgress} {
		for _, p := range s.Registry.ListByStatus(status) {
			if p.ExecutionState != project.ExecutionRunning {
				continue
			}
			s.scheduleProject(ctx, p)
		}
	}
}

// scheduleProject implements spec.md §4.5.1 steps 1-6 for one project.
func (s *Supervisor) scheduleProject(ctx context.Context, p *project.Project) {
	ready := s.Tracker.ListReady(p.ID)
	if len(ready) == 0 {
		return
	}
	sortByComplexity(ready, s.Tracker, p.ID)

	// Spawn setup (slot/claim bookkeeping plus the Kobold handoff itself)
	// fans out through an errgroup so one task's setup failure never stalls
	// the rest of the ready list; eg.Wait only blocks on that bookkeeping,
	// never on a Kobold actually finishing its work, since spawnWorker
	// returns as soon as runKobold's goroutine is launched and tracked in
	// the worker registry (its own cancel func is the leak guard).
	var eg errgroup.Group

	for _, t := range ready {
		t := t
		agentType := analyzer.AgentType(t.AgentType)
		override := p.AgentOverrides[t.AgentType]
		if override != nil && !override.Enabled {
			continue
		}

		provider := s.resolveExecutionProvider(p.ID, agentType)
		if provider == nil {
			continue
		}
		if s.Gate != nil && s.Gate.IsOpen(provider.Name()) {
			continue // step 1: provider's circuit is open, skip this round
		}

		maxParallel := 0
		if override != nil {
			maxParallel = override.MaxParallel
		}
		if !s.acquireSlot(p.ID, agentType, maxParallel) {
			continue // step 4: no free per-agent-type slot this round
		}

		if !s.tryClaimAnticipatedFiles(p.ID, t) {
			s.releaseSlot(p.ID, agentType)
			continue // step 5: a claim conflicted, defer to next round
		}

		eg.Go(func() error {
			return s.spawnWorker(ctx, p, t, agentType, provider)
		})
	}

	if err := eg.Wait(); err != nil {
		s.log.Warn("worker spawn fan-out reported an error", "project", p.ID, "error", err)
	}

	if p.Status == project.StatusAnalyzed {
		_ = s.Registry.SetStatus(p.ID, project.StatusInProgress)
	}
}

// tryClaimAnticipatedFiles attempts claims on files a cached plan already
// named for this task (spec.md §4.5.1 step 5). A task with no cached plan
// has nothing to claim yet and is never deferred on this basis.
func (s *Supervisor) tryClaimAnticipatedFiles(projectID string, t *task.Task) bool {
	cached, ok := s.loadCachedPlan(projectID, t.ID)
	if !ok {
		return true
	}
	var claimed []string
	for _, step := range cached.Steps {
		for _, path := range append(append([]string{}, step.FilesToCreate...), step.FilesToModify...) {
			if ok, _ := s.Claims.TryClaim(path, anticipatedClaimWorkerID(t.ID), t.ID); !ok {
				for _, c := range claimed {
					s.Claims.Release(c, anticipatedClaimWorkerID(t.ID))
				}
				return false
			}
			claimed = append(claimed, path)
		}
	}
	return true
}

// anticipatedClaimWorkerID is the placeholder claim owner for a task's
// not-yet-spawned worker; runKobold re-claims under the real worker id
// (reclaimPlanPaths) once the worker exists.
func anticipatedClaimWorkerID(taskID string) string { return "pending:" + taskID }

func (s *Supervisor) resolveExecutionProvider(projectID string, agentType analyzer.AgentType) llmprovider.Provider {
	if s.Providers == nil {
		return nil
	}
	return s.Providers(projectID, agentType)
}

// sortByComplexity applies the full three-level tie-break (spec.md
// §4.5.1 step 3) on top of Tracker.ListReady's priority+depth+id
// ordering. Task-level estimated complexity is not part of the
// persisted data model (spec.md §3 names it only as a project-level
// Wyrm output); the Supervisor estimates it per task from its dependency
// count and description length (estimateComplexity; see DESIGN.md, Open
// Question "task-level complexity").
func sortByComplexity(ready []*task.Task, tracker *task.Tracker, projectID string) {
	depth := make(map[string]int, len(ready))
	complexity := make(map[string]int, len(ready))
	for _, t := range ready {
		depth[t.ID] = tracker.DependencyDepth(projectID, t.ID)
		complexity[t.ID] = estimateComplexity(t)
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if depth[a.ID] != depth[b.ID] {
			return depth[a.ID] < depth[b.ID]
		}
		if complexity[a.ID] != complexity[b.ID] {
			return complexity[a.ID] < complexity[b.ID]
		}
		return a.ID < b.ID
	})
}

// estimateComplexity is a coarse proxy in the absence of a persisted
// per-task complexity field: more dependencies and a longer description
// both correlate with a larger unit of work.
func estimateComplexity(t *task.Task) int {
	return len(t.Dependencies) + len(t.Description)/80
}

// spawnWorker performs the synchronous handoff (registration, marking the
// task Assigned) and launches the Kobold's run loop in its own tracked
// goroutine, returning only setup errors; it never waits on the Kobold
// itself, so an errgroup collecting its return value never blocks past
// the handoff.
func (s *Supervisor) spawnWorker(ctx context.Context, p *project.Project, t *task.Task, agentType analyzer.AgentType, provider llmprovider.Provider) error {
	workerCtx, cancel := context.WithCancel(ctx)
	w := newWorker(uuid.NewString(), p.ID, t.ID, agentType, provider, cancel)
	s.register(w)

	if err := s.Tracker.Update(withStatus(t, task.StatusAssigned)); err != nil {
		s.log.Warn("mark task assigned failed", "task", t.ID, "error", err)
		cancel()
		s.unregister(w)
		return err
	}

	go s.runKobold(workerCtx, w, p)
	return nil
}

func withStatus(t *task.Task, status task.Status) *task.Task {
	cp := *t
	cp.Status = status
	return &cp
}
