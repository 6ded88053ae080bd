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

package task

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/specforge/orchestrator/pkg/observability"
)

// ErrNotFound is returned when a (projectID, taskID) pair has no record.
type ErrNotFound struct {
	ProjectID string
	TaskID    string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("task not found: project=%s task=%s", e.ProjectID, e.TaskID)
}

// DebounceWindow is the coalescing window for Tracker writes (spec.md §5).
const DebounceWindow = 2 * time.Second

// TasksDirFunc resolves a project id to its tasks/ directory
// ({projectsRoot}/{sanitized-name}/tasks, spec.md §6.3).
type TasksDirFunc func(projectID string) (string, error)

// Tracker holds tasks per project in memory and persists them as one
// markdown file per work area plus a sidecar JSON, coalescing bursts of
// updates through a 2-second debounce window (grounded on SPEC_FULL §9's
// "model as an explicit coalescing queue with a flush operation" guidance,
// generalizing the teacher's ad-hoc session-append-on-every-message
// pattern in pkg/runner).
type Tracker struct {
	mu        sync.RWMutex
	tasks     map[string]map[string]*Task // projectID -> taskID -> Task
	tasksDir  TasksDirFunc
	log       *slog.Logger
	debouncer *debouncer
	metrics   *observability.Metrics
}

// SetMetrics wires a Prometheus metrics sink into the tracker; every
// subsequent Add/Update/ResetForRetry republishes orchestrator_tasks_total
// by status across every project. Safe to call with nil.
func (t *Tracker) SetMetrics(m *observability.Metrics) {
	t.mu.Lock()
	t.metrics = m
	t.mu.Unlock()
	t.publishTaskMetrics()
}

func (t *Tracker) publishTaskMetrics() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, byID := range t.tasks {
		for _, tsk := range byID {
			counts[string(tsk.Status)]++
		}
	}
	t.metrics.SetTasksByStatus(counts)
}

// NewTracker constructs a Tracker whose persistence paths are resolved via
// tasksDir.
func NewTracker(tasksDir TasksDirFunc) *Tracker {
	t := &Tracker{
		tasks:    make(map[string]map[string]*Task),
		tasksDir: tasksDir,
		log:      slog.Default().With("component", "task.Tracker"),
	}
	t.debouncer = newDebouncer(DebounceWindow, t.flushProjectRLocked)
	return t
}

// flushProjectRLocked is the callback the debouncer's timer fires: it takes
// t.mu.RLock itself (the timer closure runs with no lock held at all) and
// then calls flushProjectLocked, which requires at least a read lock since
// it ranges over t.tasks[projectID] while Add/Update/ResetForRetry write it
// under t.mu.Lock().
func (t *Tracker) flushProjectRLocked(projectID string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.flushProjectLocked(projectID)
}

// Load reads a project's persisted sidecar JSON into memory, if present.
// Call once per project before the project is scheduled.
func (t *Tracker) Load(projectID string) error {
	dir, err := t.tasksDir(projectID)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(sidecarPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read task sidecar: %w", err)
	}

	var list []*Task
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decode task sidecar: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	byID := make(map[string]*Task, len(list))
	for _, task := range list {
		byID[task.ID] = task
	}
	t.tasks[projectID] = byID
	return nil
}

func sidecarPath(tasksDir string) string {
	return filepath.Join(tasksDir, "tasks.sidecar.json")
}

// Add registers a new task, stamping CreatedAt/UpdatedAt and fixing
// SpecificationVersion permanently (invariant i).
func (t *Tracker) Add(tsk *Task) error {
	now := time.Now()
	tsk.CreatedAt = now
	tsk.UpdatedAt = now
	if tsk.Status == "" {
		tsk.Status = StatusUnassigned
	}
	if tsk.Priority == "" {
		tsk.Priority = PriorityNormal
	}

	t.mu.Lock()
	byID, ok := t.tasks[tsk.ProjectID]
	if !ok {
		byID = make(map[string]*Task)
		t.tasks[tsk.ProjectID] = byID
	}
	byID[tsk.ID] = tsk
	t.mu.Unlock()

	t.debouncer.schedule(tsk.ProjectID)
	t.publishTaskMetrics()
	return nil
}

// Get returns a copy of the named task.
func (t *Tracker) Get(projectID, taskID string) (*Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byID, ok := t.tasks[projectID]
	if !ok {
		return nil, &ErrNotFound{ProjectID: projectID, TaskID: taskID}
	}
	tsk, ok := byID[taskID]
	if !ok {
		return nil, &ErrNotFound{ProjectID: projectID, TaskID: taskID}
	}
	cp := *tsk
	return &cp, nil
}

// Update applies a caller-mutated Task back into the tracker. Status=Done
// is monotonic: once set, only ResetForRetry may move it back to
// Unassigned (invariant iii); Update rejects any attempt to move a Done
// task to a non-Done status other than through ResetForRetry.
func (t *Tracker) Update(tsk *Task) error {
	t.mu.Lock()
	byID, ok := t.tasks[tsk.ProjectID]
	if !ok {
		t.mu.Unlock()
		return &ErrNotFound{ProjectID: tsk.ProjectID, TaskID: tsk.ID}
	}
	prev, ok := byID[tsk.ID]
	if !ok {
		t.mu.Unlock()
		return &ErrNotFound{ProjectID: tsk.ProjectID, TaskID: tsk.ID}
	}
	if prev.Status == StatusDone && tsk.Status != StatusDone {
		t.mu.Unlock()
		return fmt.Errorf("task %s: cannot move Done->%s without explicit retry reset", tsk.ID, tsk.Status)
	}

	cp := *tsk
	cp.UpdatedAt = time.Now()
	cp.SpecificationVersion = prev.SpecificationVersion // invariant i
	if cp.Status != StatusDone {
		cp.OutputFiles = nil // invariant iv
	}
	byID[tsk.ID] = &cp
	t.mu.Unlock()

	t.debouncer.schedule(tsk.ProjectID)
	t.publishTaskMetrics()
	return nil
}

// ResetForRetry is the sole sanctioned Done->Unassigned transition
// (invariant iii): it clears RetryCount and OutputFiles and is used by
// the user-initiated retry path (Warden).
func (t *Tracker) ResetForRetry(projectID, taskID string) error {
	t.mu.Lock()
	byID, ok := t.tasks[projectID]
	if !ok {
		t.mu.Unlock()
		return &ErrNotFound{ProjectID: projectID, TaskID: taskID}
	}
	tsk, ok := byID[taskID]
	if !ok {
		t.mu.Unlock()
		return &ErrNotFound{ProjectID: projectID, TaskID: taskID}
	}

	cp := *tsk
	cp.Status = StatusUnassigned
	cp.RetryCount = 0
	cp.OutputFiles = nil
	cp.NextRetryAt = nil
	cp.LastErrorCategory = ErrorCategoryNone
	cp.UpdatedAt = time.Now()
	byID[taskID] = &cp
	t.mu.Unlock()

	t.debouncer.schedule(projectID)
	t.publishTaskMetrics()
	return nil
}

// depthCache memoizes dependency-chain depth per task within one ListReady
// call; a task with no dependencies has depth 0.
func dependencyDepth(byID map[string]*Task, id string, cache map[string]int, visiting map[string]bool) int {
	if d, ok := cache[id]; ok {
		return d
	}
	if visiting[id] {
		return 0 // cycle guard; scheduling never relies on depth for correctness, only ordering
	}
	tsk, ok := byID[id]
	if !ok || len(tsk.Dependencies) == 0 {
		cache[id] = 0
		return 0
	}
	visiting[id] = true
	max := 0
	for _, dep := range tsk.Dependencies {
		if d := dependencyDepth(byID, dep, cache, visiting); d+1 > max {
			max = d + 1
		}
	}
	visiting[id] = false
	cache[id] = max
	return max
}

// ListReady returns the ordered ready set (spec.md §4.2, §4.5.1): tasks
// Unassigned with all dependencies Done and NextRetryAt elapsed, sorted by
// priority descending, then dependency-chain depth ascending (unblockers
// first), then id for a deterministic final tie-break.
func (t *Tracker) ListReady(projectID string) []*Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byID := t.tasks[projectID]
	if byID == nil {
		return nil
	}

	done := make(map[string]bool, len(byID))
	for id, tsk := range byID {
		if tsk.Status == StatusDone {
			done[id] = true
		}
	}

	now := time.Now()
	var ready []*Task
	for _, tsk := range byID {
		if tsk.IsReady(done, now) {
			cp := *tsk
			ready = append(ready, &cp)
		}
	}

	depthCache := make(map[string]int)
	visiting := make(map[string]bool)
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority.Rank() != ready[j].Priority.Rank() {
			return ready[i].Priority.Rank() < ready[j].Priority.Rank()
		}
		di := dependencyDepth(byID, ready[i].ID, depthCache, visiting)
		dj := dependencyDepth(byID, ready[j].ID, depthCache, visiting)
		if di != dj {
			return di < dj
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// DependencyDepth returns taskID's longest dependency-chain depth within
// projectID, the second scheduling tie-break (spec.md §4.5.1). A task
// with no dependencies has depth 0.
func (t *Tracker) DependencyDepth(projectID, taskID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byID := t.tasks[projectID]
	if byID == nil {
		return 0
	}
	return dependencyDepth(byID, taskID, make(map[string]int), make(map[string]bool))
}

// ListFailed returns every Failed task in the project.
func (t *Tracker) ListFailed(projectID string) []*Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Task
	for _, tsk := range t.tasks[projectID] {
		if tsk.Status == StatusFailed {
			cp := *tsk
			out = append(out, &cp)
		}
	}
	return out
}

// ListStuck returns Working tasks whose UpdatedAt (the tracker's proxy for
// worker heartbeat/step-advancement activity) is older than threshold.
// The supervisor's dedicated stuck-worker monitor (§4.5.4) applies finer
// reflection-based criteria; this is the Tracker-level coarse view used by
// diagnostics and the `list_projects` status surface (§7).
func (t *Tracker) ListStuck(projectID string, threshold time.Duration) []*Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := time.Now().Add(-threshold)
	var out []*Task
	for _, tsk := range t.tasks[projectID] {
		if tsk.Status == StatusWorking && tsk.UpdatedAt.Before(cutoff) {
			cp := *tsk
			out = append(out, &cp)
		}
	}
	return out
}

// List returns every task for a project, for callers (analyzer,
// dependency-manifest lookups) that need the full set rather than the
// ready subset.
func (t *Tracker) List(projectID string) []*Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Task, 0, len(t.tasks[projectID]))
	for _, tsk := range t.tasks[projectID] {
		cp := *tsk
		out = append(out, &cp)
	}
	return out
}

// Flush forces a synchronous write of projectID's tasks, bypassing the
// debounce window. Used on project deletion/pause and by tests.
func (t *Tracker) Flush(projectID string) error {
	t.debouncer.cancel(projectID)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.flushProjectLocked(projectID)
}

// FlushAll drains every pending debounced write synchronously; called on
// shutdown so no coalesced update is lost (spec.md §4.2, invariant 12).
func (t *Tracker) FlushAll() {
	pending := t.debouncer.cancelAll()
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, projectID := range pending {
		if err := t.flushProjectLocked(projectID); err != nil {
			t.log.Error("flush on shutdown failed", "project", projectID, "error", err)
		}
	}
}

// flushProjectLocked writes projectID's current snapshot to disk. Callers
// must hold at least t.mu.RLock — Flush and FlushAll take it directly; the
// debouncer's timer fires through flushProjectRLocked, which takes it on
// the callback's behalf since the timer itself holds no lock.
func (t *Tracker) flushProjectLocked(projectID string) error {
	byID := t.tasks[projectID]
	if byID == nil {
		return nil
	}

	dir, err := t.tasksDir(projectID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tasks directory: %w", err)
	}

	list := make([]*Task, 0, len(byID))
	byArea := make(map[string][]*Task)
	for _, tsk := range byID {
		list = append(list, tsk)
		byArea[tsk.Area] = append(byArea[tsk.Area], tsk)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	if err := writeAtomicJSON(sidecarPath(dir), list); err != nil {
		return err
	}

	for area, tasks := range byArea {
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
		if err := writeAtomicFile(filepath.Join(dir, areaFileName(area)), renderAreaMarkdown(area, tasks)); err != nil {
			return err
		}
	}
	return nil
}

func areaFileName(area string) string {
	if area == "" {
		area = "general"
	}
	return area + "-tasks.md"
}

func writeAtomicJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeAtomicFile(path, data)
}

func writeAtomicFile(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s: %w", tempPath, err)
	}
	return nil
}
