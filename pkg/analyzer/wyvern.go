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

package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/specforge/orchestrator/pkg/llmprovider"
	"github.com/specforge/orchestrator/pkg/project"
	"github.com/specforge/orchestrator/pkg/task"
)

// WyvernCadence is the detailed-analysis scheduler's tick interval.
const WyvernCadence = 60 * time.Second

// WyvernConcurrency bounds how many projects Wyvern analyzes at once.
const WyvernConcurrency = 5

// Wyvern is the detailed-analysis scheduler: it selects projects in
// status WyrmAssigned, loads the specification and Wyrm's recommendation,
// and produces an area-partitioned task list plus analysis.json,
// advancing the project to Analyzed.
type Wyvern struct {
	registry *project.Registry
	tracker  *task.Tracker
	provider llmprovider.Provider
	log      *slog.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewWyvern constructs a Wyvern scheduler.
func NewWyvern(registry *project.Registry, tracker *task.Tracker, provider llmprovider.Provider) *Wyvern {
	return &Wyvern{
		registry: registry,
		tracker:  tracker,
		provider: provider,
		log:      slog.Default().With("component", "analyzer.Wyvern"),
		sem:      semaphore.NewWeighted(WyvernConcurrency),
		inFlight: make(map[string]bool),
	}
}

// Run blocks, ticking every WyvernCadence until ctx is cancelled.
func (w *Wyvern) Run(ctx context.Context) {
	ticker := time.NewTicker(WyvernCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Wyvern) tick(ctx context.Context) {
	for _, p := range w.registry.ListByStatus(project.StatusWyrmAssigned) {
		if !w.markInFlight(p.ID) {
			continue
		}
		go func(p *project.Project) {
			defer w.clearInFlight(p.ID)
			if err := w.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer w.sem.Release(1)
			w.analyze(ctx, p)
		}(p)
	}
}

func (w *Wyvern) markInFlight(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[id] {
		return false
	}
	w.inFlight[id] = true
	return true
}

func (w *Wyvern) clearInFlight(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, id)
}

func (w *Wyvern) analyze(ctx context.Context, p *project.Project) {
	spec, err := os.ReadFile(p.Paths.SpecificationFile)
	if err != nil {
		w.fail(p.ID, fmt.Errorf("read specification: %w", err))
		return
	}

	var rec Recommendation
	recPath := filepath.Join(p.Paths.Root, "wyrm-recommendation.json")
	if err := readJSON(recPath, &rec); err != nil {
		w.fail(p.ID, fmt.Errorf("read wyrm recommendation: %w", err))
		return
	}

	analysis, err := w.planTasks(ctx, string(spec), &rec)
	if err != nil {
		w.fail(p.ID, fmt.Errorf("detailed analysis: %w", err))
		return
	}

	analysisPath := filepath.Join(p.Paths.AnalysisDirectory, "analysis.json")
	if err := writeAtomicJSON(analysisPath, analysis); err != nil {
		w.fail(p.ID, fmt.Errorf("persist analysis: %w", err))
		return
	}

	ids := make([]string, len(analysis.Tasks))
	for i := range analysis.Tasks {
		ids[i] = uuid.NewString()
	}

	now := time.Now()
	for i, seed := range analysis.Tasks {
		t := &task.Task{
			ID:                   ids[i],
			ProjectID:            p.ID,
			Description:          seed.Description,
			Area:                 seed.Area,
			AgentType:            seed.AgentType,
			Status:               task.StatusUnassigned,
			Priority:             normalizePriority(seed.Priority),
			Dependencies:         resolveDependencyIDs(seed.Dependencies, ids),
			SpecificationVersion: 1,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := w.tracker.Add(t); err != nil {
			w.fail(p.ID, fmt.Errorf("add task %s: %w", t.ID, err))
			return
		}
	}
	if err := w.tracker.Flush(p.ID); err != nil {
		w.fail(p.ID, fmt.Errorf("flush tasks: %w", err))
		return
	}

	if cur, err := w.registry.Get(p.ID); err == nil {
		sum := sha256.Sum256(spec)
		cur.Tracking.SpecificationContentHash = hex.EncodeToString(sum[:])
		if err := w.registry.Update(cur); err != nil {
			w.log.Error("record specification hash failed", "project", p.ID, "error", err)
		}
	}

	if err := w.registry.SetStatus(p.ID, project.StatusAnalyzed); err != nil {
		w.log.Error("advance status failed after successful analysis", "project", p.ID, "error", err)
	}
}

func (w *Wyvern) fail(projectID string, err error) {
	w.log.Warn("detailed analysis failed, leaving status WyrmAssigned for next cycle", "project", projectID, "error", err)
	if rerr := w.registry.RecordError(projectID, err.Error()); rerr != nil {
		w.log.Error("failed to record analysis error", "project", projectID, "error", rerr)
	}
}

// resolveDependencyIDs translates the model's 0-based index references
// (the only stable handle it has while the task list does not yet exist)
// into the generated task ids the Tracker actually stores.
func resolveDependencyIDs(deps []string, ids []string) []string {
	if len(deps) == 0 {
		return nil
	}
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		idx, err := strconv.Atoi(d)
		if err != nil || idx < 0 || idx >= len(ids) {
			continue
		}
		out = append(out, ids[idx])
	}
	return out
}

func normalizePriority(p string) task.Priority {
	switch task.Priority(p) {
	case task.PriorityCritical, task.PriorityHigh, task.PriorityNormal, task.PriorityLow:
		return task.Priority(p)
	default:
		return task.PriorityNormal
	}
}

const taskPlanSchemaPrompt = `You are partitioning a software project into an area-based task list. Using the specification and the prior pre-analysis recommendation, respond with a single JSON object:
{
  "areas": ["..."],
  "tasks": [
    {"description": "...", "area": "...", "agentType": "...", "priority": "Critical|High|Normal|Low", "dependencies": ["..."]}
  ],
  "notes": "..."
}
agentType must be drawn only from this closed set: ` + agentTypeList() + `
dependencies must reference other tasks by their 0-based index position in this same tasks array, stringified (e.g. "0", "1").
Respond with JSON only, no surrounding prose.`

func (w *Wyvern) planTasks(ctx context.Context, specification string, rec *Recommendation) (*Analysis, error) {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal recommendation hint: %w", err)
	}

	messages := []llmprovider.Message{
		llmprovider.Text(llmprovider.RoleUser, "Specification:\n"+specification+"\n\nPre-analysis recommendation:\n"+string(recJSON)),
	}
	result, err := w.provider.Send(ctx, messages, nil, llmprovider.Options{
		SystemInstruction: taskPlanSchemaPrompt,
	})
	if err != nil {
		return nil, err
	}
	if result.StopReason == llmprovider.StopError {
		return nil, fmt.Errorf("provider error: %s", result.ErrorMessage)
	}

	text := llmprovider.TextOf(result.Content)
	var analysis Analysis
	if err := json.Unmarshal([]byte(extractJSON(text)), &analysis); err != nil {
		return nil, fmt.Errorf("parse analysis: %w", err)
	}
	return &analysis, nil
}
