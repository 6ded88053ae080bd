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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/specforge/orchestrator/pkg/llmprovider"
	"github.com/specforge/orchestrator/pkg/project"
)

// WyrmCadence is the pre-analysis scheduler's tick interval (spec.md §4.4).
const WyrmCadence = 60 * time.Second

// WyrmConcurrency bounds how many projects Wyrm analyzes at once.
const WyrmConcurrency = 5

// Wyrm is the pre-analysis scheduler: it selects projects in status New,
// infers languages/stack/agent types/complexity, and advances them to
// WyrmAssigned.
type Wyrm struct {
	registry *project.Registry
	provider llmprovider.Provider
	log      *slog.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewWyrm constructs a Wyrm scheduler bound to registry and provider.
func NewWyrm(registry *project.Registry, provider llmprovider.Provider) *Wyrm {
	return &Wyrm{
		registry: registry,
		provider: provider,
		log:      slog.Default().With("component", "analyzer.Wyrm"),
		sem:      semaphore.NewWeighted(WyrmConcurrency),
		inFlight: make(map[string]bool),
	}
}

// Run blocks, ticking every WyrmCadence until ctx is cancelled.
func (w *Wyrm) Run(ctx context.Context) {
	ticker := time.NewTicker(WyrmCadence)
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

func (w *Wyrm) tick(ctx context.Context) {
	for _, p := range w.registry.ListByStatus(project.StatusNew) {
		if !w.markInFlight(p.ID) {
			continue // already being analyzed by a prior tick
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

func (w *Wyrm) markInFlight(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[id] {
		return false
	}
	w.inFlight[id] = true
	return true
}

func (w *Wyrm) clearInFlight(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, id)
}

func (w *Wyrm) analyze(ctx context.Context, p *project.Project) {
	spec, err := os.ReadFile(p.Paths.SpecificationFile)
	if err != nil {
		w.fail(p.ID, fmt.Errorf("read specification: %w", err))
		return
	}

	rec, err := w.recommend(ctx, string(spec))
	if err != nil {
		w.fail(p.ID, fmt.Errorf("pre-analysis: %w", err))
		return
	}

	path := filepath.Join(p.Paths.Root, "wyrm-recommendation.json")
	if err := writeAtomicJSON(path, rec); err != nil {
		w.fail(p.ID, fmt.Errorf("persist recommendation: %w", err))
		return
	}

	if err := w.registry.SetStatus(p.ID, project.StatusWyrmAssigned); err != nil {
		w.log.Error("advance status failed after successful recommendation", "project", p.ID, "error", err)
	}
}

func (w *Wyrm) fail(projectID string, err error) {
	w.log.Warn("pre-analysis failed, leaving status New for next cycle", "project", projectID, "error", err)
	if rerr := w.registry.RecordError(projectID, err.Error()); rerr != nil {
		w.log.Error("failed to record pre-analysis error", "project", projectID, "error", rerr)
	}
}

const recommendationSchemaPrompt = `You are pre-analyzing a software project specification. Respond with a single JSON object with exactly these fields:
{
  "languages": ["..."],
  "recommendedAgentTypes": ["..."],
  "technicalStack": ["..."],
  "suggestedAreas": ["..."],
  "complexityEstimate": <integer 1-10>,
  "notes": "..."
}
recommendedAgentTypes must be drawn only from this closed set: ` + agentTypeList() + `
Respond with JSON only, no surrounding prose.`

func agentTypeList() string {
	types := KnownAgentTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func (w *Wyrm) recommend(ctx context.Context, specification string) (*Recommendation, error) {
	messages := []llmprovider.Message{
		llmprovider.Text(llmprovider.RoleUser, specification),
	}
	result, err := w.provider.Send(ctx, messages, nil, llmprovider.Options{
		SystemInstruction: recommendationSchemaPrompt,
	})
	if err != nil {
		return nil, err
	}
	if result.StopReason == llmprovider.StopError {
		return nil, fmt.Errorf("provider error: %s", result.ErrorMessage)
	}

	text := llmprovider.TextOf(result.Content)
	var rec Recommendation
	if err := json.Unmarshal([]byte(extractJSON(text)), &rec); err != nil {
		return nil, fmt.Errorf("parse recommendation: %w", err)
	}
	return &rec, nil
}

// extractJSON strips any leading/trailing prose a model adds despite
// instructions, keeping only the outermost JSON object.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}
