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

package project

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/specforge/orchestrator/pkg/observability"
)

// ErrNotFound is returned when a project id has no matching record.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("project not found: %s", e.ID)
}

// Registry persists a list of Projects to a single JSON document
// (projects.json, spec.md §6.3) and maintains an in-memory index keyed by
// id. Every mutating operation snapshots the projects slice under mu,
// writes atomically (write-temp + rename, grounded on the teacher's
// pkg/context/document_store.go saveIndexState pattern), then updates the
// index under the same lock.
type Registry struct {
	mu       sync.RWMutex
	path     string
	projects map[string]*Project
	log      *slog.Logger
	metrics  *observability.Metrics
}

// SetMetrics wires a Prometheus metrics sink into the registry; every
// subsequent mutation recomputes and publishes orchestrator_projects_total
// by status. Safe to call with nil (metrics disabled) or to call again to
// replace the sink.
func (r *Registry) SetMetrics(m *observability.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	r.publishStatusMetrics()
}

// publishStatusMetrics recomputes the full per-status project count and
// publishes it wholesale; called by every mutator while mu is held, since
// a single transition always moves a count from one status label to
// another.
func (r *Registry) publishStatusMetrics() {
	if r.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, p := range r.projects {
		counts[string(p.Status)]++
	}
	r.metrics.SetProjectsByStatus(counts)
}

// NewRegistry loads (or initializes) the registry backed by storePath, a
// path to projects.json under the orchestrator's projectsRoot.
func NewRegistry(storePath string) (*Registry, error) {
	r := &Registry{
		path:     storePath,
		projects: make(map[string]*Project),
		log:      slog.Default().With("component", "project.Registry"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read projects store: %w", err)
	}

	var list []*Project
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decode projects store: %w", err)
	}

	for _, p := range list {
		p.Status = NormalizeStatus(p.Status)
		r.projects[p.ID] = p
	}
	return nil
}

// save snapshots the current project set under the caller's lock and
// writes it to a temp file before renaming over the final path, so a crash
// mid-write never leaves projects.json truncated or partially written.
func (r *Registry) save() error {
	list := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		list = append(list, p)
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode projects store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create projects store directory: %w", err)
	}

	tempPath := r.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write projects temp file: %w", err)
	}
	if err := os.Rename(tempPath, r.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename projects temp file: %w", err)
	}
	r.publishStatusMetrics()
	return nil
}

// List returns a snapshot copy of every project, sorted by id for
// deterministic output.
func (r *Registry) List() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the project with the given id.
func (r *Registry) Get(id string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	cp := *p
	return &cp, nil
}

// Create registers a new project in status New with a fresh id and
// timestamps, persists it, and returns the stored copy.
func (r *Registry) Create(input NewProjectInput) (*Project, error) {
	now := time.Now()
	p := &Project{
		ID:     uuid.NewString(),
		Name:   input.Name,
		Status: StatusNew,
		Paths: Paths{
			Root:               input.Root,
			SpecificationFile:  filepath.Join(input.Root, "specification.md"),
			WorkspaceDirectory: filepath.Join(input.Root, "workspace"),
			TasksDirectory:     filepath.Join(input.Root, "tasks"),
			AnalysisDirectory:  input.Root,
		},
		Timestamps: Timestamps{Created: now, Updated: now},
		Security:   input.Security,
		Metadata:   input.Metadata,
	}
	p.SetDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.projects[p.ID] = p
	if err := r.save(); err != nil {
		delete(r.projects, p.ID)
		return nil, err
	}

	cp := *p
	return &cp, nil
}

// Update replaces the stored project record with the given value,
// bumping Timestamps.Updated, and persists the change.
func (r *Registry) Update(p *Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[p.ID]; !ok {
		return &ErrNotFound{ID: p.ID}
	}

	cp := *p
	cp.Status = NormalizeStatus(cp.Status)
	cp.Timestamps.Updated = time.Now()

	prev := r.projects[p.ID]
	r.projects[p.ID] = &cp
	if err := r.save(); err != nil {
		r.projects[p.ID] = prev
		return err
	}
	return nil
}

// Delete removes a project from the registry.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.projects[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}

	delete(r.projects, id)
	if err := r.save(); err != nil {
		r.projects[id] = prev
		return err
	}
	return nil
}

// SetStatus transitions a project's Status field. Unlike SetExecutionState,
// the Status state machine transitions are driven entirely by the analyzer
// and supervisor schedulers (spec.md §4.1) rather than validated here;
// callers are trusted internal components.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}

	cp := *p
	cp.Status = NormalizeStatus(status)
	cp.Timestamps.Updated = time.Now()
	if status == StatusWyrmAssigned {
		now := time.Now()
		cp.Timestamps.LastProcessed = &now
	}
	if status == StatusAnalyzed {
		now := time.Now()
		cp.Timestamps.Analyzed = &now
	}

	prev := r.projects[id]
	r.projects[id] = &cp
	if err := r.save(); err != nil {
		r.projects[id] = prev
		return err
	}
	return nil
}

// SetExecutionState validates the requested transition against
// CanTransition before applying it (spec.md §4.1): Running<->Paused freely,
// Running->Suspended, Suspended->Running, and any of
// Running/Paused/Suspended -> Cancelled (terminal).
func (r *Registry) SetExecutionState(id string, state ExecutionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}

	if !CanTransition(p.ExecutionState, state) {
		return &ErrInvalidTransition{From: p.ExecutionState, To: state}
	}

	cp := *p
	cp.ExecutionState = state
	cp.Timestamps.Updated = time.Now()

	prev := r.projects[id]
	r.projects[id] = &cp
	if err := r.save(); err != nil {
		r.projects[id] = prev
		return err
	}

	r.log.Info("project execution state changed", "project", id, "from", prev.ExecutionState, "to", state)
	return nil
}

// RecordError stamps the project's Tracking.LastError without changing
// Status, used by schedulers that want to surface a failure reason while
// leaving the state machine where a later cycle can retry (e.g. Wyrm
// pre-analysis failure keeps status New, spec.md §4.4).
func (r *Registry) RecordError(id string, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}

	cp := *p
	cp.Tracking.LastError = msg
	cp.Timestamps.Updated = time.Now()

	prev := r.projects[id]
	r.projects[id] = &cp
	if err := r.save(); err != nil {
		r.projects[id] = prev
		return err
	}
	return nil
}

// ListByStatus returns every project currently in the given status, a
// helper the analyzer and supervisor schedulers use to select their
// candidate set each tick.
func (r *Registry) ListByStatus(status Status) []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Project
	for _, p := range r.projects {
		if p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}
