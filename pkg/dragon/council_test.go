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

package dragon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/specforge/orchestrator/pkg/project"
	"github.com/specforge/orchestrator/pkg/sandbox"
	"github.com/specforge/orchestrator/pkg/task"
)

func newTestProject(t *testing.T) (*project.Registry, *project.Project) {
	t.Helper()
	reg, err := project.NewRegistry(filepath.Join(t.TempDir(), "projects.json"))
	require.NoError(t, err)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "workspace"), 0o755))

	p, err := reg.Create(project.NewProjectInput{Name: "demo", Root: root})
	require.NoError(t, err)
	return reg, p
}

func workspacePolicy(p *project.Project) sandbox.Policy {
	return sandbox.Policy{Mode: project.SandboxRelaxed, WorkspaceRoot: p.Paths.Root}
}

func TestSage_AddFeatureAppendsToSpecification(t *testing.T) {
	_, p := newTestProject(t)
	s := Sage{}

	reply, err := s.handle(context.Background(), p, nil, UserTurn{Message: "add feature: CSV export"})
	require.NoError(t, err)
	require.Contains(t, reply, "CSV export")

	data, err := os.ReadFile(p.Paths.SpecificationFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "## Features")
	require.Contains(t, string(data), "- CSV export")
}

func TestSage_PlainMessageRecordedAsNote(t *testing.T) {
	_, p := newTestProject(t)
	s := Sage{}

	_, err := s.handle(context.Background(), p, nil, UserTurn{Message: "the API should support pagination"})
	require.NoError(t, err)

	data, err := os.ReadFile(p.Paths.SpecificationFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "## Notes")
	require.Contains(t, string(data), "pagination")
}

func TestSeeker_ScanClassifiesByExtension(t *testing.T) {
	reg, p := newTestProject(t)
	importRoot := filepath.Join(p.Paths.Root, "legacy")
	require.NoError(t, os.MkdirAll(importRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(importRoot, "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(importRoot, "util.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(importRoot, "app.py"), []byte("print(1)"), 0o644))

	sk := Seeker{SandboxPolicy: workspacePolicy}
	reply, err := sk.handle(context.Background(), p, nil, UserTurn{Message: "import legacy"})
	require.NoError(t, err)
	require.Contains(t, reply, "Go (2)")
	require.Contains(t, reply, "Python (1)")

	data, err := os.ReadFile(p.Paths.SpecificationFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "## Imported Project Summary")

	_ = reg
}

func TestWarden_ExecutionStateTransitions(t *testing.T) {
	reg, p := newTestProject(t)
	w := Warden{Registry: reg, Tracker: task.NewTracker(func(string) (string, error) { return t.TempDir(), nil })}

	reply, err := w.handle(context.Background(), p, nil, UserTurn{Message: "please pause"})
	require.NoError(t, err)
	require.Contains(t, reply, "Running -> Paused")

	got, err := reg.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, project.ExecutionPaused, got.ExecutionState)

	_, err = w.handle(context.Background(), got, nil, UserTurn{Message: "cancel"})
	require.NoError(t, err)

	got, err = reg.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, project.ExecutionCancelled, got.ExecutionState)

	// Cancelled is terminal: resuming must fail.
	_, err = w.handle(context.Background(), got, nil, UserTurn{Message: "resume"})
	require.Error(t, err)
}

func TestWarden_RetryResetsFailedTask(t *testing.T) {
	reg, p := newTestProject(t)
	tr := task.NewTracker(func(string) (string, error) { return filepath.Join(p.Paths.Root, "tasks"), nil })
	require.NoError(t, tr.Add(&task.Task{
		ID: "t1", ProjectID: p.ID, Status: task.StatusFailed,
		LastErrorCategory: task.ErrorCategoryPermanent, RetryCount: 5,
	}))

	w := Warden{Registry: reg, Tracker: tr}
	reply, err := w.handle(context.Background(), p, nil, UserTurn{Message: "retry t1"})
	require.NoError(t, err)
	require.Contains(t, reply, "t1")

	got, err := tr.Get(p.ID, "t1")
	require.NoError(t, err)
	require.Equal(t, task.StatusUnassigned, got.Status)
	require.Equal(t, 0, got.RetryCount)
}

func TestWarden_SetPriorityMutatesTask(t *testing.T) {
	reg, p := newTestProject(t)
	tr := task.NewTracker(func(string) (string, error) { return filepath.Join(p.Paths.Root, "tasks"), nil })
	require.NoError(t, tr.Add(&task.Task{ID: "t1", ProjectID: p.ID, Status: task.StatusUnassigned, Priority: task.PriorityNormal}))

	w := Warden{Registry: reg, Tracker: tr}
	reply, err := w.handle(context.Background(), p, nil, UserTurn{Message: "set priority of t1 to High"})
	require.NoError(t, err)
	require.Contains(t, reply, "High")

	got, err := tr.Get(p.ID, "t1")
	require.NoError(t, err)
	require.Equal(t, task.PriorityHigh, got.Priority)
}

func TestCouncilResponder_RoutesByKeyword(t *testing.T) {
	reg, p := newTestProject(t)
	tr := task.NewTracker(func(string) (string, error) { return filepath.Join(p.Paths.Root, "tasks"), nil })

	c := NewCouncil(reg, &Sage{}, &Seeker{SandboxPolicy: workspacePolicy}, &Sentinel{SandboxPolicy: workspacePolicy}, &Warden{Registry: reg, Tracker: tr})
	sess := &Session{ID: "s1", ProjectID: p.ID}

	chunks, err := c.Respond(context.Background(), sess, UserTurn{Message: "please pause"})
	require.NoError(t, err)
	var full string
	for chunk, chunkErr := range chunks {
		require.NoError(t, chunkErr)
		full += chunk
	}
	require.Contains(t, full, "Paused")

	got, err := reg.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, project.ExecutionPaused, got.ExecutionState)
}
