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
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/specforge/orchestrator/pkg/llmprovider"
	"github.com/specforge/orchestrator/pkg/project"
	"github.com/specforge/orchestrator/pkg/task"
)

type scriptedProvider struct {
	name      string
	responses []string
	calls     int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Send(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolDefinition, opts llmprovider.Options) (*llmprovider.Result, error) {
	text := p.responses[p.calls]
	p.calls++
	return &llmprovider.Result{
		StopReason: llmprovider.StopEndTurn,
		Content:    []llmprovider.ContentBlock{{Type: llmprovider.BlockText, Text: text}},
	}, nil
}

func (p *scriptedProvider) SendStreaming(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolDefinition, opts llmprovider.Options) iter.Seq2[llmprovider.StreamChunk, error] {
	return func(yield func(llmprovider.StreamChunk, error) bool) {}
}

func newTestProject(t *testing.T, registry *project.Registry) *project.Project {
	t.Helper()
	root := t.TempDir()
	p, err := registry.Create(project.NewProjectInput{Name: "demo", Root: root})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p.Paths.SpecificationFile, []byte("Build a todo app."), 0o644))
	return p
}

func TestWyrm_AdvancesNewToWyrmAssigned(t *testing.T) {
	registry, err := project.NewRegistry(filepath.Join(t.TempDir(), "projects.json"))
	require.NoError(t, err)
	p := newTestProject(t, registry)

	provider := &scriptedProvider{name: "test", responses: []string{
		`{"languages":["go"],"recommendedAgentTypes":["coding"],"technicalStack":["chi"],"suggestedAreas":["backend"],"complexityEstimate":3,"notes":"straightforward"}`,
	}}

	w := NewWyrm(registry, provider)
	w.analyze(context.Background(), p)

	updated, err := registry.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, project.StatusWyrmAssigned, updated.Status)

	var rec Recommendation
	require.NoError(t, readJSON(filepath.Join(p.Paths.Root, "wyrm-recommendation.json"), &rec))
	require.Equal(t, []string{"go"}, rec.Languages)
	require.Equal(t, 3, rec.ComplexityScore)
}

func TestWyrm_FailureLeavesStatusNew(t *testing.T) {
	registry, err := project.NewRegistry(filepath.Join(t.TempDir(), "projects.json"))
	require.NoError(t, err)
	p := newTestProject(t, registry)

	provider := &scriptedProvider{name: "test", responses: []string{"not json at all"}}
	w := NewWyrm(registry, provider)
	w.analyze(context.Background(), p)

	updated, err := registry.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, project.StatusNew, updated.Status)
	require.NotEmpty(t, updated.Tracking.LastError)
}

func TestWyvern_CreatesTasksWithResolvedDependencies(t *testing.T) {
	registry, err := project.NewRegistry(filepath.Join(t.TempDir(), "projects.json"))
	require.NoError(t, err)
	p := newTestProject(t, registry)
	require.NoError(t, registry.SetStatus(p.ID, project.StatusWyrmAssigned))

	rec := Recommendation{Languages: []string{"go"}, RecommendedTypes: []string{"coding"}}
	recData, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(p.Paths.Root, "wyrm-recommendation.json"), recData, 0o644))

	tracker := task.NewTracker(func(projectID string) (string, error) {
		return p.Paths.TasksDirectory, nil
	})

	provider := &scriptedProvider{name: "test", responses: []string{
		`{"areas":["backend"],"tasks":[
			{"description":"scaffold server","area":"backend","agentType":"coding","priority":"High","dependencies":[]},
			{"description":"add todo endpoint","area":"backend","agentType":"coding","priority":"Normal","dependencies":["0"]}
		],"notes":"two steps"}`,
	}}

	wv := NewWyvern(registry, tracker, provider)

	refetched, err := registry.Get(p.ID)
	require.NoError(t, err)
	wv.analyze(context.Background(), refetched)

	updated, err := registry.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, project.StatusAnalyzed, updated.Status)

	tasks := tracker.List(p.ID)
	require.Len(t, tasks, 2)

	var first, second *task.Task
	for _, tk := range tasks {
		if tk.Description == "scaffold server" {
			first = tk
		} else {
			second = tk
		}
	}
	require.NotNil(t, first)
	require.NotNil(t, second)
	require.Empty(t, first.Dependencies)
	require.Equal(t, []string{first.ID}, second.Dependencies)

	_, err = os.Stat(filepath.Join(p.Paths.AnalysisDirectory, "analysis.json"))
	require.NoError(t, err)
}

func TestPermissionsFor_UnknownAgentTypeGetsMinimalMask(t *testing.T) {
	perms := PermissionsFor(AgentType("never-heard-of-it"))
	require.True(t, Allows(AgentType("never-heard-of-it"), PermReadFile))
	require.False(t, Allows(AgentType("never-heard-of-it"), PermRunCommand))
	require.Len(t, perms, 2)
}

func TestPermissionsFor_MediaAgentHasNoRunCommand(t *testing.T) {
	require.False(t, Allows(AgentImage, PermRunCommand))
	require.True(t, Allows(AgentCoding, PermRunCommand))
}
