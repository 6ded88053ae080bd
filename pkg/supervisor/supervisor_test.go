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
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/specforge/orchestrator/pkg/analyzer"
	"github.com/specforge/orchestrator/pkg/llmprovider"
	"github.com/specforge/orchestrator/pkg/planning"
	"github.com/specforge/orchestrator/pkg/project"
	"github.com/specforge/orchestrator/pkg/recovery"
	"github.com/specforge/orchestrator/pkg/sandbox"
	"github.com/specforge/orchestrator/pkg/task"
)

// scriptedProvider answers Send calls from a fixed response queue, in the
// teacher's analyzer_test.go style.
type scriptedProvider struct {
	name      string
	responses []*llmprovider.Result
	calls     int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Send(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolDefinition, opts llmprovider.Options) (*llmprovider.Result, error) {
	if p.calls >= len(p.responses) {
		return &llmprovider.Result{StopReason: llmprovider.StopEndTurn, Content: []llmprovider.ContentBlock{{Type: llmprovider.BlockText, Text: "idle"}}}, nil
	}
	r := p.responses[p.calls]
	p.calls++
	return r, nil
}

func (p *scriptedProvider) SendStreaming(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolDefinition, opts llmprovider.Options) iter.Seq2[llmprovider.StreamChunk, error] {
	return func(yield func(llmprovider.StreamChunk, error) bool) {}
}

func textResult(text string) *llmprovider.Result {
	return &llmprovider.Result{StopReason: llmprovider.StopEndTurn, Content: []llmprovider.ContentBlock{{Type: llmprovider.BlockText, Text: text}}}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *project.Project) {
	t.Helper()
	registry, err := project.NewRegistry(filepath.Join(t.TempDir(), "projects.json"))
	require.NoError(t, err)

	root := t.TempDir()
	p, err := registry.Create(project.NewProjectInput{Name: "demo", Root: root})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p.Paths.SpecificationFile, []byte("Build a todo app."), 0o644))

	tracker := task.NewTracker(func(projectID string) (string, error) { return p.Paths.TasksDirectory, nil })
	require.NoError(t, tracker.Load(p.ID))

	claims := planning.NewClaimStore()
	learning := planning.NewLearningCache(0)
	gate := recovery.NewProviderGate()

	s := NewSupervisor(registry, tracker, claims, learning, gate)
	s.SandboxPolicy = func(p *project.Project) sandbox.Policy {
		return sandbox.Policy{Mode: project.SandboxWorkspace, WorkspaceRoot: p.Paths.WorkspaceDirectory}
	}
	return s, p
}

func TestAcquireSlot_RespectsMaxParallel(t *testing.T) {
	s, _ := newTestSupervisor(t)

	require.True(t, s.acquireSlot("proj1", analyzer.AgentCoding, 2))
	require.True(t, s.acquireSlot("proj1", analyzer.AgentCoding, 2))
	require.False(t, s.acquireSlot("proj1", analyzer.AgentCoding, 2))

	s.releaseSlot("proj1", analyzer.AgentCoding)
	require.True(t, s.acquireSlot("proj1", analyzer.AgentCoding, 2))
}

func TestAcquireSlot_DefaultsWhenUnset(t *testing.T) {
	s, _ := newTestSupervisor(t)

	require.True(t, s.acquireSlot("proj1", analyzer.AgentDebug, 0))
	require.True(t, s.acquireSlot("proj1", analyzer.AgentDebug, 0))
	require.False(t, s.acquireSlot("proj1", analyzer.AgentDebug, 0))
}

func TestSortByComplexity_PriorityThenDepthThenComplexity(t *testing.T) {
	tracker := task.NewTracker(func(projectID string) (string, error) { return t.TempDir(), nil })

	ready := []*task.Task{
		{ID: "low-priority-simple", ProjectID: "p2", Priority: task.PriorityLow},
		{ID: "high-priority", ProjectID: "p2", Priority: task.PriorityHigh},
		{ID: "critical", ProjectID: "p2", Priority: task.PriorityCritical},
	}
	for _, r := range ready {
		require.NoError(t, tracker.Add(r))
	}

	sortByComplexity(ready, tracker, "p2")
	require.Equal(t, "critical", ready[0].ID)
	require.Equal(t, "high-priority", ready[1].ID)
	require.Equal(t, "low-priority-simple", ready[2].ID)
}

func TestWorkerLifecycle_RegisterAndCancel(t *testing.T) {
	s, _ := newTestSupervisor(t)

	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker("w1", "proj1", "task1", analyzer.AgentCoding, &scriptedProvider{name: "test"}, cancel)
	s.register(w)

	found, ok := s.WorkerForTask("task1")
	require.True(t, ok)
	require.Equal(t, "w1", found.ID)

	s.cancelWorker(w)
	_, ok = s.WorkerForTask("task1")
	require.False(t, ok)

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected cancelWorker to cancel the worker's context")
	}
}

func TestIsStuck_HeartbeatTimeout(t *testing.T) {
	s, _ := newTestSupervisor(t)
	s.Config.StuckTimeoutMinutes = 1 // 1 minute, forced stale below

	_, cancel := context.WithCancel(context.Background())
	w := newWorker("w1", "proj1", "task1", analyzer.AgentCoding, &scriptedProvider{name: "test"}, cancel)
	w.LastHeartbeat = time.Now().Add(-2 * time.Minute)

	reason, stuck := s.isStuck(w)
	require.True(t, stuck)
	require.Contains(t, reason, "heartbeat")
}

func TestIsStuck_RepeatedFileWrites(t *testing.T) {
	s, _ := newTestSupervisor(t)

	_, cancel := context.WithCancel(context.Background())
	w := newWorker("w1", "proj1", "task1", analyzer.AgentCoding, &scriptedProvider{name: "test"}, cancel)
	for i := 0; i < maxRepeatedWrites; i++ {
		w.recordWrite("main.go")
	}

	_, stuck := s.isStuck(w)
	require.True(t, stuck)
}

func TestIsStuck_StalledProgress(t *testing.T) {
	s, _ := newTestSupervisor(t)

	_, cancel := context.WithCancel(context.Background())
	w := newWorker("w1", "proj1", "task1", analyzer.AgentCoding, &scriptedProvider{name: "test"}, cancel)
	for i := 0; i < reflectionStallRounds; i++ {
		w.recordReflection(ReflectionRecord{ProgressPercent: 40, Confidence: 80})
	}

	reason, stuck := s.isStuck(w)
	require.True(t, stuck)
	require.Contains(t, reason, "progress")
}

func TestIsStuck_ConfidenceDrop(t *testing.T) {
	s, _ := newTestSupervisor(t)

	_, cancel := context.WithCancel(context.Background())
	w := newWorker("w1", "proj1", "task1", analyzer.AgentCoding, &scriptedProvider{name: "test"}, cancel)
	w.recordReflection(ReflectionRecord{ProgressPercent: 10, Confidence: 90})
	w.recordReflection(ReflectionRecord{ProgressPercent: 20, Confidence: 70})
	w.recordReflection(ReflectionRecord{ProgressPercent: 30, Confidence: 60})

	reason, stuck := s.isStuck(w)
	require.True(t, stuck)
	require.Contains(t, reason, "confidence")
}

func TestKillStuckWorker_ResetsTaskAndIncrementsRetryCount(t *testing.T) {
	s, p := newTestSupervisor(t)
	require.NoError(t, s.Tracker.Add(&task.Task{ID: "task1", ProjectID: p.ID, AgentType: string(analyzer.AgentCoding), Status: task.StatusWorking}))

	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker("w1", p.ID, "task1", analyzer.AgentCoding, &scriptedProvider{name: "test"}, cancel)
	s.register(w)

	s.killStuckWorker(w, "test reason")

	updated, err := s.Tracker.Get(p.ID, "task1")
	require.NoError(t, err)
	require.Equal(t, task.StatusUnassigned, updated.Status)
	require.Equal(t, 1, updated.RetryCount)

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected the worker's context to be cancelled")
	}
}

func TestToolsFor_FiltersByAgentTypePermissions(t *testing.T) {
	all := DefaultTools()
	docTools := toolsFor(analyzer.AgentDocumentation, all)

	var names []string
	for _, tl := range docTools {
		names = append(names, tl.Name())
	}
	require.Contains(t, names, "read_file")
	require.Contains(t, names, "write_file")
	require.NotContains(t, names, "run_command")
}

func TestPlanTask_FailsOnEmptyPlan(t *testing.T) {
	s, p := newTestSupervisor(t)
	provider := &scriptedProvider{name: "planner", responses: []*llmprovider.Result{textResult(`{"steps": []}`)}}

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newWorker("w1", p.ID, "task1", analyzer.AgentCoding, provider, cancel)

	tsk := &task.Task{ID: "task1", ProjectID: p.ID, Description: "add a handler", AgentType: string(analyzer.AgentCoding)}
	_, err := s.planTask(context.Background(), w, p, tsk)
	require.Error(t, err)
}

func TestPlanTask_ParsesStepsFromProviderJSON(t *testing.T) {
	s, p := newTestSupervisor(t)
	provider := &scriptedProvider{name: "planner", responses: []*llmprovider.Result{textResult(
		`{"steps": [{"title": "write handler", "description": "add the endpoint", "filesToCreate": ["handler.go"]}], "allowPlanModifications": true}`,
	)}}

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newWorker("w1", p.ID, "task1", analyzer.AgentCoding, provider, cancel)

	tsk := &task.Task{ID: "task1", ProjectID: p.ID, Description: "add a handler", AgentType: string(analyzer.AgentCoding)}
	plan, err := s.planTask(context.Background(), w, p, tsk)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	require.Equal(t, "write handler", plan.Steps[0].Title)
	require.True(t, plan.AllowPlanModifications)
}

func TestApplyUnifiedDiff_InsertsAndRemovesLines(t *testing.T) {
	original := "line1\nline2\nline3\n"
	patch := "@@ -1,3 +1,3 @@\n line1\n-line2\n+line2-changed\n line3\n"

	out, err := applyUnifiedDiff(original, patch)
	require.NoError(t, err)
	require.Equal(t, "line1\nline2-changed\nline3\n", out)
}

func TestApplyUnifiedDiff_ContextMismatchIsError(t *testing.T) {
	original := "line1\nline2\n"
	patch := "@@ -1,2 +1,2 @@\n wrong-context\n-line2\n+line2-changed\n"

	_, err := applyUnifiedDiff(original, patch)
	require.Error(t, err)
}

func TestReflectionMonitor_PublishesInterventionOnLowConfidence(t *testing.T) {
	s, _ := newTestSupervisor(t)
	out := make(chan Intervention, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunReflectionMonitor(ctx, out)

	s.publishReflectionEvent(ReflectionEvent{
		WorkerID: "w1", ProjectID: "p1", TaskID: "t1",
		Kind: InterventionLowConfidence, Record: ReflectionRecord{Confidence: 5}, At: time.Now(),
	})

	select {
	case iv := <-out:
		require.Equal(t, InterventionLowConfidence, iv.Kind)
		require.Equal(t, "w1", iv.WorkerID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an intervention to be published")
	}
}

func TestPlan_AdvanceAndDone(t *testing.T) {
	plan := &Plan{Steps: []*ImplementationStep{
		{Title: "one", Status: StepPending},
		{Title: "two", Status: StepPending},
	}}
	require.Equal(t, "one", plan.Current().Title)
	require.False(t, plan.Done())

	plan.Steps[0].Status = StepDone
	require.True(t, plan.Advance())
	require.Equal(t, "two", plan.Current().Title)

	plan.Steps[1].Status = StepDone
	require.True(t, plan.Done())
	require.False(t, plan.Advance())
	require.Nil(t, plan.Current())
}
