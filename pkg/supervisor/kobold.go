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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/specforge/orchestrator/pkg/analyzer"
	"github.com/specforge/orchestrator/pkg/llmprovider"
	"github.com/specforge/orchestrator/pkg/project"
	"github.com/specforge/orchestrator/pkg/sandbox"
	"github.com/specforge/orchestrator/pkg/task"
)

// runKobold is the per-worker goroutine spawned by the scheduler: it
// drives one Worker from Spawned through Planning to Executing (spec.md
// §4.5.2) and cancels the worker when it returns. It sets no Reflecting,
// Completed or Failed worker state.
func (s *Supervisor) runKobold(ctx context.Context, w *Worker, p *project.Project) {
	defer s.cancelWorker(w)

	t, err := s.Tracker.Get(p.ID, w.TaskID)
	if err != nil {
		s.failTask(p.ID, w.TaskID, err)
		return
	}

	policy := s.SandboxPolicy(p)
	if s.specificationDrifted(p) {
		s.log.Warn("specification drift detected since task creation", "project", p.ID, "task", w.TaskID)
		if s.Config.OnSpecificationDrift == "abort" {
			s.failTask(p.ID, w.TaskID, fmt.Errorf("specification changed since task creation"))
			return
		}
		// default "reload" behavior: every phase below already re-reads the
		// specification file fresh, so no further action is needed here.
	}

	w.State = WorkerPlanning
	plan, err := s.planTask(ctx, w, p, t)
	if err != nil {
		s.failTask(p.ID, w.TaskID, fmt.Errorf("planning: %w", err))
		return
	}
	w.Plan = plan
	_ = s.savePlan(p, plan)

	// Re-claim anticipated paths under the real worker id now that one
	// exists; the scheduler held them under a placeholder owner.
	s.reclaimPlanPaths(plan, w)

	if err := s.Tracker.Update(withStatus(t, task.StatusWorking)); err != nil {
		s.log.Warn("mark task working failed", "task", t.ID, "error", err)
	}

	w.State = WorkerExecuting
	toolCtx := ToolContext{Policy: policy, Claims: s.Claims, WorkerID: w.ID, TaskID: w.TaskID}
	dependencyManifests := s.dependencyOutputManifests(p.ID, t)

	for plan.Current() != nil {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ok, failed := s.runStep(ctx, w, p, t, plan, toolCtx, dependencyManifests)
		if failed {
			s.failTask(p.ID, w.TaskID, fmt.Errorf("step %q failed", plan.Current().Title))
			return
		}
		if !ok {
			return // cancelled mid-step
		}
		_ = s.savePlan(p, plan)
		if !plan.Advance() {
			break
		}
	}

	s.completeTask(p, t, plan)
}

// specificationDrifted compares the specification file's current content
// hash against the one recorded at last analysis (spec.md §4.5.3).
func (s *Supervisor) specificationDrifted(p *project.Project) bool {
	data, err := os.ReadFile(p.Paths.SpecificationFile)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	return p.Tracking.SpecificationContentHash != "" && hash != p.Tracking.SpecificationContentHash
}

const planningSystemPrompt = `You are planning the implementation of one task. Respond with a single JSON object:
{
  "steps": [
    {"title": "...", "description": "...", "filesToCreate": ["..."], "filesToModify": ["..."]}
  ],
  "allowPlanModifications": true
}
Emit at least one step. Respond with JSON only, no surrounding prose.`

func (s *Supervisor) planTask(ctx context.Context, w *Worker, p *project.Project, t *task.Task) (*Plan, error) {
	if cached, ok := s.loadCachedPlan(p.ID, t.ID); ok && !cached.Done() {
		return cached, nil
	}

	planner := w.Provider
	if s.Planner != nil {
		if alt := s.Planner(p.ID, w.AgentType); alt != nil {
			planner = alt
		}
	}

	spec, err := os.ReadFile(p.Paths.SpecificationFile)
	if err != nil {
		return nil, err
	}

	insight := ""
	if s.Learning != nil {
		if ins := s.Learning.GetSimilarTaskInsights(t.Description, t.AgentType); ins != nil {
			insight = fmt.Sprintf("Historical insight for agent type %s: success rate %.0f%%, avg iterations/step %.1f, recurring blockers: %s",
				ins.AgentType, ins.SuccessRate*100, ins.AverageIterations, strings.Join(ins.RecurringBlockers, "; "))
		}
	}

	messages := []llmprovider.Message{
		llmprovider.Text(llmprovider.RoleUser, fmt.Sprintf("Specification:\n%s\n\nTask: %s\nArea: %s\n%s", spec, t.Description, t.Area, insight)),
	}
	result, err := planner.Send(ctx, messages, nil, llmprovider.Options{SystemInstruction: planningSystemPrompt})
	if err != nil {
		return nil, err
	}
	if result.StopReason == llmprovider.StopError {
		return nil, fmt.Errorf("planner error: %s", result.ErrorMessage)
	}

	var raw struct {
		Steps []struct {
			Title         string   `json:"title"`
			Description   string   `json:"description"`
			FilesToCreate []string `json:"filesToCreate"`
			FilesToModify []string `json:"filesToModify"`
		} `json:"steps"`
		AllowPlanModifications bool `json:"allowPlanModifications"`
	}
	text := extractJSONObject(llmprovider.TextOf(result.Content))
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(raw.Steps) == 0 {
		return nil, fmt.Errorf("planner returned an empty plan")
	}

	plan := &Plan{TaskID: t.ID, AllowPlanModifications: raw.AllowPlanModifications || s.Config.AllowPlanModifications}
	for _, st := range raw.Steps {
		plan.Steps = append(plan.Steps, &ImplementationStep{
			Title:         st.Title,
			Description:   st.Description,
			FilesToCreate: st.FilesToCreate,
			FilesToModify: st.FilesToModify,
			Status:        StepPending,
		})
	}
	return plan, nil
}

func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}

// runStep executes one plan step's tool loop, bounded by the per-step
// iteration budget (spec.md §4.5.2, §4.5.3). Returns ok=false only when
// the context was cancelled mid-step; failed=true means the step's
// budget was exhausted without completion and plan modification was not
// available or did not help.
func (s *Supervisor) runStep(ctx context.Context, w *Worker, p *project.Project, t *task.Task, plan *Plan, toolCtx ToolContext, deps string) (ok bool, failed bool) {
	step := plan.Current()
	step.Status = StepInProgress
	step.startedAt = time.Now()

	budget := s.Config.maxIterationsPerStep(len(plan.Steps))
	tools := toolsFor(w.AgentType, s.Tools)
	defs := make([]llmprovider.ToolDefinition, len(tools))
	for i, tl := range tools {
		defs[i] = tl.Definition()
	}

	systemPrompt := buildSystemPrompt(t, plan, deps, s.Config.maxPromptTokens())
	messages := []llmprovider.Message{llmprovider.Text(llmprovider.RoleUser, "Begin this step.")}

	// sinceReflection accumulates tool outcomes between reflect calls, fed
	// into the next reflection's ToolAnalysis derivation then reset.
	sinceReflection := &toolOutcomeAccumulator{}

	tb := defaultPromptBudget()
	var tokensIn, tokensOut int

	for iter := 0; iter < budget; iter++ {
		select {
		case <-ctx.Done():
			return false, false
		default:
		}

		w.touch()
		w.Iteration++
		step.IterationsUsed++

		tokensIn += tb.count(systemPrompt)
		for _, m := range messages {
			tokensIn += tb.count(llmprovider.TextOf(m.Blocks))
		}

		result, err := w.Provider.Send(ctx, messages, defs, llmprovider.Options{SystemInstruction: systemPrompt})
		if err != nil {
			s.log.Warn("provider send failed", "worker", w.ID, "error", err)
			continue
		}
		if result.StopReason == llmprovider.StopError {
			s.log.Warn("provider returned error", "worker", w.ID, "message", result.ErrorMessage)
			continue
		}

		assistantMsg := llmprovider.Message{Role: llmprovider.RoleAssistant, Blocks: result.Content}
		messages = append(messages, assistantMsg)
		tokensOut += tb.count(llmprovider.TextOf(result.Content))

		var toolResults []llmprovider.ContentBlock
		for _, use := range llmprovider.ToolUses(result.Content) {
			if use.Name == "reflect" {
				record := parseReflection(use.Input)
				record.ToolAnalysis = sinceReflection.analyze()
				sinceReflection.reset()
				s.handleReflection(w, p, t, step, record)
				toolResults = append(toolResults, llmprovider.ContentBlock{
					Type: llmprovider.BlockToolResult, ToolResultFor: use.ToolUseID, Content: "reflection recorded",
				})
				continue
			}
			content, toolErr := dispatchTool(ctx, tools, use.Name, toolCtx, use.Input)
			if toolErr != nil {
				sinceReflection.recordFailure(use.Name, toolErr)
				toolResults = append(toolResults, llmprovider.ContentBlock{
					Type: llmprovider.BlockToolResult, ToolResultFor: use.ToolUseID, Content: toolErr.Error(), IsError: true,
				})
				continue
			}
			sinceReflection.recordSuccess(use.Name)
			if use.Name == "write_file" || use.Name == "apply_patch" {
				if path, ok := use.Input["path"].(string); ok {
					w.recordWrite(path)
				}
			}
			toolResults = append(toolResults, llmprovider.ContentBlock{
				Type: llmprovider.BlockToolResult, ToolResultFor: use.ToolUseID, Content: content,
			})
		}
		if len(toolResults) > 0 {
			messages = append(messages, llmprovider.Message{Role: llmprovider.RoleTool, Blocks: toolResults})
		}

		noFiles := len(step.FilesToCreate) == 0 && len(step.FilesToModify) == 0
		if stepFilesSatisfied(toolCtx.Policy, step) || (noFiles && result.StopReason == llmprovider.StopEndTurn && stepExplicitlyDone(result.Content)) {
			if result.StopReason != llmprovider.StopEndTurn || !stepExplicitlyDone(result.Content) {
				s.log.Info("auto-advancing step", "worker", w.ID, "step", step.Title)
			}
			step.Status = StepDone
			step.Metrics = StepMetrics{IterationsUsed: step.IterationsUsed, WallTime: time.Since(step.startedAt), EstimatedTokensIn: tokensIn, EstimatedTokensOut: tokensOut, Success: true}
			return true, false
		}

		if result.StopReason == llmprovider.StopEndTurn && len(llmprovider.ToolUses(result.Content)) == 0 {
			messages = append(messages, llmprovider.Text(llmprovider.RoleUser, "Continue working this step, or call reflect if you are blocked."))
		}
	}

	// Budget exhausted without completion.
	step.Metrics = StepMetrics{IterationsUsed: step.IterationsUsed, WallTime: time.Since(step.startedAt), EstimatedTokensIn: tokensIn, EstimatedTokensOut: tokensOut, Success: false}
	if plan.AllowPlanModifications {
		step.Status = StepSkipped
		s.log.Warn("step budget exhausted, skipping via plan modification", "worker", w.ID, "step", step.Title)
		return true, false
	}
	step.Status = StepDone // leave visible in history; failure surfaces via the `failed` return
	return true, true
}

func stepExplicitlyDone(blocks []llmprovider.ContentBlock) bool {
	text := strings.ToLower(llmprovider.TextOf(blocks))
	return strings.Contains(text, "step complete") || strings.Contains(text, "step done")
}

// stepFilesSatisfied validates step completion per spec.md §4.5.3: every
// declared filesToCreate exists and every declared filesToModify has been
// written since the step started. A step declaring no files at all is
// never auto-advanced on file evidence alone; the model must say so
// explicitly (see stepExplicitlyDone) or the step runs to its iteration
// budget.
func stepFilesSatisfied(policy sandbox.Policy, step *ImplementationStep) bool {
	if len(step.FilesToCreate) == 0 && len(step.FilesToModify) == 0 {
		return false
	}
	for _, rel := range step.FilesToCreate {
		if !fileExists(policy, rel) {
			return false
		}
	}
	for _, rel := range step.FilesToModify {
		info, ok := fileInfo(policy, rel)
		if !ok {
			return false
		}
		if !step.startedAt.IsZero() && info.ModTime().Before(step.startedAt) {
			return false
		}
	}
	return true
}

func fileExists(policy sandbox.Policy, rel string) bool {
	_, ok := fileInfo(policy, rel)
	return ok
}

func fileInfo(policy sandbox.Policy, rel string) (os.FileInfo, bool) {
	resolved, err := sandbox.ResolvePath(policy, rel)
	if err != nil {
		return nil, false
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, false
	}
	return info, true
}

func toolsFor(agentType analyzer.AgentType, all []Tool) []Tool {
	var out []Tool
	for _, tl := range all {
		perm := toolPermission(tl.Name())
		if perm != "" && analyzer.Allows(agentType, perm) {
			out = append(out, tl)
		}
	}
	return out
}

func toolPermission(toolName string) analyzer.ToolPermission {
	switch toolName {
	case "read_file":
		return analyzer.PermReadFile
	case "write_file":
		return analyzer.PermWriteFile
	case "search":
		return analyzer.PermSearch
	case "run_command":
		return analyzer.PermRunCommand
	case "apply_patch":
		return analyzer.PermApplyPatch
	default:
		return ""
	}
}

func dispatchTool(ctx context.Context, tools []Tool, name string, tc ToolContext, args map[string]any) (string, error) {
	for _, tl := range tools {
		if tl.Name() == name {
			return tl.Call(ctx, tc, args)
		}
	}
	return "", fmt.Errorf("tool %q is not permitted for this agent type", name)
}

func parseReflection(input map[string]any) ReflectionRecord {
	r := ReflectionRecord{At: time.Now(), Decision: DecisionContinue}
	if v, ok := input["progressPercent"].(float64); ok {
		r.ProgressPercent = int(v)
	}
	if v, ok := input["confidence"].(float64); ok {
		r.Confidence = int(v)
	}
	if v, ok := input["decision"].(string); ok {
		r.Decision = Decision(v)
	}
	if v, ok := input["notes"].(string); ok {
		r.Notes = v
	}
	if v, ok := input["blockers"].([]any); ok {
		for _, b := range v {
			if s, ok := b.(string); ok {
				r.Blockers = append(r.Blockers, s)
			}
		}
	}
	if v, ok := input["filesDone"].([]any); ok {
		for _, f := range v {
			if s, ok := f.(string); ok {
				r.FilesDone = append(r.FilesDone, s)
			}
		}
	}
	return r
}

// toolOutcomeAccumulator tracks tool call outcomes between reflect calls,
// analyzed heuristically at reflection time: the authoritative signal is
// simply whether dispatchTool returned an error, not string-matching the
// tool's output.
type toolOutcomeAccumulator struct {
	successful []string
	failed     []string
	errors     []string
}

func (a *toolOutcomeAccumulator) recordSuccess(name string) {
	a.successful = append(a.successful, name)
}

func (a *toolOutcomeAccumulator) recordFailure(name string, err error) {
	a.failed = append(a.failed, name)
	a.errors = append(a.errors, err.Error())
}

func (a *toolOutcomeAccumulator) reset() {
	a.successful, a.failed, a.errors = nil, nil, nil
}

func (a *toolOutcomeAccumulator) analyze() *ToolOutcomeAnalysis {
	if len(a.successful) == 0 && len(a.failed) == 0 {
		return nil
	}
	total := len(a.successful) + len(a.failed)
	analysis := &ToolOutcomeAnalysis{
		SuccessfulTools: a.successful,
		FailedTools:     a.failed,
		CriticalErrors:  a.errors,
		Confidence:      1.0,
		Recommendation:  "continue",
	}
	if len(a.failed) > 0 {
		failureRate := float64(len(a.failed)) / float64(total)
		analysis.Confidence = 1.0 - failureRate*0.5
		switch {
		case failureRate > 0.5:
			analysis.ShouldPivot = true
			analysis.Recommendation = "pivot_approach"
		default:
			analysis.Recommendation = "retry_failed"
		}
	}
	return analysis
}

// applyToolAnalysis folds a ToolOutcomeAnalysis into the record's
// notes/blockers when the worker's own reflect call left them empty,
// rather than overriding whatever the worker explicitly reported.
func applyToolAnalysis(r *ReflectionRecord) {
	if r.ToolAnalysis == nil {
		return
	}
	if len(r.Blockers) == 0 && len(r.ToolAnalysis.FailedTools) > 0 {
		r.Blockers = append(r.Blockers, r.ToolAnalysis.FailedTools...)
	}
	if r.Notes == "" && len(r.ToolAnalysis.CriticalErrors) > 0 {
		r.Notes = strings.Join(r.ToolAnalysis.CriticalErrors, "; ")
	}
	if r.ToolAnalysis.ShouldPivot && r.Decision == DecisionContinue {
		r.Decision = DecisionPivot
	}
}

func (s *Supervisor) handleReflection(w *Worker, p *project.Project, t *task.Task, step *ImplementationStep, r ReflectionRecord) {
	applyToolAnalysis(&r)
	step.ReflectionHistory = append(step.ReflectionHistory, r)
	w.recordReflection(r)
	w.touch()

	if s.Learning != nil {
		s.Learning.RecordStepCompletion(p.ID, t.AgentType, r.Decision != DecisionEscalate, time.Since(step.startedAt), step.IterationsUsed, r.Blockers)
	}

	if tooManyBlockers(r) {
		s.killStuckWorker(w, "single reflection reported too many blockers")
		return
	}

	threshold := s.Config.lowConfidenceThreshold()
	if r.Confidence < threshold || r.Decision == DecisionEscalate {
		s.publishReflectionEvent(ReflectionEvent{
			WorkerID: w.ID, ProjectID: p.ID, TaskID: t.ID,
			Kind: interventionKindFor(r), Record: r, At: time.Now(),
		})
	}
}

func interventionKindFor(r ReflectionRecord) InterventionKind {
	if r.Decision == DecisionEscalate {
		return InterventionEscalation
	}
	return InterventionLowConfidence
}

func (s *Supervisor) failTask(projectID, taskID string, err error) {
	s.log.Warn("task failed", "project", projectID, "task", taskID, "error", err)
	t, getErr := s.Tracker.Get(projectID, taskID)
	if getErr != nil {
		return
	}
	cp := *t
	cp.Status = task.StatusFailed
	cp.LastError = err.Error()
	cp.LastErrorCategory = task.ErrorCategoryUnknown
	now := time.Now()
	cp.LastFailedAt = &now
	cp.RetryCount++
	if updErr := s.Tracker.Update(&cp); updErr != nil {
		s.log.Error("failed to persist task failure", "task", taskID, "error", updErr)
	}
}

func (s *Supervisor) completeTask(p *project.Project, t *task.Task, plan *Plan) {
	var outputs []string
	for _, step := range plan.Steps {
		outputs = append(outputs, step.FilesToCreate...)
		outputs = append(outputs, step.FilesToModify...)
	}

	cur, err := s.Tracker.Get(p.ID, t.ID)
	if err != nil {
		return
	}
	cp := *cur
	cp.Status = task.StatusDone
	cp.OutputFiles = dedupe(outputs)
	if err := s.Tracker.Update(&cp); err != nil {
		s.log.Error("failed to persist task completion", "task", t.ID, "error", err)
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// dependencyOutputManifests renders the files each Done dependency
// produced, for the progressive-detail-reveal prompt (spec.md §4.5.3).
func (s *Supervisor) dependencyOutputManifests(projectID string, t *task.Task) string {
	if len(t.Dependencies) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Dependency output files:\n")
	for _, depID := range t.Dependencies {
		dep, err := s.Tracker.Get(projectID, depID)
		if err != nil {
			continue
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", dep.Description, strings.Join(dep.OutputFiles, ", ")))
	}
	return b.String()
}

// buildSystemPrompt applies progressive detail reveal (spec.md §4.5.3):
// full detail for the current step, title+description for the next two,
// titles only beyond that. If the assembled prompt still exceeds
// maxTokens, every future-step preview (the next two steps' descriptions
// and the later titles alike) is dropped first and, if that alone isn't
// enough, the dependency manifests follow — the current step's own detail
// is never trimmed.
func buildSystemPrompt(t *task.Task, plan *Plan, depManifests string, maxTokens int) string {
	budget := defaultPromptBudget()

	render := func(includeDeps, includeFuture bool) string {
		var b strings.Builder
		fmt.Fprintf(&b, "Task: %s\nArea: %s\n\n", t.Description, t.Area)
		if includeDeps && depManifests != "" {
			b.WriteString(depManifests)
			b.WriteString("\n")
		}

		cur := plan.Current()
		fmt.Fprintf(&b, "Current step: %s\n%s\nFiles to create: %s\nFiles to modify: %s\n\n",
			cur.Title, cur.Description, strings.Join(cur.FilesToCreate, ", "), strings.Join(cur.FilesToModify, ", "))

		if includeFuture {
			for i := plan.CurrentStep + 1; i < len(plan.Steps); i++ {
				step := plan.Steps[i]
				switch {
				case i <= plan.CurrentStep+2:
					fmt.Fprintf(&b, "Upcoming step: %s - %s\n", step.Title, step.Description)
				default:
					fmt.Fprintf(&b, "Later step: %s\n", step.Title)
				}
			}
		}

		b.WriteString("\nUse the reflect tool every few iterations to report progress, blockers, and confidence (0-100).")
		return b.String()
	}

	full := render(true, true)
	if budget.fits(full, maxTokens) {
		return full
	}
	trimmed := render(true, false)
	if budget.fits(trimmed, maxTokens) {
		return trimmed
	}
	return render(false, false)
}

// planDir is kobold-plans/ under the project root (spec.md §6.3).
func planDir(p *project.Project) string {
	return filepath.Join(p.Paths.Root, "kobold-plans")
}

func planPath(p *project.Project, taskID string) string {
	return filepath.Join(planDir(p), taskID+"-plan.json")
}

func planMarkdownPath(p *project.Project, taskID string) string {
	return filepath.Join(planDir(p), taskID+"-plan.md")
}

func planIndexPath(p *project.Project) string {
	return filepath.Join(planDir(p), "plan-index.json")
}

// planIndexEntry is one row of plan-index.json: a human-scannable summary
// of a persisted plan without having to open its full JSON.
type planIndexEntry struct {
	TaskID      string    `json:"taskId"`
	StepCount   int       `json:"stepCount"`
	CurrentStep int       `json:"currentStep"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// renderPlanMarkdown is kobold-plans/{id}-plan.md: a human-readable mirror
// of the JSON plan, read by an operator without needing to parse JSON.
func renderPlanMarkdown(plan *Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan for task %s\n\n", plan.TaskID)
	for i, step := range plan.Steps {
		marker := "- [ ]"
		if step.Status == StepDone {
			marker = "- [x]"
		}
		current := ""
		if i == plan.CurrentStep {
			current = " (current)"
		}
		fmt.Fprintf(&b, "%s **%s**%s\n", marker, step.Title, current)
		if step.Description != "" {
			fmt.Fprintf(&b, "  %s\n", step.Description)
		}
		for _, f := range step.FilesToCreate {
			fmt.Fprintf(&b, "  - create: %s\n", f)
		}
		for _, f := range step.FilesToModify {
			fmt.Fprintf(&b, "  - modify: %s\n", f)
		}
	}
	return b.String()
}

func (s *Supervisor) savePlan(p *project.Project, plan *Plan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(planPath(p, plan.TaskID), data); err != nil {
		return err
	}
	if err := writeAtomic(planMarkdownPath(p, plan.TaskID), []byte(renderPlanMarkdown(plan))); err != nil {
		return err
	}
	return s.updatePlanIndex(p, plan)
}

// updatePlanIndex merges plan's summary row into plan-index.json,
// read-modify-write, atomically.
func (s *Supervisor) updatePlanIndex(p *project.Project, plan *Plan) error {
	index := make(map[string]planIndexEntry)
	if data, err := os.ReadFile(planIndexPath(p)); err == nil {
		_ = json.Unmarshal(data, &index)
	}
	index[plan.TaskID] = planIndexEntry{
		TaskID:      plan.TaskID,
		StepCount:   len(plan.Steps),
		CurrentStep: plan.CurrentStep,
		UpdatedAt:   time.Now(),
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(planIndexPath(p), data)
}

// loadCachedPlan loads a previously persisted plan for taskID, looking
// projectID up in the registry to find the project's plan directory. Used
// both by the scheduler (to anticipate file claims before a worker
// exists) and by planTask (to resume a partially executed plan).
func (s *Supervisor) loadCachedPlan(projectID, taskID string) (*Plan, bool) {
	p, err := s.Registry.Get(projectID)
	if err != nil {
		return nil, false
	}
	data, err := os.ReadFile(planPath(p, taskID))
	if err != nil {
		return nil, false
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, false
	}
	return &plan, true
}

func (s *Supervisor) reclaimPlanPaths(plan *Plan, w *Worker) {
	placeholder := anticipatedClaimWorkerID(w.TaskID)
	for _, step := range plan.Steps {
		for _, path := range append(append([]string{}, step.FilesToCreate...), step.FilesToModify...) {
			s.Claims.Release(path, placeholder)
			s.Claims.TryClaim(path, w.ID, w.TaskID)
		}
	}
}
