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
	"fmt"
	"strings"

	"github.com/specforge/orchestrator/pkg/project"
	"github.com/specforge/orchestrator/pkg/task"
)

// Warden handles configuration queries, execution-control
// (pause/resume/suspend/cancel), manual priority override, and retry
// dispatch for permanently failed tasks — the four responsibilities the
// Recovery service (pkg/recovery) itself never performs automatically.
type Warden struct {
	Registry *project.Registry
	Tracker  *task.Tracker
}

func (Warden) name() string { return "Warden" }

func (w *Warden) handle(_ context.Context, p *project.Project, _ *Session, turn UserTurn) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(turn.Message))

	switch {
	case strings.Contains(lower, "pause"):
		return w.transition(p, project.ExecutionPaused)
	case strings.Contains(lower, "resume"):
		return w.transition(p, project.ExecutionRunning)
	case strings.Contains(lower, "suspend"):
		return w.transition(p, project.ExecutionSuspended)
	case strings.Contains(lower, "cancel"):
		return w.transition(p, project.ExecutionCancelled)
	case strings.Contains(lower, "retry"):
		return w.retry(p, turn.Message)
	case strings.Contains(lower, "priority"):
		return w.setPriority(p, turn.Message)
	default:
		return fmt.Sprintf("Project %s: status=%s executionState=%s sandbox=%s",
			p.Name, p.Status, p.ExecutionState, p.Security.Mode), nil
	}
}

func (w *Warden) transition(p *project.Project, to project.ExecutionState) (string, error) {
	from := p.ExecutionState
	if !project.CanTransition(from, to) {
		return "", &project.ErrInvalidTransition{From: from, To: to}
	}
	if err := w.Registry.SetExecutionState(p.ID, to); err != nil {
		return "", err
	}
	return fmt.Sprintf("Execution state for %s moved %s -> %s.", p.Name, from, to), nil
}

// retry resets a named task (or, with no task named, every task in
// Failed status) back to Unassigned, clearing its retry count. This is the
// explicit user intervention spec.md's retry policy requires once a task's
// retryCount has exhausted the automatic backoff schedule the Recovery
// service drives.
func (w *Warden) retry(p *project.Project, message string) (string, error) {
	if taskID := extractAfterKeyword(message, "retry"); taskID != "" && !strings.EqualFold(taskID, "failed") && !strings.EqualFold(taskID, "all") {
		if err := w.Tracker.ResetForRetry(p.ID, taskID); err != nil {
			return "", err
		}
		return fmt.Sprintf("Task %s reset to Unassigned for retry.", taskID), nil
	}

	failed := w.Tracker.ListFailed(p.ID)
	if len(failed) == 0 {
		return "No failed tasks to retry.", nil
	}
	var retried []string
	for _, t := range failed {
		if err := w.Tracker.ResetForRetry(p.ID, t.ID); err != nil {
			continue
		}
		retried = append(retried, t.ID)
	}
	if len(retried) == 0 {
		return "", fmt.Errorf("failed to reset any of %d failed task(s) for retry", len(failed))
	}
	return fmt.Sprintf("Reset %d failed task(s) for retry: %s", len(retried), strings.Join(retried, ", ")), nil
}

func (w *Warden) setPriority(p *project.Project, message string) (string, error) {
	taskID, rawPriority := extractPriorityArguments(message)
	if taskID == "" || rawPriority == "" {
		return "", fmt.Errorf("say e.g. \"set priority of task-123 to High\"")
	}
	priority, ok := parsePriority(rawPriority)
	if !ok {
		return "", fmt.Errorf("unknown priority %q; use Critical, High, Normal, or Low", rawPriority)
	}

	t, err := w.Tracker.Get(p.ID, taskID)
	if err != nil {
		return "", err
	}
	t.Priority = priority
	if err := w.Tracker.Update(t); err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %s priority set to %s; dependencies still dominate, so this takes effect on the next scheduling round.", taskID, priority), nil
}

func parsePriority(s string) (task.Priority, bool) {
	switch strings.ToLower(s) {
	case "critical":
		return task.PriorityCritical, true
	case "high":
		return task.PriorityHigh, true
	case "normal":
		return task.PriorityNormal, true
	case "low":
		return task.PriorityLow, true
	default:
		return "", false
	}
}

// extractPriorityArguments pulls "<taskID> ... <priority>" out of a
// message shaped like "set priority of task-123 to High" or "priority
// task-123 high".
func extractPriorityArguments(message string) (taskID, priority string) {
	fields := strings.Fields(message)
	for i, f := range fields {
		if !strings.EqualFold(f, "priority") {
			continue
		}
		rest := fields[i+1:]
		for len(rest) > 0 && (strings.EqualFold(rest[0], "of") || strings.EqualFold(rest[0], "for")) {
			rest = rest[1:]
		}
		if len(rest) == 0 {
			return "", ""
		}
		taskID = rest[0]
		rest = rest[1:]
		for len(rest) > 0 && (strings.EqualFold(rest[0], "to") || strings.EqualFold(rest[0], "as")) {
			rest = rest[1:]
		}
		if len(rest) > 0 {
			priority = rest[0]
		}
		return taskID, priority
	}
	return "", ""
}
