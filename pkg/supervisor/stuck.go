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
	"time"

	"github.com/specforge/orchestrator/pkg/task"
)

// StuckMonitorCadence is the stuck-worker monitor's tick interval
// (spec.md §4.5.4).
const StuckMonitorCadence = 60 * time.Second

// maxRepeatedWrites and reflectionStallRounds and confidenceDropPoints and
// maxBlockersPerReflection are the fixed thresholds spec.md §4.5.4 names
// directly, distinct from the configurable Config.stuckTimeout.
const (
	maxRepeatedWrites        = 5
	reflectionStallRounds    = 3
	confidenceDropPoints     = 20
	maxBlockersPerReflection = 3
)

// RunStuckMonitor blocks, ticking every StuckMonitorCadence until ctx is
// cancelled, killing any worker it judges stuck.
func (s *Supervisor) RunStuckMonitor(ctx context.Context) {
	ticker := time.NewTicker(StuckMonitorCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.stuckTick()
		}
	}
}

func (s *Supervisor) stuckTick() {
	for _, w := range s.Workers() {
		if reason, stuck := s.isStuck(w); stuck {
			s.killStuckWorker(w, reason)
		}
	}
}

// isStuck applies every criterion of spec.md §4.5.4, returning the first
// one that matches.
func (s *Supervisor) isStuck(w *Worker) (string, bool) {
	if w.State == WorkerCompleted || w.State == WorkerFailed || w.State == WorkerStuck {
		return "", false
	}

	if time.Since(w.heartbeat()) > s.Config.stuckTimeout() {
		return "no tool call or reflection within the heartbeat timeout", true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for path, count := range w.writeCounts {
		if count >= maxRepeatedWrites {
			return "same file path written repeatedly with no step advancement: " + path, true
		}
	}

	if len(w.lastProgress) >= reflectionStallRounds {
		first := w.lastProgress[len(w.lastProgress)-reflectionStallRounds]
		stalled := true
		for _, p := range w.lastProgress[len(w.lastProgress)-reflectionStallRounds:] {
			if p != first {
				stalled = false
				break
			}
		}
		if stalled {
			return "progress percent unchanged across consecutive reflections", true
		}
	}

	if len(w.lastConfidence) >= reflectionStallRounds {
		window := w.lastConfidence[len(w.lastConfidence)-reflectionStallRounds:]
		drop := window[0] - window[len(window)-1]
		if drop >= confidenceDropPoints {
			return "confidence dropped sharply across recent reflections", true
		}
	}

	return "", false
}

// killStuckWorker cancels w, resets its task to Unassigned with an
// incremented retry count, and releases its claims and slot (spec.md
// §4.5.4). Task.Tracker.ResetForRetry is reserved for the Done->Unassigned
// invariant-iii path and zeroes RetryCount; a stuck kill instead applies a
// plain Update that increments it, since the task here is Working, not
// Done.
func (s *Supervisor) killStuckWorker(w *Worker, reason string) {
	s.log.Warn("killing stuck worker", "worker", w.ID, "task", w.TaskID, "reason", reason)
	w.State = WorkerStuck

	if t, err := s.Tracker.Get(w.ProjectID, w.TaskID); err == nil {
		cp := *t
		cp.Status = task.StatusUnassigned
		cp.RetryCount++
		cp.LastErrorCategory = task.ErrorCategoryTransient
		cp.LastError = reason
		cp.AppendNote("worker " + w.ID + " killed as stuck: " + reason)
		if err := s.Tracker.Update(&cp); err != nil {
			s.log.Error("failed to reset stuck task", "task", w.TaskID, "error", err)
		}
	}

	s.cancelWorker(w)
}

// tooManyBlockers reports whether a single reflection named at least
// maxBlockersPerReflection blockers (spec.md §4.5.4's fifth criterion),
// checked inline by handleReflection rather than the polling monitor since
// it is evaluated on a single record, not a rolling window.
func tooManyBlockers(r ReflectionRecord) bool {
	return len(r.Blockers) >= maxBlockersPerReflection
}
