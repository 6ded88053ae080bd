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
)

// InterventionKind classifies why the reasoning monitor flagged a
// reflection (spec.md §4.5.5).
type InterventionKind string

const (
	InterventionLowConfidence InterventionKind = "low_confidence"
	InterventionStuck         InterventionKind = "stuck"
	InterventionEscalation    InterventionKind = "escalation"
)

// ReflectionEvent is one advisory signal the reasoning monitor publishes
// after observing a worker's reflection stream out-of-band. It is never
// written directly to task or project state, and the Supervisor's
// scheduling tick does not read it; only the reasoning monitor consumes it.
type ReflectionEvent struct {
	WorkerID  string
	ProjectID string
	TaskID    string
	Kind      InterventionKind
	Record    ReflectionRecord
	At        time.Time
}

// publishReflectionEvent enqueues ev without blocking the worker's tool
// loop. The channel is generously buffered (NewSupervisor); a full buffer
// means the monitor has fallen far behind, and dropping the event here is
// preferable to stalling execution over an advisory signal.
func (s *Supervisor) publishReflectionEvent(ev ReflectionEvent) {
	select {
	case s.Reflections <- ev:
	default:
		s.log.Warn("reflection event dropped, monitor channel full", "worker", ev.WorkerID, "kind", ev.Kind)
	}
}

// Intervention is a resolved recommendation the reasoning monitor hands
// back to whatever is watching Interventions: which project/task needs
// supervisor attention and why. The supervisor itself does not read this
// advisory channel; cmd/orchestrator drains it and logs each entry.
type Intervention struct {
	ProjectID string
	TaskID    string
	WorkerID  string
	Kind      InterventionKind
	Reason    string
	At        time.Time
}

// RunReflectionMonitor consumes the Reflections stream and republishes
// resolved Intervention advisories on out, until ctx is cancelled or the
// Reflections channel is closed. It never mutates task or project state
// itself (spec.md §4.5.5: "advisory only").
func (s *Supervisor) RunReflectionMonitor(ctx context.Context, out chan<- Intervention) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.Reflections:
			if !ok {
				return
			}
			intervention := Intervention{
				ProjectID: ev.ProjectID,
				TaskID:    ev.TaskID,
				WorkerID:  ev.WorkerID,
				Kind:      ev.Kind,
				Reason:    reasonFor(ev),
				At:        ev.At,
			}
			select {
			case out <- intervention:
			case <-ctx.Done():
				return
			default:
				s.log.Warn("intervention advisory dropped, consumer channel full", "worker", ev.WorkerID, "kind", ev.Kind)
			}
		}
	}
}

func reasonFor(ev ReflectionEvent) string {
	switch ev.Kind {
	case InterventionEscalation:
		return "worker reflection recommended escalation: " + ev.Record.Notes
	case InterventionLowConfidence:
		return "worker confidence below threshold"
	default:
		return "worker reflection flagged for review"
	}
}
