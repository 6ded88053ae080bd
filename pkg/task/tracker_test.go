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

package task

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	root := t.TempDir()
	dirFn := func(projectID string) (string, error) {
		return filepath.Join(root, projectID, "tasks"), nil
	}
	return NewTracker(dirFn), root
}

func TestTracker_ListReady_DependencyOrdering(t *testing.T) {
	tr, _ := newTestTracker(t)

	require.NoError(t, tr.Add(&Task{ID: "A", ProjectID: "p1", Status: StatusUnassigned, Priority: PriorityNormal}))
	require.NoError(t, tr.Add(&Task{ID: "B", ProjectID: "p1", Status: StatusUnassigned, Priority: PriorityNormal, Dependencies: []string{"A"}}))

	ready := tr.ListReady("p1")
	require.Len(t, ready, 1)
	require.Equal(t, "A", ready[0].ID)

	a, err := tr.Get("p1", "A")
	require.NoError(t, err)
	a.Status = StatusDone
	a.OutputFiles = []string{"src/a.go"}
	require.NoError(t, tr.Update(a))

	ready = tr.ListReady("p1")
	require.Len(t, ready, 1)
	require.Equal(t, "B", ready[0].ID)
}

func TestTracker_ListReady_PriorityTieBreak(t *testing.T) {
	tr, _ := newTestTracker(t)

	require.NoError(t, tr.Add(&Task{ID: "H1", ProjectID: "p1", Priority: PriorityHigh}))
	require.NoError(t, tr.Add(&Task{ID: "H2", ProjectID: "p1", Priority: PriorityHigh}))
	require.NoError(t, tr.Add(&Task{ID: "N1", ProjectID: "p1", Priority: PriorityNormal}))
	require.NoError(t, tr.Add(&Task{ID: "L1", ProjectID: "p1", Priority: PriorityLow}))

	ready := tr.ListReady("p1")
	require.Len(t, ready, 4)
	require.Equal(t, []string{"H1", "H2", "N1", "L1"}, []string{ready[0].ID, ready[1].ID, ready[2].ID, ready[3].ID})
}

func TestTracker_DoneIsMonotonicExceptExplicitRetry(t *testing.T) {
	tr, _ := newTestTracker(t)
	require.NoError(t, tr.Add(&Task{ID: "A", ProjectID: "p1"}))

	a, err := tr.Get("p1", "A")
	require.NoError(t, err)
	a.Status = StatusDone
	a.OutputFiles = []string{"out.go"}
	require.NoError(t, tr.Update(a))

	regressed, err := tr.Get("p1", "A")
	require.NoError(t, err)
	regressed.Status = StatusUnassigned
	err = tr.Update(regressed)
	require.Error(t, err)

	require.NoError(t, tr.ResetForRetry("p1", "A"))
	reset, err := tr.Get("p1", "A")
	require.NoError(t, err)
	require.Equal(t, StatusUnassigned, reset.Status)
	require.Equal(t, 0, reset.RetryCount)
	require.Empty(t, reset.OutputFiles)
}

func TestTracker_SpecificationVersionNeverChanges(t *testing.T) {
	tr, _ := newTestTracker(t)
	require.NoError(t, tr.Add(&Task{ID: "A", ProjectID: "p1", SpecificationVersion: 3}))

	a, err := tr.Get("p1", "A")
	require.NoError(t, err)
	a.SpecificationVersion = 99
	require.NoError(t, tr.Update(a))

	got, err := tr.Get("p1", "A")
	require.NoError(t, err)
	require.Equal(t, 3, got.SpecificationVersion)
}

func TestTracker_NextRetryAtDefersReadiness(t *testing.T) {
	tr, _ := newTestTracker(t)
	future := time.Now().Add(time.Hour)
	require.NoError(t, tr.Add(&Task{ID: "A", ProjectID: "p1", NextRetryAt: &future}))

	require.Empty(t, tr.ListReady("p1"))
}

func TestTracker_FlushWritesSidecarAndMarkdown(t *testing.T) {
	tr, root := newTestTracker(t)
	require.NoError(t, tr.Add(&Task{ID: "A", ProjectID: "p1", Area: "backend", Description: "build the thing"}))

	require.NoError(t, tr.Flush("p1"))

	dir := filepath.Join(root, "p1", "tasks")
	_, err := os.Stat(sidecarPath(dir))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "backend-tasks.md"))
	require.NoError(t, err)
}

func TestTracker_LoadRoundTrip(t *testing.T) {
	tr, _ := newTestTracker(t)
	require.NoError(t, tr.Add(&Task{ID: "A", ProjectID: "p1", Area: "backend"}))
	require.NoError(t, tr.Flush("p1"))

	tr2 := NewTracker(tr.tasksDir)
	require.NoError(t, tr2.Load("p1"))

	got, err := tr2.Get("p1", "A")
	require.NoError(t, err)
	require.Equal(t, "A", got.ID)
}
