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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := NewRegistry(filepath.Join(dir, "projects.json"))
	require.NoError(t, err)
	return r
}

func TestRegistry_CreateGetRoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	p, err := r.Create(NewProjectInput{Name: "demo", Root: t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, StatusNew, p.Status)
	require.Equal(t, ExecutionRunning, p.ExecutionState)

	got, err := r.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, p.Name, got.Name)

	// Round-trip through a fresh registry backed by the same file
	// (invariant 7, spec.md §8).
	r2, err := NewRegistry(r.path)
	require.NoError(t, err)
	got2, err := r2.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, got.ID, got2.ID)
	require.Equal(t, got.Status, got2.Status)
}

func TestRegistry_LegacyStatusAliasNormalized(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Create(NewProjectInput{Name: "legacy", Root: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, r.SetStatus(p.ID, statusWyvernAssignedLegacy))

	got, err := r.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusWyrmAssigned, got.Status)
}

func TestRegistry_ExecutionStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    ExecutionState
		to      ExecutionState
		wantErr bool
	}{
		{"running to paused", ExecutionRunning, ExecutionPaused, false},
		{"paused to running", ExecutionPaused, ExecutionRunning, false},
		{"running to suspended", ExecutionRunning, ExecutionSuspended, false},
		{"suspended to running", ExecutionSuspended, ExecutionRunning, false},
		{"running to cancelled", ExecutionRunning, ExecutionCancelled, false},
		{"paused to cancelled", ExecutionPaused, ExecutionCancelled, false},
		{"cancelled is terminal", ExecutionCancelled, ExecutionRunning, true},
		{"suspended to suspended is allowed", ExecutionSuspended, ExecutionSuspended, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			p, err := r.Create(NewProjectInput{Name: "x", Root: t.TempDir()})
			require.NoError(t, err)
			require.NoError(t, r.SetExecutionState(p.ID, tt.from))

			err = r.SetExecutionState(p.ID, tt.to)
			if tt.wantErr {
				require.Error(t, err)
				var transErr *ErrInvalidTransition
				require.ErrorAs(t, err, &transErr)
			} else {
				require.NoError(t, err)
				got, err := r.Get(p.ID)
				require.NoError(t, err)
				require.Equal(t, tt.to, got.ExecutionState)
			}
		})
	}
}

func TestRegistry_CancelledNeverTransitionsAgain(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Create(NewProjectInput{Name: "x", Root: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, r.SetExecutionState(p.ID, ExecutionCancelled))

	for _, target := range []ExecutionState{ExecutionRunning, ExecutionPaused, ExecutionSuspended} {
		err := r.SetExecutionState(p.ID, target)
		require.Error(t, err)
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("missing")
	require.Error(t, err)
	var notFound *ErrNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestRegistry_Delete(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Create(NewProjectInput{Name: "x", Root: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, r.Delete(p.ID))
	_, err = r.Get(p.ID)
	require.Error(t, err)
}
