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

// Package planning implements the Shared Planning Context (C6):
// cross-worker file-claim coordination and the cross-project learning
// cache that seeds planner reasoning.
package planning

import (
	"log/slog"
	"sync"
	"time"
)

// Claim is a soft reservation on a file path held by a live worker
// (spec.md §3).
type Claim struct {
	FilePath  string    `json:"filePath"`
	WorkerID  string    `json:"workerId"`
	TaskID    string    `json:"taskId"`
	ClaimedAt time.Time `json:"claimedAt"`
}

// ClaimStore is the concurrent file-claim dictionary (spec.md §5
// "shared-resource policy": the file-claim map is a concurrent
// dictionary). Claims are soft: a tool may still write a path it never
// claimed, which is permitted but logged — LLM-generated plans are
// incomplete by nature, per spec.md §4.6.
type ClaimStore struct {
	mu      sync.Mutex
	claims  map[string]*Claim            // filePath -> Claim
	byOwner map[string]map[string]bool   // workerID -> set of filePaths held
	log     *slog.Logger
}

// NewClaimStore constructs an empty claim store.
func NewClaimStore() *ClaimStore {
	return &ClaimStore{
		claims:  make(map[string]*Claim),
		byOwner: make(map[string]map[string]bool),
		log:     slog.Default().With("component", "planning.ClaimStore"),
	}
}

// TryClaim attempts to reserve filePath for (workerID, taskID). If the
// path is already held by a different worker, it returns ok=false and the
// existing claim so the caller (the scheduler) can defer this round
// (spec.md §4.5.1 step 5, scenario S4). Claiming a path already held by
// the same worker is idempotent.
func (s *ClaimStore) TryClaim(filePath, workerID, taskID string) (ok bool, existing *Claim) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, held := s.claims[filePath]; held {
		if c.WorkerID == workerID {
			return true, nil
		}
		cp := *c
		return false, &cp
	}

	c := &Claim{FilePath: filePath, WorkerID: workerID, TaskID: taskID, ClaimedAt: time.Now()}
	s.claims[filePath] = c
	if s.byOwner[workerID] == nil {
		s.byOwner[workerID] = make(map[string]bool)
	}
	s.byOwner[workerID][filePath] = true
	return true, nil
}

// Release drops a single claim, if held by workerID.
func (s *ClaimStore) Release(filePath, workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(filePath, workerID)
}

func (s *ClaimStore) releaseLocked(filePath, workerID string) {
	c, held := s.claims[filePath]
	if !held || c.WorkerID != workerID {
		return
	}
	delete(s.claims, filePath)
	delete(s.byOwner[workerID], filePath)
	if len(s.byOwner[workerID]) == 0 {
		delete(s.byOwner, workerID)
	}
}

// ReleaseAll drops every claim held by workerID, called on worker exit
// (completion, failure, cancellation, or stuck-kill; spec.md §4.6).
func (s *ClaimStore) ReleaseAll(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for filePath := range s.byOwner[workerID] {
		delete(s.claims, filePath)
	}
	delete(s.byOwner, workerID)
}

// Holder returns the worker currently holding filePath, if any.
func (s *ClaimStore) Holder(filePath string) (workerID string, held bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[filePath]
	if !ok {
		return "", false
	}
	return c.WorkerID, true
}

// LogOutOfBandWrite records a tool write to a path the calling worker
// never claimed. It is intentionally permissive (spec.md §4.6): it only
// logs, it never blocks the write.
func (s *ClaimStore) LogOutOfBandWrite(filePath, workerID string) {
	s.mu.Lock()
	_, held := s.claims[filePath]
	ownsIt := held && s.claims[filePath].WorkerID == workerID
	s.mu.Unlock()

	if !ownsIt {
		s.log.Warn("out-of-band write outside declared plan", "path", filePath, "worker", workerID)
	}
}
