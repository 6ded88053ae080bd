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

package planning

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClaimStore_ConflictDeferral(t *testing.T) {
	s := NewClaimStore()

	ok, existing := s.TryClaim("src/index.ts", "worker-1", "task-1")
	require.True(t, ok)
	require.Nil(t, existing)

	ok, existing = s.TryClaim("src/index.ts", "worker-2", "task-2")
	require.False(t, ok)
	require.NotNil(t, existing)
	require.Equal(t, "worker-1", existing.WorkerID)
}

func TestClaimStore_SameWorkerReclaimIsIdempotent(t *testing.T) {
	s := NewClaimStore()
	ok, _ := s.TryClaim("a.go", "w1", "t1")
	require.True(t, ok)

	ok, existing := s.TryClaim("a.go", "w1", "t1")
	require.True(t, ok)
	require.Nil(t, existing)
}

func TestClaimStore_ReleaseAllFreesEveryPath(t *testing.T) {
	s := NewClaimStore()
	s.TryClaim("a.go", "w1", "t1")
	s.TryClaim("b.go", "w1", "t1")

	s.ReleaseAll("w1")

	ok, existing := s.TryClaim("a.go", "w2", "t2")
	require.True(t, ok)
	require.Nil(t, existing)

	_, held := s.Holder("b.go")
	require.False(t, held)
}

func TestClaimStore_ReleaseSinglePath(t *testing.T) {
	s := NewClaimStore()
	s.TryClaim("a.go", "w1", "t1")
	s.TryClaim("b.go", "w1", "t1")

	s.Release("a.go", "w1")

	_, held := s.Holder("a.go")
	require.False(t, held)
	holder, held := s.Holder("b.go")
	require.True(t, held)
	require.Equal(t, "w1", holder)
}
