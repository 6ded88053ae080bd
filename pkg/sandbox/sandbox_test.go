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

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/specforge/orchestrator/pkg/project"
)

func workspacePolicy(t *testing.T) Policy {
	t.Helper()
	root := t.TempDir()
	return Policy{Mode: project.SandboxWorkspace, WorkspaceRoot: root}
}

func TestResolvePath_RejectsTraversalOutsideWorkspace(t *testing.T) {
	policy := workspacePolicy(t)
	_, err := ResolvePath(policy, "../../etc/passwd")
	require.Error(t, err)
	var denied *ErrPathDenied
	require.ErrorAs(t, err, &denied)
}

func TestResolvePath_AllowsPathInsideWorkspace(t *testing.T) {
	policy := workspacePolicy(t)
	resolved, err := ResolvePath(policy, "src/main.go")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(resolved))
}

func TestResolvePath_RelaxedAllowsExternalPath(t *testing.T) {
	external := t.TempDir()
	policy := workspacePolicy(t)
	policy.Mode = project.SandboxRelaxed
	policy.AllowedExternalPaths = []string{external}

	resolved, err := ResolvePath(policy, filepath.Join(external, "shared.go"))
	require.NoError(t, err)
	require.True(t, withinRoot(external, resolved))
}

func TestResolvePath_StrictRequiresExplicitAllowlistEntry(t *testing.T) {
	policy := workspacePolicy(t)
	policy.Mode = project.SandboxStrict
	_, err := ResolvePath(policy, "anything.go")
	require.Error(t, err)

	policy.StrictAllowlist = []string{policy.WorkspaceRoot}
	_, err = ResolvePath(policy, "anything.go")
	require.NoError(t, err)
}

func TestWriteFile_FailsByDefaultWhenExists(t *testing.T) {
	policy := workspacePolicy(t)
	require.NoError(t, WriteFile(policy, "a.txt", "one", false, true))

	err := WriteFile(policy, "a.txt", "two", false, true)
	require.Error(t, err)
	var exists *ErrFileExists
	require.ErrorAs(t, err, &exists)

	require.NoError(t, WriteFile(policy, "a.txt", "two", true, true))
	content, err := ReadFile(policy, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "two", content)
}

func TestWriteFile_CreatesParentDirectories(t *testing.T) {
	policy := workspacePolicy(t)
	require.NoError(t, WriteFile(policy, "nested/dir/file.txt", "hi", false, true))
	_, err := os.Stat(filepath.Join(policy.WorkspaceRoot, "nested", "dir", "file.txt"))
	require.NoError(t, err)
}

func TestRunCommand_CapturesOutputWithoutShellExpansion(t *testing.T) {
	policy := workspacePolicy(t)
	result, err := RunCommand(context.Background(), policy, []string{"echo", "$HOME"}, time.Second)
	require.NoError(t, err)
	require.Contains(t, result.Output, "$HOME", "no shell expansion: literal argv is passed to the process")
}

func TestRunCommand_TimesOut(t *testing.T) {
	policy := workspacePolicy(t)
	result, err := RunCommand(context.Background(), policy, []string{"sleep", "5"}, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, result.TimedOut)
}
