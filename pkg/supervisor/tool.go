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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/specforge/orchestrator/pkg/llmprovider"
	"github.com/specforge/orchestrator/pkg/planning"
	"github.com/specforge/orchestrator/pkg/sandbox"
)

// Tool is a capability a Kobold worker's tool loop may invoke. It is a
// self-contained replacement for the teacher's tool.Tool hierarchy
// (pkg/tool/tool.go), which is coupled to the now-absent pkg/agent
// package; this version keeps the same Name/Description/Schema/Call
// shape without that coupling.
type Tool interface {
	Name() string
	Description() string
	Definition() llmprovider.ToolDefinition
	Call(ctx context.Context, tc ToolContext, args map[string]any) (string, error)
}

// ToolContext binds one tool invocation to the worker that issued it: the
// sandbox policy its paths must resolve against and the claim store it
// reports writes to (spec.md §4.5.3, §4.6).
type ToolContext struct {
	Policy   sandbox.Policy
	Claims   *planning.ClaimStore
	WorkerID string
	TaskID   string
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func boolArg(args map[string]any, key string, def bool) bool {
	v, ok := args[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// readFileTool implements read_file.
type readFileTool struct{}

func (readFileTool) Name() string        { return "read_file" }
func (readFileTool) Description() string { return "Read the contents of a file in the workspace." }
func (readFileTool) Definition() llmprovider.ToolDefinition {
	return llmprovider.ToolDefinition{
		Name:        "read_file",
		Description: "Read the contents of a file in the workspace.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
	}
}

func (readFileTool) Call(_ context.Context, tc ToolContext, args map[string]any) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	return sandbox.ReadFile(tc.Policy, path)
}

// writeFileTool implements write_file: fails by default if the path
// exists, per spec.md §4.6's contract. A successful write attempts a file
// claim on the worker's behalf; a path already claimed by another worker
// is logged but never blocks the write (claims are soft).
type writeFileTool struct{}

func (writeFileTool) Name() string { return "write_file" }
func (writeFileTool) Description() string {
	return "Write content to a file. Fails if the file already exists unless overwrite is true."
}
func (writeFileTool) Definition() llmprovider.ToolDefinition {
	return llmprovider.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file. Fails if the file already exists unless overwrite is true.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":              map[string]any{"type": "string"},
				"content":           map[string]any{"type": "string"},
				"overwrite":         map[string]any{"type": "boolean"},
				"createDirectories": map[string]any{"type": "boolean"},
			},
			"required": []string{"path", "content"},
		},
	}
}

func (writeFileTool) Call(_ context.Context, tc ToolContext, args map[string]any) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return "", err
	}
	overwrite := boolArg(args, "overwrite", false)
	createDirs := boolArg(args, "createDirectories", true)

	if err := sandbox.WriteFile(tc.Policy, path, content, overwrite, createDirs); err != nil {
		return "", err
	}

	if tc.Claims != nil {
		if ok, existing := tc.Claims.TryClaim(path, tc.WorkerID, tc.TaskID); !ok {
			tc.Claims.LogOutOfBandWrite(path, tc.WorkerID)
			_ = existing
		}
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

// searchTool implements search by shelling out to grep through the
// sandboxed command runner, reusing its timeout/argv/no-shell-expansion
// guarantees rather than hand-rolling a second filesystem walker.
type searchTool struct{}

func (searchTool) Name() string        { return "search" }
func (searchTool) Description() string { return "Search file contents for a pattern (grep -rn)." }
func (searchTool) Definition() llmprovider.ToolDefinition {
	return llmprovider.ToolDefinition{
		Name:        "search",
		Description: "Search file contents for a pattern (grep -rn) under a path relative to the workspace.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string"},
				"path":    map[string]any{"type": "string"},
			},
			"required": []string{"pattern"},
		},
	}
}

func (searchTool) Call(ctx context.Context, tc ToolContext, args map[string]any) (string, error) {
	pattern, err := stringArg(args, "pattern")
	if err != nil {
		return "", err
	}
	path := "."
	if p, ok := args["path"].(string); ok && p != "" {
		path = p
	}
	if _, err := sandbox.ResolvePath(tc.Policy, path); err != nil {
		return "", err
	}
	result, err := sandbox.RunCommand(ctx, tc.Policy, []string{"grep", "-rn", pattern, path}, 0)
	if err != nil {
		return "", err
	}
	return result.Output, nil
}

// runCommandTool implements run_command.
type runCommandTool struct{}

func (runCommandTool) Name() string        { return "run_command" }
func (runCommandTool) Description() string { return "Run a command in the workspace (no shell)." }
func (runCommandTool) Definition() llmprovider.ToolDefinition {
	return llmprovider.ToolDefinition{
		Name:        "run_command",
		Description: "Run a command in the workspace. Direct process spawn, no shell expansion.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"argv":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"timeoutSeconds": map[string]any{"type": "integer"},
			},
			"required": []string{"argv"},
		},
	}
}

func (runCommandTool) Call(ctx context.Context, tc ToolContext, args map[string]any) (string, error) {
	raw, ok := args["argv"].([]any)
	if !ok || len(raw) == 0 {
		return "", fmt.Errorf("run_command: argv must be a non-empty array")
	}
	argv := make([]string, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("run_command: argv[%d] must be a string", i)
		}
		argv[i] = s
	}

	timeout := time.Duration(0)
	if v, ok := args["timeoutSeconds"]; ok {
		if f, ok := v.(float64); ok {
			timeout = time.Duration(f) * time.Second
		}
	}

	result, err := sandbox.RunCommand(ctx, tc.Policy, argv, timeout)
	if err != nil {
		return "", err
	}
	status := "ok"
	if result.TimedOut {
		status = "timed out"
	}
	out := result.Output
	if result.Truncated {
		out += "\n[output truncated]"
	}
	return fmt.Sprintf("exit=%d (%s)\n%s", result.ExitCode, status, out), nil
}

// applyPatchTool implements apply_patch: a minimal unified-diff applier.
// No example repo in the retrieval pack carries a patch-application
// library (only diff-generation libraries like pmezard/go-difflib, which
// the teacher itself pulls in only transitively through testify), so the
// hunk-application logic below is hand-rolled against the standard
// library; see DESIGN.md.
type applyPatchTool struct{}

func (applyPatchTool) Name() string { return "apply_patch" }
func (applyPatchTool) Description() string {
	return "Apply a unified diff hunk to an existing file."
}
func (applyPatchTool) Definition() llmprovider.ToolDefinition {
	return llmprovider.ToolDefinition{
		Name:        "apply_patch",
		Description: "Apply a unified diff (single-file, @@ hunks) to an existing file.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":  map[string]any{"type": "string"},
				"patch": map[string]any{"type": "string"},
			},
			"required": []string{"path", "patch"},
		},
	}
}

func (applyPatchTool) Call(_ context.Context, tc ToolContext, args map[string]any) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	patch, err := stringArg(args, "patch")
	if err != nil {
		return "", err
	}

	original, err := sandbox.ReadFile(tc.Policy, path)
	if err != nil {
		return "", err
	}

	patched, err := applyUnifiedDiff(original, patch)
	if err != nil {
		return "", fmt.Errorf("apply_patch: %w", err)
	}

	if err := sandbox.WriteFile(tc.Policy, path, patched, true, true); err != nil {
		return "", err
	}
	if tc.Claims != nil {
		if ok, _ := tc.Claims.TryClaim(path, tc.WorkerID, tc.TaskID); !ok {
			tc.Claims.LogOutOfBandWrite(path, tc.WorkerID)
		}
	}
	return fmt.Sprintf("patched %s", path), nil
}

// applyUnifiedDiff applies a single-file unified diff's @@ hunks against
// original. Context lines (leading " ") must match; "-" lines are
// removed, "+" lines inserted. Hunk headers are used only to locate the
// starting line; mismatched context is a hard error rather than a
// best-effort fuzzy match, since a silently misapplied patch is worse
// than a failed one.
func applyUnifiedDiff(original, patch string) (string, error) {
	srcLines := strings.Split(original, "\n")
	var out []string
	cursor := 0

	hunks := strings.Split(patch, "@@")
	for i := 1; i+1 < len(hunks); i += 2 {
		header := strings.TrimSpace(hunks[i])
		body := strings.TrimPrefix(hunks[i+1], "\n")

		startLine, err := parseHunkStart(header)
		if err != nil {
			return "", err
		}
		if startLine > len(srcLines) {
			return "", fmt.Errorf("hunk start %d beyond file length %d", startLine, len(srcLines))
		}

		out = append(out, srcLines[cursor:startLine]...)
		cursor = startLine

		for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
			if line == "" {
				continue
			}
			switch line[0] {
			case ' ':
				if cursor >= len(srcLines) || srcLines[cursor] != line[1:] {
					return "", fmt.Errorf("context mismatch at line %d", cursor+1)
				}
				out = append(out, srcLines[cursor])
				cursor++
			case '-':
				if cursor >= len(srcLines) || srcLines[cursor] != line[1:] {
					return "", fmt.Errorf("removal mismatch at line %d", cursor+1)
				}
				cursor++
			case '+':
				out = append(out, line[1:])
			default:
				return "", fmt.Errorf("malformed hunk line: %q", line)
			}
		}
	}
	out = append(out, srcLines[cursor:]...)
	return strings.Join(out, "\n"), nil
}

// parseHunkStart extracts the 0-based original-file start line from a
// "-a,b +c,d" style hunk header.
func parseHunkStart(header string) (int, error) {
	fields := strings.Fields(header)
	for _, f := range fields {
		if strings.HasPrefix(f, "-") {
			numPart := strings.SplitN(strings.TrimPrefix(f, "-"), ",", 2)[0]
			n, err := strconv.Atoi(numPart)
			if err != nil {
				return 0, fmt.Errorf("malformed hunk header %q: %w", header, err)
			}
			if n > 0 {
				n--
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("malformed hunk header %q", header)
}

// DefaultTools returns the full tool set a worker's permission mask
// filters down (spec.md §4.4, §4.5.3).
func DefaultTools() []Tool {
	return []Tool{readFileTool{}, writeFileTool{}, searchTool{}, runCommandTool{}, applyPatchTool{}}
}
