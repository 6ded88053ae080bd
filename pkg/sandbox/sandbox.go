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

// Package sandbox enforces the path-safety and command-execution
// constraints every filesystem- or process-touching tool must go through
// before a Kobold worker is allowed to act (spec.md §4.6).
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/specforge/orchestrator/pkg/project"
)

// Policy is the per-project sandbox configuration a Kobold worker's tool
// calls are validated against.
type Policy struct {
	Mode                project.SandboxMode
	WorkspaceRoot       string
	AllowedExternalPaths []string

	// StrictAllowlist is consulted only when Mode == SandboxStrict: an
	// explicit, per-operation set of paths with no inheritance from
	// WorkspaceRoot or AllowedExternalPaths.
	StrictAllowlist []string
}

// ErrPathDenied is returned when a path fails sandbox validation.
type ErrPathDenied struct {
	Path   string
	Reason string
}

func (e *ErrPathDenied) Error() string {
	return fmt.Sprintf("path denied: %s (%s)", e.Path, e.Reason)
}

// ResolvePath canonicalizes path (resolving ".." components and following
// symlinks, in that order, per spec.md §4.6) and validates it against
// policy, returning the canonical absolute path on success.
func ResolvePath(policy Policy, path string) (string, error) {
	base := policy.WorkspaceRoot
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}

	cleaned := filepath.Clean(path)

	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", &ErrPathDenied{Path: path, Reason: "could not resolve symlinks: " + err.Error()}
		}
		// The path does not exist yet (e.g. a file the worker is about to
		// create); resolve symlinks on the nearest existing ancestor and
		// rejoin the remainder so traversal through an existing symlinked
		// directory is still caught.
		resolved, err = resolveNearestExisting(cleaned)
		if err != nil {
			return "", &ErrPathDenied{Path: path, Reason: err.Error()}
		}
	}

	if !allowed(policy, resolved) {
		return "", &ErrPathDenied{Path: path, Reason: "outside the permitted sandbox set"}
	}
	return resolved, nil
}

func resolveNearestExisting(cleaned string) (string, error) {
	dir := filepath.Dir(cleaned)
	var tail []string
	tail = append(tail, filepath.Base(cleaned))

	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.Clean(cleaned), nil
		}
		tail = append(tail, filepath.Base(dir))
		dir = parent
	}
}

func allowed(policy Policy, resolved string) bool {
	switch policy.Mode {
	case project.SandboxStrict:
		for _, p := range policy.StrictAllowlist {
			if withinRoot(p, resolved) {
				return true
			}
		}
		return false
	case project.SandboxRelaxed:
		if withinRoot(policy.WorkspaceRoot, resolved) {
			return true
		}
		for _, p := range policy.AllowedExternalPaths {
			if withinRoot(p, resolved) {
				return true
			}
		}
		return false
	default: // SandboxWorkspace
		return withinRoot(policy.WorkspaceRoot, resolved)
	}
}

func withinRoot(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if root == candidate {
		return true
	}
	return strings.HasPrefix(candidate, root+string(filepath.Separator))
}
