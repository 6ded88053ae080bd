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
	"time"

	"github.com/specforge/orchestrator/pkg/project"
	"github.com/specforge/orchestrator/pkg/sandbox"
)

// sentinelCommandTimeout bounds how long a single git invocation may run
// before Sentinel reports it as timed out rather than hanging the turn.
const sentinelCommandTimeout = 30 * time.Second

// Sentinel handles git status and merge operations against the project's
// workspace, shelling out the same way pkg/supervisor's run_command tool
// does (direct argv spawn, no shell expansion), subject to the project's
// sandbox policy.
type Sentinel struct {
	SandboxPolicy func(*project.Project) sandbox.Policy
}

func (Sentinel) name() string { return "Sentinel" }

func (sn *Sentinel) handle(ctx context.Context, p *project.Project, _ *Session, turn UserTurn) (string, error) {
	lower := strings.ToLower(turn.Message)

	var argv []string
	switch {
	case strings.Contains(lower, "merge"):
		branch := extractAfterKeyword(turn.Message, "merge")
		if branch == "" {
			return "", fmt.Errorf("say which branch to merge, e.g. \"merge feature-x\"")
		}
		argv = []string{"git", "merge", "--no-edit", branch}
	case strings.Contains(lower, "log"):
		argv = []string{"git", "log", "--oneline", "-n", "10"}
	default:
		argv = []string{"git", "status", "--short", "--branch"}
	}

	policy := sn.SandboxPolicy(p)
	result, err := sandbox.RunCommand(ctx, policy, argv, sentinelCommandTimeout)
	if err != nil {
		return "", fmt.Errorf("run %s: %w", strings.Join(argv, " "), err)
	}
	if result.ExitCode != 0 {
		return fmt.Sprintf("%s exited %d:\n%s", strings.Join(argv, " "), result.ExitCode, result.Output), nil
	}
	return result.Output, nil
}

// extractAfterKeyword returns the token immediately following the first
// case-insensitive match of keyword in message, or "" if keyword doesn't
// appear or has nothing after it.
func extractAfterKeyword(message, keyword string) string {
	fields := strings.Fields(message)
	for i, f := range fields {
		if strings.EqualFold(f, keyword) && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}
