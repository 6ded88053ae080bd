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
	"fmt"
	"strings"
)

// renderAreaMarkdown produces the human-readable {area}-tasks.md content
// (spec.md §6.3). The sidecar JSON is the authoritative machine-readable
// copy; this file exists so a human can scan an area's task list without
// tooling.
func renderAreaMarkdown(area string, tasks []*Task) []byte {
	var b strings.Builder
	title := area
	if title == "" {
		title = "general"
	}
	fmt.Fprintf(&b, "# Tasks: %s\n\n", title)

	for _, t := range tasks {
		fmt.Fprintf(&b, "## [%s] %s (%s)\n\n", t.Status, t.ID, t.Priority)
		b.WriteString(t.Description)
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "- agent type: `%s`\n", t.AgentType)
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(&b, "- depends on: %s\n", strings.Join(t.Dependencies, ", "))
		}
		if len(t.OutputFiles) > 0 {
			fmt.Fprintf(&b, "- output files: %s\n", strings.Join(t.OutputFiles, ", "))
		}
		if t.RetryCount > 0 {
			fmt.Fprintf(&b, "- retry count: %d (last category: %s)\n", t.RetryCount, t.LastErrorCategory)
		}
		b.WriteString("\n")
	}

	return []byte(b.String())
}
