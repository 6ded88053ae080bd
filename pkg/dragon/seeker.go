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
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/specforge/orchestrator/pkg/project"
	"github.com/specforge/orchestrator/pkg/sandbox"
)

// extensionLanguages heuristically classifies a file by extension for
// Seeker's import scan. Unrecognized extensions are ignored rather than
// guessed at.
var extensionLanguages = map[string]string{
	".go":   "Go",
	".py":   "Python",
	".js":   "JavaScript",
	".jsx":  "JavaScript",
	".ts":   "TypeScript",
	".tsx":  "TypeScript",
	".java": "Java",
	".rb":   "Ruby",
	".rs":   "Rust",
	".c":    "C",
	".h":    "C",
	".cpp":  "C++",
	".hpp":  "C++",
	".cs":   "C#",
	".php":  "PHP",
	".html": "HTML",
	".css":  "CSS",
	".swift": "Swift",
	".kt":   "Kotlin",
}

// skippedDirs are never descended into; their contents would overwhelm the
// file-count heuristic with vendored or generated code that says nothing
// about the project's own stack.
var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true, "build": true,
}

// Seeker imports an existing project: it scans a directory, classifies its
// files by extension, and proposes an initial specification section
// summarizing what it found.
type Seeker struct {
	SandboxPolicy func(*project.Project) sandbox.Policy
}

func (Seeker) name() string { return "Seeker" }

func (sk *Seeker) handle(_ context.Context, p *project.Project, _ *Session, turn UserTurn) (string, error) {
	path := extractPathArgument(turn.Message)
	if path == "" {
		path = "."
	}

	policy := sk.SandboxPolicy(p)
	root, err := sandbox.ResolvePath(policy, path)
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", path, err)
	}

	counts := make(map[string]int)
	total := 0
	err = filepath.WalkDir(root, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if lang, ok := extensionLanguages[strings.ToLower(filepath.Ext(walkPath))]; ok {
			counts[lang]++
			total++
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", path, err)
	}
	if total == 0 {
		return fmt.Sprintf("No recognized source files found under %s.", path), nil
	}

	langs := rankedLanguages(counts)
	proposal := fmt.Sprintf("Imported from %s (%d source files). Detected languages by file count: %s.",
		path, total, strings.Join(langs, ", "))
	if err := appendSpecSection(p.Paths.SpecificationFile, "## Imported Project Summary", "- "+proposal); err != nil {
		return "", err
	}
	return proposal + " Added a summary to the specification under \"Imported Project Summary\"; refine it with Sage.", nil
}

func rankedLanguages(counts map[string]int) []string {
	type kv struct {
		lang string
		n    int
	}
	kvs := make([]kv, 0, len(counts))
	for lang, n := range counts {
		kvs = append(kvs, kv{lang, n})
	}
	sort.Slice(kvs, func(i, j int) bool {
		if kvs[i].n != kvs[j].n {
			return kvs[i].n > kvs[j].n
		}
		return kvs[i].lang < kvs[j].lang
	})
	out := make([]string, 0, len(kvs))
	for _, e := range kvs {
		out = append(out, fmt.Sprintf("%s (%d)", e.lang, e.n))
	}
	return out
}

// extractPathArgument pulls the directory argument out of an "import ..."
// or "scan ..." turn. Falling back to the message's last token lets a
// phrasing without either keyword, like "look at ../legacy-app", still work.
func extractPathArgument(message string) string {
	fields := strings.Fields(message)
	for i, f := range fields {
		lf := strings.ToLower(f)
		if (lf == "import" || lf == "scan") && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	if len(fields) > 0 {
		last := fields[len(fields)-1]
		if strings.ContainsAny(last, "/.\\") {
			return last
		}
	}
	return ""
}
