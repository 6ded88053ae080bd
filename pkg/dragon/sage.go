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
	"os"
	"path/filepath"
	"strings"

	"github.com/specforge/orchestrator/pkg/project"
)

// Sage handles specification authoring and feature management: it appends
// to a project's specification file under recognizable section headings,
// rather than rewriting it wholesale, so a user's prior wording survives.
// project.DriftWatcher (pkg/project/drift_watch.go) picks up every write
// the same way it would an external edit.
type Sage struct{}

func (Sage) name() string { return "Sage" }

func (Sage) handle(_ context.Context, p *project.Project, _ *Session, turn UserTurn) (string, error) {
	msg := strings.TrimSpace(turn.Message)
	lower := strings.ToLower(msg)

	switch {
	case strings.HasPrefix(lower, "add feature"):
		feature := strings.TrimSpace(msg[len("add feature"):])
		feature = strings.TrimSpace(strings.TrimPrefix(feature, ":"))
		if feature == "" {
			return "", fmt.Errorf("describe the feature to add, e.g. \"add feature: CSV export\"")
		}
		if err := appendSpecSection(p.Paths.SpecificationFile, "## Features", "- "+feature); err != nil {
			return "", err
		}
		return fmt.Sprintf("Added feature to the specification: %s", feature), nil

	case strings.Contains(lower, "show specification") || strings.Contains(lower, "read specification"):
		data, err := os.ReadFile(p.Paths.SpecificationFile)
		if err != nil {
			if os.IsNotExist(err) {
				return "No specification written yet.", nil
			}
			return "", fmt.Errorf("read specification: %w", err)
		}
		return string(data), nil

	default:
		if err := appendSpecSection(p.Paths.SpecificationFile, "## Notes", "- "+msg); err != nil {
			return "", err
		}
		return "Recorded as a specification note. Say \"add feature: ...\" to register a concrete feature, or \"show specification\" to review the current document.", nil
	}
}

// appendSpecSection appends line under heading in the file at path,
// creating the file and the heading if neither exists yet, and writes
// atomically following the same write-temp-then-rename discipline as
// Store.save (pkg/dragon/session.go) and project.Registry.save.
func appendSpecSection(path, heading, line string) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read specification: %w", err)
	}
	content := string(data)
	if idx := strings.Index(content, heading); idx < 0 {
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += "\n" + heading + "\n"
		content = strings.TrimRight(content, "\n") + "\n" + line + "\n"
	} else {
		end := len(content)
		if next := strings.Index(content[idx+len(heading):], "\n## "); next >= 0 {
			end = idx + len(heading) + next
		}
		content = strings.TrimRight(content[:end], "\n") + "\n" + line + "\n" + content[end:]
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create project directory: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write specification: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename specification: %w", err)
	}
	return nil
}
