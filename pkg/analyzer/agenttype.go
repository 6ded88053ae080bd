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

// Package analyzer implements the Analyzer Pipeline (C4): the two
// background schedulers, Wyrm and Wyvern, that carry a project from
// New through WyrmAssigned to Analyzed, plus the closed agent-type
// catalog their output is drawn from (spec.md §4.4).
package analyzer

// AgentType is a tag from the closed catalog spec.md §4.4 names. It
// selects a system prompt template and a tool-permission mask; it never
// changes scheduling semantics.
type AgentType string

const (
	AgentCoding        AgentType = "coding"
	AgentDebug         AgentType = "debug"
	AgentDocumentation AgentType = "documentation"
	AgentRefactor      AgentType = "refactor"
	AgentTest          AgentType = "test"
	AgentCSharp        AgentType = "csharp"
	AgentCPP           AgentType = "cpp"
	AgentAssembler     AgentType = "assembler"
	AgentJavaScript    AgentType = "javascript"
	AgentTypeScript    AgentType = "typescript"
	AgentCSS           AgentType = "css"
	AgentHTML          AgentType = "html"
	AgentReact         AgentType = "react"
	AgentAngular       AgentType = "angular"
	AgentPHP           AgentType = "php"
	AgentPython        AgentType = "python"
	AgentMedia         AgentType = "media"
	AgentImage         AgentType = "image"
	AgentSVG           AgentType = "svg"
	AgentBitmap        AgentType = "bitmap"
	AgentDiagramming   AgentType = "diagramming"
)

// ToolPermission is one capability a tool-permission mask may grant.
type ToolPermission string

const (
	PermReadFile   ToolPermission = "read_file"
	PermWriteFile  ToolPermission = "write_file"
	PermSearch     ToolPermission = "search"
	PermRunCommand ToolPermission = "run_command"
	PermApplyPatch ToolPermission = "apply_patch"
)

// catalog is the closed set spec.md §4.4 enumerates, each mapped to its
// tool-permission mask. Media/diagramming agent types never get
// run_command, since they produce static assets rather than build or run
// anything; neither do the documentation, CSS and HTML types, and
// documentation also goes without apply_patch. The other coding-family
// agent types get the full set.
var catalog = map[AgentType][]ToolPermission{
	AgentCoding:        fullToolset(),
	AgentDebug:         fullToolset(),
	AgentDocumentation: {PermReadFile, PermWriteFile, PermSearch},
	AgentRefactor:      fullToolset(),
	AgentTest:          fullToolset(),
	AgentCSharp:        fullToolset(),
	AgentCPP:           fullToolset(),
	AgentAssembler:     fullToolset(),
	AgentJavaScript:    fullToolset(),
	AgentTypeScript:    fullToolset(),
	AgentCSS:           {PermReadFile, PermWriteFile, PermSearch, PermApplyPatch},
	AgentHTML:          {PermReadFile, PermWriteFile, PermSearch, PermApplyPatch},
	AgentReact:         fullToolset(),
	AgentAngular:       fullToolset(),
	AgentPHP:           fullToolset(),
	AgentPython:        fullToolset(),
	AgentMedia:         {PermReadFile, PermWriteFile, PermSearch},
	AgentImage:         {PermReadFile, PermWriteFile, PermSearch},
	AgentSVG:           {PermReadFile, PermWriteFile, PermSearch, PermApplyPatch},
	AgentBitmap:        {PermReadFile, PermWriteFile, PermSearch},
	AgentDiagramming:   {PermReadFile, PermWriteFile, PermSearch, PermApplyPatch},
}

func fullToolset() []ToolPermission {
	return []ToolPermission{PermReadFile, PermWriteFile, PermSearch, PermRunCommand, PermApplyPatch}
}

// IsKnownAgentType reports whether t is in the closed catalog.
func IsKnownAgentType(t AgentType) bool {
	_, ok := catalog[t]
	return ok
}

// PermissionsFor returns the tool-permission mask for t. An unrecognized
// agent type gets the minimal read/search mask rather than the full set,
// so a Wyvern mis-classification degrades to "can look but not touch"
// instead of silently granting full filesystem and process access.
func PermissionsFor(t AgentType) []ToolPermission {
	if perms, ok := catalog[t]; ok {
		return perms
	}
	return []ToolPermission{PermReadFile, PermSearch}
}

// Allows reports whether t's mask grants perm.
func Allows(t AgentType, perm ToolPermission) bool {
	for _, p := range PermissionsFor(t) {
		if p == perm {
			return true
		}
	}
	return false
}

// KnownAgentTypes returns every agent type in the closed catalog, in the
// order spec.md §4.4 lists them.
func KnownAgentTypes() []AgentType {
	return []AgentType{
		AgentCoding, AgentDebug, AgentDocumentation, AgentRefactor, AgentTest,
		AgentCSharp, AgentCPP, AgentAssembler, AgentJavaScript, AgentTypeScript,
		AgentCSS, AgentHTML, AgentReact, AgentAngular, AgentPHP, AgentPython,
		AgentMedia, AgentImage, AgentSVG, AgentBitmap, AgentDiagramming,
	}
}
