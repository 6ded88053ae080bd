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

// Package project implements the Project Registry (C1): the persistent
// store of project records, their status state machine, execution-state
// gating, and per-agent-type configuration overrides.
package project

import (
	"fmt"
	"time"
)

// Status is a project's position in the analysis/execution pipeline.
type Status string

const (
	StatusNew          Status = "New"
	StatusWyrmAssigned Status = "WyrmAssigned"
	StatusAnalyzed     Status = "Analyzed"
	StatusInProgress   Status = "InProgress"
	StatusDone         Status = "Done"
	StatusFailed       Status = "Failed"

	// statusWyvernAssignedLegacy is a deprecated alias accepted on read and
	// mapped to StatusWyrmAssigned; never written.
	statusWyvernAssignedLegacy Status = "WyvernAssigned"
)

// NormalizeStatus maps the deprecated WyvernAssigned alias to its current
// name. All other statuses pass through unchanged.
func NormalizeStatus(s Status) Status {
	if s == statusWyvernAssignedLegacy {
		return StatusWyrmAssigned
	}
	return s
}

// ExecutionState gates scheduling independently of Status.
type ExecutionState string

const (
	ExecutionRunning   ExecutionState = "Running"
	ExecutionPaused    ExecutionState = "Paused"
	ExecutionSuspended ExecutionState = "Suspended"
	ExecutionCancelled ExecutionState = "Cancelled"
)

// ErrInvalidTransition is returned by SetExecutionState when the requested
// transition is not legal from the project's current state.
type ErrInvalidTransition struct {
	From ExecutionState
	To   ExecutionState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid execution state transition: %s -> %s", e.From, e.To)
}

// legalTransitions enumerates every allowed ExecutionState edge. Cancelled
// has no outgoing edges: it is terminal (spec.md §4.1).
var legalTransitions = map[ExecutionState]map[ExecutionState]bool{
	ExecutionRunning: {
		ExecutionPaused:    true,
		ExecutionSuspended: true,
		ExecutionCancelled: true,
	},
	ExecutionPaused: {
		ExecutionRunning:   true,
		ExecutionCancelled: true,
	},
	ExecutionSuspended: {
		ExecutionRunning:   true,
		ExecutionCancelled: true,
	},
	ExecutionCancelled: {},
}

// CanTransition reports whether moving from `from` to `to` is legal.
// Suspended never resolves back to Running implicitly — that decision
// (SPEC_FULL open question 1) is explicit-user-action only, which is why
// Running is in the map above rather than the circuit breaker or scheduler
// driving it.
func CanTransition(from, to ExecutionState) bool {
	if from == to {
		return true
	}
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// AgentTypeOverride is a per-project, per-agent-type configuration
// override: whether the type is enabled for this project, provider/model
// overrides, and resource limits.
type AgentTypeOverride struct {
	Enabled     bool   `json:"enabled"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	MaxParallel int    `json:"maxParallel"`
	TimeoutSecs int    `json:"timeoutSeconds"`
}

// SandboxMode bounds the permissive set a tool may resolve paths against.
type SandboxMode string

const (
	SandboxWorkspace SandboxMode = "workspace"
	SandboxRelaxed   SandboxMode = "relaxed"
	SandboxStrict    SandboxMode = "strict"
)

// SecurityPolicy is a project's sandbox configuration.
type SecurityPolicy struct {
	Mode                SandboxMode `json:"mode"`
	AllowedExternalPath []string    `json:"allowedExternalPaths,omitempty"`
}

// Paths are the on-disk locations derived from a project's root folder.
// They are computed, never persisted independently of Root.
type Paths struct {
	Root               string `json:"root"`
	SpecificationFile  string `json:"specificationFile"`
	WorkspaceDirectory string `json:"workspaceDirectory"`
	TasksDirectory     string `json:"tasksDirectory"`
	AnalysisDirectory  string `json:"analysisDirectory"`
}

// Timestamps tracks the project's lifecycle milestones.
type Timestamps struct {
	Created        time.Time  `json:"created"`
	Updated        time.Time  `json:"updated"`
	Analyzed       *time.Time `json:"analyzed,omitempty"`
	LastProcessed  *time.Time `json:"lastProcessed,omitempty"`
}

// Tracking holds drift-detection and diagnostic metadata.
type Tracking struct {
	// SpecificationContentHash is the SHA-256 of the specification text
	// as of the last successful analysis pass, used to detect drift.
	SpecificationContentHash string   `json:"specificationContentHash,omitempty"`
	LastError                string   `json:"lastError,omitempty"`
	PendingAreas              []string `json:"pendingAreas,omitempty"`
}

// Project is the top-level orchestration unit (spec.md §3).
type Project struct {
	ID             string                        `json:"id"`
	Name           string                        `json:"name"`
	Status         Status                        `json:"status"`
	ExecutionState ExecutionState                `json:"executionState"`
	Paths          Paths                         `json:"paths"`
	Timestamps     Timestamps                    `json:"timestamps"`
	Tracking       Tracking                      `json:"tracking"`
	AgentOverrides map[string]*AgentTypeOverride `json:"agentOverrides,omitempty"`
	Security       SecurityPolicy                `json:"security"`
	Metadata       map[string]any                `json:"metadata,omitempty"`
}

// NewProjectInput is the caller-supplied subset of fields used to create a
// Project; the registry fills in id, timestamps and defaults.
type NewProjectInput struct {
	Name     string
	Root     string
	Security SecurityPolicy
	Metadata map[string]any
}

// SetDefaults nil-initializes maps/slices, mirroring the teacher's
// Config.SetDefaults nil-map-initialization convention (pkg/config/config.go).
func (p *Project) SetDefaults() {
	if p.AgentOverrides == nil {
		p.AgentOverrides = make(map[string]*AgentTypeOverride)
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	if p.Security.Mode == "" {
		p.Security.Mode = SandboxWorkspace
	}
	p.Status = NormalizeStatus(p.Status)
	if p.ExecutionState == "" {
		p.ExecutionState = ExecutionRunning
	}
}
