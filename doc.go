// Package orchestrator implements a hierarchical multi-agent system that
// turns a natural-language software specification into working code.
//
// A user creates a project against a specification file; the Analyzer
// Pipeline ("Wyrm" then "Wyvern") breaks the specification into an
// ordered, dependency-aware task graph; the Supervisor schedules a
// "Kobold" worker per ready task, each driving a plan-then-execute tool
// loop against an LLM provider under a sandboxed view of the project's
// workspace; and the interactive "Dragon" agent gives a user a
// persistent chat session to author the specification, import an
// existing codebase, inspect git state, and control execution, all
// over a websocket transport.
//
// # Quick Start
//
// Build the orchestrator binary:
//
//	go build ./cmd/orchestrator
//
// Register a project and start serving:
//
//	orchestrator create-project demo ./projects/demo
//	orchestrator serve --config orchestrator.yaml
//
// # Using as a Go library
//
// The packages under pkg/ are independently importable:
//
//	import (
//	    "github.com/specforge/orchestrator/pkg/project"
//	    "github.com/specforge/orchestrator/pkg/supervisor"
//	    "github.com/specforge/orchestrator/pkg/llmprovider"
//	)
//
// pkg/llmprovider defines the pluggable LLM transport contract; no
// concrete binding ships in this module, so an embedder supplies one
// (an HTTP client against an Anthropic/OpenAI/Gemini-compatible API, or
// a local model runner) and wires it through supervisor.Supervisor's
// Providers/Planner resolver functions.
//
// # Architecture
//
//	Registry (projects) -> Analyzer (Wyrm/Wyvern) -> Task Tracker
//	                                                        |
//	                                                        v
//	                                      Supervisor -> Kobold workers
//	                                                        ^
//	                                                        |
//	                        Dragon (interactive sessions) --+
//
// Every component that touches project files does so through
// pkg/sandbox's path policy, so a project's configured sandbox mode
// bounds what a Kobold, a Council member, or an imported-project scan
// can read or write.
package orchestrator
