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

// Package llmprovider defines the pluggable LLM provider contract
// (spec.md §6.1) consumed by Kobold workers, the Dragon interactive
// agent, and the Wyrm/Wyvern analyzer pipeline.
package llmprovider

import (
	"context"
	"iter"
)

// Role identifies whose turn a Message represents.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType discriminates the variants of ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one unit of message content. Exactly the fields for its
// Type are meaningful; the others are zero. This mirrors the tagged-union
// shape spec.md §6.1 names directly: `{type: text, text}` or
// `{type: tool_use, id, name, input}`.
type ContentBlock struct {
	Type BlockType

	// Text is set when Type == BlockText.
	Text string

	// ToolUseID, Name, Input are set when Type == BlockToolUse.
	ToolUseID string
	Name      string
	Input     map[string]any

	// ToolResultFor references the ToolUseID this result answers, and
	// Content carries the tool's string output, when Type ==
	// BlockToolResult.
	ToolResultFor string
	Content       string
	IsError       bool
}

// Message is one turn in the conversation sent to a provider.
type Message struct {
	Role   Role
	Blocks []ContentBlock
}

// Text constructs a single-block text message.
func Text(role Role, text string) Message {
	return Message{Role: role, Blocks: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolDefinition describes one callable tool offered to the model, in the
// provider-agnostic shape every provider binding translates into its own
// wire format.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// StopReason is why generation stopped (spec.md §6.1).
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopError     StopReason = "error"
)

// Options configures one send/sendStreaming call.
type Options struct {
	Temperature       *float64
	MaxTokens         *int
	TopP              *float64
	StopSequences     []string
	SystemInstruction string
}

// Result is the outcome of a non-streaming send.
type Result struct {
	StopReason   StopReason
	Content      []ContentBlock
	ErrorMessage string
	Usage        Usage
}

// Usage carries token accounting used for step telemetry (spec.md §4.5.3).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamChunk is one element yielded by sendStreaming: either a partial
// text delta or, as the final element, the full descriptor carrying the
// stop reason and the complete content (spec.md §6.1).
type StreamChunk struct {
	TextDelta string
	Final     bool
	Result    *Result // set only when Final
}

// Provider is the contract every LLM binding (OpenAI, Anthropic, Gemini,
// Ollama, ...) implements. Binding selection is config-driven per
// spec.md §6.1's resolution chain (agent-type-specific -> global default
// -> process default), resolved by cmd/orchestrator's
// buildProviderResolver, not by this interface.
type Provider interface {
	Name() string

	Send(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Result, error)

	// SendStreaming yields StreamChunk values via iter.Seq2, following the
	// teacher's ADK-Go-aligned streaming convention: partial chunks
	// first, a single Final=true chunk last carrying the aggregated
	// Result for persistence.
	SendStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) iter.Seq2[StreamChunk, error]
}

// TextOf concatenates every BlockText block's text, e.g. when a caller
// only cares about the assistant's prose and not any tool_use blocks.
func TextOf(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses extracts every tool_use block from a content sequence, in
// order.
func ToolUses(blocks []ContentBlock) []ContentBlock {
	var out []ContentBlock
	for _, b := range blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}
