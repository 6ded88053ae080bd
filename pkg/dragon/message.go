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

// Package dragon implements the Interactive Agent (C3): a single
// bidirectional message channel per project that gathers requirements from
// a user, streams back its reasoning, and persists the conversation so a
// reconnecting client can replay it.
package dragon

import "encoding/json"

// Inbound message types (client to server).
const (
	TypePing          = "ping"
	TypeSessionReplay = "session_replay"
	TypeClearContext  = "clear_context"
	TypeReload        = "reload"
)

// Outbound message types (server to client).
const (
	TypeTyping                = "dragon_typing"
	TypeThinking              = "dragon_thinking"
	TypeStream                = "dragon_stream"
	TypeMessage               = "dragon_message"
	TypeSessionResumed        = "session_resumed"
	TypeSessionNotFound       = "session_not_found"
	TypeSessionReplayComplete = "session_replay_complete"
	TypeSpecificationCreated  = "specification_created"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Envelope is the wire shape every message, inbound or outbound, shares: a
// discriminating type tag plus an optional id used for de-duplication on
// at-least-once delivery.
type Envelope struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"-"`
}

// UserTurn is the payload of an inbound message with no explicit `type`
// (spec.md §6.2's "(user turn)" row): plain chat input from the user.
type UserTurn struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// ThinkingPayload backs dragon_thinking: an in-progress narration of what
// the agent is about to do.
type ThinkingPayload struct {
	Description string `json:"description"`
	ToolName    string `json:"toolName,omitempty"`
}

// StreamPayload backs dragon_stream: one incremental chunk of the agent's
// reply.
type StreamPayload struct {
	Chunk string `json:"chunk"`
}

// MessagePayload backs dragon_message: the agent's complete reply, whether
// it arrived streamed or not.
type MessagePayload struct {
	Message     string `json:"message"`
	IsStreamed  bool   `json:"isStreamed"`
	MessageID   string `json:"messageId"`
	SessionID   string `json:"sessionId"`
}

// SpecificationCreatedPayload backs specification_created: the requirements
// interview produced a specification.md the analyzer pipeline can pick up.
type SpecificationCreatedPayload struct {
	Filename      string `json:"filename"`
	ProjectFolder string `json:"projectFolder"`
}

// ErrorPayload backs error.
type ErrorPayload struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
}

// outbound flattens payload's JSON fields into one map and adds "type"
// (and "sessionId" when set), ready for encoding by the caller.
func outbound(msgType, sessionID string, payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["type"] = msgType
	if sessionID != "" {
		fields["sessionId"] = sessionID
	}
	return fields, nil
}
