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
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"
)

// Conn is the minimal sink a Hub needs to push messages to one client. The
// transport layer (pkg/transport) adapts a gorilla/websocket connection to
// this interface; tests use an in-memory fake.
type Conn interface {
	Send(fields map[string]any) error
}

// Responder answers a user turn, optionally streaming its reply one chunk
// at a time. No LLM-backed implementation ships here (spec.md §1: LLM
// transport is out of scope); EchoResponder below and CouncilResponder in
// council.go are the implementations — Hub only depends on the shape.
type Responder interface {
	Respond(ctx context.Context, s *Session, turn UserTurn) (iter.Seq2[string, error], error)
}

// EchoResponder is a trivial Responder used when no real agent is wired
// yet; it streams the user's own message back one word at a time. Useful
// for exercising the transport end to end without the Council.
type EchoResponder struct{}

func (EchoResponder) Respond(_ context.Context, _ *Session, turn UserTurn) (iter.Seq2[string, error], error) {
	return func(yield func(string, error) bool) {
		for _, word := range splitWords(turn.Message) {
			if !yield(word+" ", nil) {
				return
			}
		}
	}, nil
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}

// Hub routes inbound frames from one connection to a project's session
// store and responder, and pushes the resulting outbound frames back.
type Hub struct {
	store     *Store
	responder Responder
	log       *slog.Logger
}

// NewHub builds a Hub bound to a project's session store.
func NewHub(store *Store, responder Responder) *Hub {
	if responder == nil {
		responder = EchoResponder{}
	}
	return &Hub{
		store:     store,
		responder: responder,
		log:       slog.Default().With("component", "dragon.Hub"),
	}
}

// Handle decodes one inbound frame and drives the session/responder
// protocol, pushing every outbound frame it produces to conn. now is
// injected so tests can control idle-timeout behavior deterministically.
func (h *Hub) Handle(ctx context.Context, conn Conn, raw []byte, now time.Time) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return h.sendError(conn, "decode_error", "malformed message", err.Error())
	}

	switch env.Type {
	case TypePing:
		return h.handlePing(conn, env, now)
	case TypeSessionReplay:
		return h.handleSessionReplay(conn, env)
	case TypeClearContext:
		return h.handleClearContext(conn, env)
	case TypeReload:
		return h.handleReload(conn, env, now)
	case "":
		var turn UserTurn
		if err := json.Unmarshal(raw, &turn); err != nil {
			return h.sendError(conn, "decode_error", "malformed user turn", err.Error())
		}
		return h.handleUserTurn(ctx, conn, env, turn, now)
	default:
		return h.sendError(conn, "unknown_type", fmt.Sprintf("unrecognized message type %q", env.Type), "")
	}
}

func (h *Hub) handlePing(conn Conn, env Envelope, now time.Time) error {
	s, ok := h.store.Get(env.SessionID)
	seq := 0
	if ok {
		s.touch(now)
		seq = s.nextPingSeq()
	}
	return h.send(conn, TypePong, env.SessionID, map[string]any{"seq": seq})
}

func (h *Hub) handleSessionReplay(conn Conn, env Envelope) error {
	s, ok := h.store.Get(env.SessionID)
	if !ok {
		return h.send(conn, TypeSessionNotFound, env.SessionID, nil)
	}
	if err := h.send(conn, TypeSessionResumed, s.ID, nil); err != nil {
		return err
	}
	for _, turn := range s.snapshot() {
		if err := h.send(conn, TypeMessage, s.ID, MessagePayload{
			Message:    turn.Content,
			IsStreamed: false,
			MessageID:  turn.MessageID,
			SessionID:  s.ID,
		}); err != nil {
			return err
		}
	}
	return h.send(conn, TypeSessionReplayComplete, s.ID, nil)
}

func (h *Hub) handleClearContext(conn Conn, env Envelope) error {
	s, ok := h.store.Get(env.SessionID)
	if !ok {
		return h.send(conn, TypeSessionNotFound, env.SessionID, nil)
	}
	s.mu.Lock()
	s.History = nil
	s.mu.Unlock()
	return h.send(conn, TypeSessionResumed, s.ID, nil)
}

func (h *Hub) handleReload(conn Conn, env Envelope, now time.Time) error {
	s := h.store.GetOrCreate(env.SessionID)
	s.touch(now)
	return h.send(conn, TypeSessionResumed, s.ID, nil)
}

func (h *Hub) handleUserTurn(ctx context.Context, conn Conn, env Envelope, turn UserTurn, now time.Time) error {
	sessionID := turn.SessionID
	if sessionID == "" {
		sessionID = env.SessionID
	}
	s := h.store.GetOrCreate(sessionID)
	s.touch(now)

	if s.seen(env.MessageID) {
		h.log.Debug("dropping duplicate message", "session", s.ID, "messageId", env.MessageID)
		return nil
	}

	s.record(Turn{Role: "user", Content: turn.Message, MessageID: env.MessageID, Timestamp: now})

	if err := h.send(conn, TypeTyping, s.ID, nil); err != nil {
		return err
	}

	chunks, err := h.responder.Respond(ctx, s, turn)
	if err != nil {
		return h.sendError(conn, "responder_error", "failed to generate a reply", err.Error())
	}

	var full string
	streamed := false
	for chunk, chunkErr := range chunks {
		if chunkErr != nil {
			return h.sendError(conn, "responder_error", "reply stream failed", chunkErr.Error())
		}
		full += chunk
		streamed = true
		if err := h.send(conn, TypeStream, s.ID, StreamPayload{Chunk: chunk}); err != nil {
			return err
		}
	}

	s.record(Turn{Role: "dragon", Content: full, MessageID: env.MessageID, Timestamp: now})

	return h.send(conn, TypeMessage, s.ID, MessagePayload{
		Message:    full,
		IsStreamed: streamed,
		MessageID:  env.MessageID,
		SessionID:  s.ID,
	})
}

func (h *Hub) sendError(conn Conn, errorType, message, details string) error {
	return h.send(conn, TypeError, "", ErrorPayload{ErrorType: errorType, Message: message, Details: details})
}

func (h *Hub) send(conn Conn, msgType, sessionID string, payload any) error {
	if payload == nil {
		payload = struct{}{}
	}
	fields, err := outbound(msgType, sessionID, payload)
	if err != nil {
		return err
	}
	return conn.Send(fields)
}
