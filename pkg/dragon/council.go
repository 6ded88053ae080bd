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
	"iter"
	"log/slog"
	"strings"

	"github.com/specforge/orchestrator/pkg/project"
)

// councilMember is one of the four delegate sub-agents Council routes a
// user turn to. Each handles its own slice of the conversation and returns
// the complete reply text; Council narrates it as a pseudo-stream the same
// way EchoResponder does, since none of the members here drive a real LLM
// (pkg/llmprovider.Provider is a caller-supplied interface with no binding
// in this module).
type councilMember interface {
	name() string
	handle(ctx context.Context, p *project.Project, s *Session, turn UserTurn) (string, error)
}

// CouncilResponder implements Responder by delegating each user turn to one
// of Sage, Seeker, Sentinel, or Warden, chosen by a keyword-driven intent
// guess against the turn's message. An embedder that wires a real
// llmprovider.Provider can replace this routing with a model-driven one
// without changing the Responder contract Hub depends on.
type CouncilResponder struct {
	registry *project.Registry

	sage     *Sage
	seeker   *Seeker
	sentinel *Sentinel
	warden   *Warden

	log *slog.Logger
}

// NewCouncil builds a CouncilResponder bound to registry for project
// lookups and the four council members.
func NewCouncil(registry *project.Registry, sage *Sage, seeker *Seeker, sentinel *Sentinel, warden *Warden) *CouncilResponder {
	return &CouncilResponder{
		registry: registry,
		sage:     sage,
		seeker:   seeker,
		sentinel: sentinel,
		warden:   warden,
		log:      slog.Default().With("component", "dragon.Council"),
	}
}

func (c *CouncilResponder) Respond(ctx context.Context, s *Session, turn UserTurn) (iter.Seq2[string, error], error) {
	p, err := c.registry.Get(s.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("resolve project %s: %w", s.ProjectID, err)
	}

	member := c.selectMember(turn.Message)
	reply, err := member.handle(ctx, p, s, turn)
	if err != nil {
		c.log.Warn("council member returned an error", "member", member.name(), "project", p.ID, "error", err)
		reply = fmt.Sprintf("%s: %v", member.name(), err)
	}

	return func(yield func(string, error) bool) {
		for _, word := range splitWords(reply) {
			if !yield(word+" ", nil) {
				return
			}
		}
	}, nil
}

// selectMember guesses which council member owns a turn. Sage is the
// fallback: specification authoring and feature management is the default
// conversational mode, and the other three are entered by naming their
// domain explicitly.
func (c *CouncilResponder) selectMember(message string) councilMember {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "git", "merge", "branch", "commit"):
		return c.sentinel
	case containsAny(lower, "pause", "resume", "suspend", "cancel", "retry", "priority", "sandbox mode", "status"):
		return c.warden
	case containsAny(lower, "import", "scan"):
		return c.seeker
	default:
		return c.sage
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
