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

package recovery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/specforge/orchestrator/pkg/task"
)

// consecutiveTripThreshold is how many consecutive transient failures on
// one provider open its circuit (spec.md §4.7).
const consecutiveTripThreshold = 3

// cooldownPeriod is how long a tripped circuit stays open before allowing
// a single half-open probe request through.
const cooldownPeriod = 10 * time.Minute

// ErrCircuitOpen is returned by Call when a provider's circuit is open
// and no probe request is currently owed.
var ErrCircuitOpen = gobreaker.ErrOpenState

// ProviderGate holds one gobreaker.CircuitBreaker per LLM provider,
// gating outbound calls so a known-down provider does not keep absorbing
// worker time (spec.md §4.7: "circuit breaker per LLM provider").
type ProviderGate struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	log      *slog.Logger
}

// NewProviderGate constructs an empty gate; breakers are created lazily
// per provider name on first use.
func NewProviderGate() *ProviderGate {
	return &ProviderGate{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      slog.Default().With("component", "recovery.ProviderGate"),
	}
}

func (g *ProviderGate) breakerFor(provider string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[provider]; ok {
		return b
	}

	name := provider
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single half-open probe
		Interval:    0, // counts never reset on a timer while closed
		Timeout:     cooldownPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveTripThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn("provider circuit state change", "provider", name, "from", from.String(), "to", to.String())
		},
	})
	g.breakers[provider] = b
	return b
}

// Call executes fn through provider's breaker. Only errors classified as
// transient by Classify count toward tripping the circuit; permanent and
// unknown failures are reported to gobreaker as successes so a bad API
// key or malformed request — which says nothing about provider
// availability — never perturbs the consecutive-failure streak. The
// caller still sees the real error either way.
func (g *ProviderGate) Call(provider string, fn func() error) error {
	b := g.breakerFor(provider)
	var realErr error
	_, err := b.Execute(func() (any, error) {
		realErr = fn()
		if realErr == nil {
			return nil, nil
		}
		if Classify(realErr) != task.ErrorCategoryTransient {
			return nil, nil // inert to the breaker; realErr still surfaces below
		}
		return nil, realErr
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return err
	}
	return realErr
}

// State reports whether provider's breaker currently permits calls.
func (g *ProviderGate) State(provider string) gobreaker.State {
	return g.breakerFor(provider).State()
}

// IsOpen reports whether provider is currently circuit-broken (no calls
// permitted except the half-open probe gobreaker grants internally).
func (g *ProviderGate) IsOpen(provider string) bool {
	return g.State(provider) == gobreaker.StateOpen
}
