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

package supervisor

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// promptBudget counts tokens against a fixed encoding so runStep's
// progressive detail reveal (spec.md §4.5.3) can be capped by actual
// prompt size rather than by step count alone. Claude and Gemini models
// don't publish a tiktoken encoding; cl100k_base is close enough to flag
// an oversized prompt before it reaches the provider.
type promptBudget struct {
	encoding *tiktoken.Tiktoken
	mu       sync.Mutex
}

var (
	sharedPromptBudget     *promptBudget
	sharedPromptBudgetOnce sync.Once
)

func defaultPromptBudget() *promptBudget {
	sharedPromptBudgetOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			sharedPromptBudget = &promptBudget{}
			return
		}
		sharedPromptBudget = &promptBudget{encoding: enc}
	})
	return sharedPromptBudget
}

// count returns text's token count, or a 4-chars-per-token estimate if
// the encoding failed to load.
func (b *promptBudget) count(text string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.encoding == nil {
		return len(text) / 4
	}
	return len(b.encoding.Encode(text, nil, nil))
}

// fits reports whether text is within maxTokens.
func (b *promptBudget) fits(text string, maxTokens int) bool {
	if maxTokens <= 0 {
		return true
	}
	return b.count(text) <= maxTokens
}
