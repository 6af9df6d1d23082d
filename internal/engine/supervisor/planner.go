// Copyright 2025 Tom Barlow
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
	"context"
	"fmt"
)

// Turn is one entry in the conversation the Planner reasons over: either
// a system/user message or the result of a previously dispatched tool
// call, fed back in on the next Plan call.
type Turn struct {
	Role    string // "system", "user", "assistant", or "tool"
	Content string
	Tool    string // set when Role == "tool": which tool this result is for
}

// ToolCall is the Planner's next requested action.
type ToolCall struct {
	Name string
	Args map[string]any
}

// Planner is the supervising LLM abstraction. The vendor SDK behind a
// concrete Planner is explicitly out of this module's scope (§1 "the
// embedded LLM vendor SDKs (only the adapter contract is specified)");
// this interface is the seam a real provider binds to.
type Planner interface {
	Plan(ctx context.Context, history []Turn) (ToolCall, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, history []Turn) (ToolCall, error)

// Plan implements Planner.
func (f PlannerFunc) Plan(ctx context.Context, history []Turn) (ToolCall, error) {
	return f(ctx, history)
}

// UnconfiguredPlanner returns a Planner that immediately fails every run
// it drives. cmd/engined wires this in by default since the vendor LLM
// SDK behind a real Planner is out of this module's scope; an operator
// supplies a concrete Planner by building their own main package against
// this package's interface.
func UnconfiguredPlanner() Planner {
	return PlannerFunc(func(ctx context.Context, history []Turn) (ToolCall, error) {
		return ToolCall{}, fmt.Errorf("no planner configured: wire a Planner implementation before starting runs")
	})
}
