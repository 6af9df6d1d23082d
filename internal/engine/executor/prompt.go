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

package executor

import (
	"fmt"
	"strings"
)

// FormatPrompt renders a WorkOrder into the fixed textual layout every
// vendor adapter sends to its CLI: objective, optional background,
// acceptance criteria, constraints, verification commands, final
// instructions.
func FormatPrompt(order WorkOrder) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Objective:\n%s\n", order.Objective)

	if order.Background != "" {
		fmt.Fprintf(&b, "\nBackground:\n%s\n", order.Background)
	}

	if len(order.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range order.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	b.WriteString("\nConstraints:\n")
	if len(order.Constraints.AllowedPaths) > 0 {
		fmt.Fprintf(&b, "- Allowed paths: %s\n", strings.Join(order.Constraints.AllowedPaths, ", "))
	}
	if len(order.Constraints.ForbiddenPaths) > 0 {
		fmt.Fprintf(&b, "- Forbidden paths: %s\n", strings.Join(order.Constraints.ForbiddenPaths, ", "))
	}
	if order.Constraints.DependencyPolicy != "" {
		fmt.Fprintf(&b, "- Dependency policy: %s\n", order.Constraints.DependencyPolicy)
	}

	if len(order.VerificationCommands) > 0 {
		b.WriteString("\nVerification commands:\n")
		for _, v := range order.VerificationCommands {
			must := "should pass"
			if v.MustPass {
				must = "must pass"
			}
			fmt.Fprintf(&b, "- %s (%s)\n", v.Cmd, must)
		}
	}

	b.WriteString("\nWhen finished, call complete with a summary of what changed, or fail with an explanation if the objective could not be met.\n")

	return b.String()
}
