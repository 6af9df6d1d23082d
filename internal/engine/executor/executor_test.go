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

package executor_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/runengine/internal/engine/executor"
)

func TestFormatPrompt_IncludesAllSections(t *testing.T) {
	order := executor.WorkOrder{
		Objective:          "add a health endpoint",
		Background:         "service currently has none",
		AcceptanceCriteria: []string{"GET /health returns 200"},
		Constraints: executor.Constraints{
			AllowedPaths:     []string{"internal/http"},
			DependencyPolicy: executor.DependencyExistingOnly,
		},
		VerificationCommands: []executor.VerificationCommand{
			{Cmd: "go test ./...", MustPass: true},
		},
	}

	prompt := executor.FormatPrompt(order)
	require.True(t, strings.Contains(prompt, "add a health endpoint"))
	require.True(t, strings.Contains(prompt, "service currently has none"))
	require.True(t, strings.Contains(prompt, "GET /health returns 200"))
	require.True(t, strings.Contains(prompt, "internal/http"))
	require.True(t, strings.Contains(prompt, "existing_only"))
	require.True(t, strings.Contains(prompt, "go test ./..."))
}

func TestFormatPrompt_OmitsEmptySections(t *testing.T) {
	order := executor.WorkOrder{Objective: "do the thing"}
	prompt := executor.FormatPrompt(order)
	require.False(t, strings.Contains(prompt, "Background:"))
	require.False(t, strings.Contains(prompt, "Acceptance criteria:"))
	require.False(t, strings.Contains(prompt, "Verification commands:"))
}
