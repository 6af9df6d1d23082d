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

package policy_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/runengine/internal/engine/policy"
)

func TestPolicy_DangerousCommand(t *testing.T) {
	p, err := policy.New(policy.Config{})
	require.NoError(t, err)

	d, err := p.Evaluate("rm -rf /", "/repo")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.True(t, strings.Contains(d.Reason, "root directory"))
}

func TestPolicy_AllowsOrdinaryCommand(t *testing.T) {
	p, err := policy.New(policy.Config{})
	require.NoError(t, err)

	d, err := p.Evaluate("go test ./...", "/repo")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestPolicy_InteractiveWarning(t *testing.T) {
	p, err := policy.New(policy.Config{})
	require.NoError(t, err)

	d, err := p.Evaluate("sudo apt-get update", "/repo")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NotEmpty(t, d.Warnings)
}

func TestPolicy_AuditCommand(t *testing.T) {
	p, err := policy.New(policy.Config{})
	require.NoError(t, err)

	d, err := p.Evaluate("curl https://example.com", "/repo")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.True(t, d.Audit)
}

func TestPolicy_Allowlist(t *testing.T) {
	p, err := policy.New(policy.Config{Allowlist: []string{"go", "git"}})
	require.NoError(t, err)

	d, err := p.Evaluate("npm install", "/repo")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = p.Evaluate("go build ./...", "/repo")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestPolicy_EmptyCommand(t *testing.T) {
	p, err := policy.New(policy.Config{})
	require.NoError(t, err)

	_, err = p.Evaluate("   ", "/repo")
	require.Error(t, err)
}

func TestPolicy_CustomRule(t *testing.T) {
	p, err := policy.New(policy.Config{Rule: `Command != "npm"`})
	require.NoError(t, err)

	d, err := p.Evaluate("npm publish", "/repo")
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

func TestClassifyError(t *testing.T) {
	cases := map[string]policy.ErrorClass{
		"connection reset by peer":    policy.ErrorTransient,
		"rate limit exceeded":         policy.ErrorTransient,
		"HTTP 503 service unavailable": policy.ErrorTransient,
		"invalid API key":             policy.ErrorPermanent,
		"HTTP 404 not found":          policy.ErrorPermanent,
		"something totally unrelated": policy.ErrorUnknown,
	}
	for msg, want := range cases {
		require.Equal(t, want, policy.ClassifyError(msg), msg)
	}
}
