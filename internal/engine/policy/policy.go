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

// Package policy classifies shell command strings as allowed, denied, or
// audit-only, and classifies provider/command errors as transient or
// permanent for the resilient caller's retry logic.
package policy

import (
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	engineerrors "github.com/tombee/runengine/pkg/errors"
)

// dangerousPatterns matches command strings that must never execute.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-rf\s+/($|\s)`),
	regexp.MustCompile(`(?i)\brm\s+-rf\s+--no-preserve-root\b`),
	regexp.MustCompile(`(?i)/etc/(passwd|shadow|sudoers)\b`),
	regexp.MustCompile(`(?i)\.ssh/(id_rsa|id_ed25519|authorized_keys)\b`),
	regexp.MustCompile(`(?i)\benv\b.*\|\s*(curl|wget|nc|netcat)\b`),
	regexp.MustCompile(`(?i)\b(nc|ncat|netcat)\s+-e\b`),
	regexp.MustCompile(`(?i)/dev/tcp/`),
	regexp.MustCompile(`(?i)\$\([^)]*\$\(`),
	regexp.MustCompile("(?i)`[^`]*`[^`]*`"),
	regexp.MustCompile(`(?i)\bbase64\s+-d\b.*\|\s*(sh|bash)\b`),
	regexp.MustCompile(`(?i)\b(sudo\s+)?chmod\s+[+ugo]*s\b`),
	regexp.MustCompile(`(?i)\bkillall\s+-9\b|\bpkill\s+-9\s+-1\b`),
	regexp.MustCompile(`(?i)\bdd\s+.*of=/dev/(sd|nvme|hd)`),
	regexp.MustCompile(`(?i)\bmkfs\.`),
	regexp.MustCompile(`(?i)\bcrontab\s+-r\b|\bsystemctl\s+(disable|mask)\b`),
	regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b`),
}

// interactivePatterns match commands that will block waiting on a TTY.
var interactivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*sudo\b`),
	regexp.MustCompile(`(?i)\b(vi|vim|nano|emacs)\b`),
	regexp.MustCompile(`(?i)\b(ssh|telnet)\b`),
}

// auditPatterns match commands that are allowed but should be logged for
// review (network egress, package publication, container operations).
var auditPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(curl|wget)\b`),
	regexp.MustCompile(`(?i)\bgit\s+push\b`),
	regexp.MustCompile(`(?i)\bnpm\s+publish\b`),
	regexp.MustCompile(`(?i)\bdocker\b`),
}

// Decision is the outcome of classifying a command string.
type Decision struct {
	Allowed  bool
	Reason   string
	Warnings []string
	Audit    bool
}

// Config configures the Policy engine. An empty Allowlist means "allow
// anything that does not match a DANGEROUS pattern".
type Config struct {
	Allowlist []string
	// Rule is an optional expr-lang boolean expression evaluated over
	// {Command, Args, Cwd} as an additional allow/deny stage layered on top
	// of the built-in DANGEROUS check. A false result denies the command.
	Rule string
}

// Policy classifies shell commands and provider errors.
type Policy struct {
	allowlist map[string]struct{}
	rule      *vm.Program
}

// ruleEnv is the evaluation environment exposed to a Config.Rule expression.
type ruleEnv struct {
	Command string
	Args    []string
	Cwd     string
}

// New compiles cfg into a Policy. An invalid Rule expression is a
// ConfigError-shaped failure surfaced at construction, not at evaluation
// time.
func New(cfg Config) (*Policy, error) {
	p := &Policy{allowlist: make(map[string]struct{}, len(cfg.Allowlist))}
	for _, a := range cfg.Allowlist {
		p.allowlist[strings.ToLower(a)] = struct{}{}
	}
	if cfg.Rule != "" {
		program, err := expr.Compile(cfg.Rule, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return nil, &engineerrors.ConfigError{Key: "command_policy.rule", Reason: err.Error(), Cause: err}
		}
		p.rule = program
	}
	return p, nil
}

// Evaluate classifies command against the three ordered stages described in
// C2: DANGEROUS rejection, INTERACTIVE warning, AUDIT logging.
func (p *Policy) Evaluate(command, cwd string) (Decision, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Decision{}, &engineerrors.ValidationError{Field: "command", Message: "command must not be empty"}
	}

	for _, re := range dangerousPatterns {
		if re.MatchString(trimmed) {
			return Decision{Allowed: false, Reason: dangerousReason(re, trimmed)}, nil
		}
	}

	var warnings []string
	for _, re := range interactivePatterns {
		if re.MatchString(trimmed) {
			warnings = append(warnings, "command may block waiting for interactive input: "+trimmed)
			break
		}
	}

	audit := false
	for _, re := range auditPatterns {
		if re.MatchString(trimmed) {
			audit = true
			break
		}
	}

	if len(p.allowlist) > 0 {
		base := baseCommand(trimmed)
		if _, ok := p.allowlist[strings.ToLower(base)]; !ok {
			return Decision{Allowed: false, Reason: "command not in allowlist: " + base, Warnings: warnings, Audit: audit}, nil
		}
	}

	if p.rule != nil {
		base, args := splitCommand(trimmed)
		out, err := expr.Run(p.rule, ruleEnv{Command: base, Args: args, Cwd: cwd})
		if err != nil {
			return Decision{}, &engineerrors.PolicyError{Command: trimmed, Reason: "rule evaluation failed: " + err.Error()}
		}
		if ok, _ := out.(bool); !ok {
			return Decision{Allowed: false, Reason: "rejected by custom policy rule", Warnings: warnings, Audit: audit}, nil
		}
	}

	return Decision{Allowed: true, Warnings: warnings, Audit: audit}, nil
}

func dangerousReason(re *regexp.Regexp, command string) string {
	switch {
	case strings.Contains(re.String(), `rm\s+-rf`):
		return "command targets the root directory for destructive removal"
	case strings.Contains(re.String(), "passwd|shadow|sudoers"):
		return "command accesses system credential files"
	case strings.Contains(re.String(), "shutdown|reboot"):
		return "command would shut down or reboot the host"
	default:
		return "command matches a blocked dangerous pattern"
	}
}

func baseCommand(command string) string {
	base, _ := splitCommand(command)
	return base
}

func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
