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

package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

const (
	commandTimeout      = 5 * time.Minute
	maxOutputBufferSize = 10 * 1024 * 1024
	maxStdoutTruncate   = 100 * 1024
	maxStderrTruncate   = 50 * 1024
)

func (d *Dispatcher) runCommand(ctx context.Context, args map[string]any) Result {
	command := stringArg(args, "command")
	if command == "" {
		return errResult(fmt.Errorf("run_command: command is required"))
	}

	decision, err := d.policy.Evaluate(command, d.repoRoot)
	if err != nil {
		return errResult(fmt.Errorf("run_command: %w", err))
	}
	if !decision.Allowed {
		return errResult(fmt.Errorf("run_command: %s", decision.Reason))
	}

	execCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	shellName, shellFlag := shellFor(runtime.GOOS)
	cmd := exec.CommandContext(execCtx, shellName, shellFlag, command)
	cmd.Dir = d.repoRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = limitedWriter(&stdout, maxOutputBufferSize)
	cmd.Stderr = limitedWriter(&stderr, maxOutputBufferSize)

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	if execCtx.Err() == context.DeadlineExceeded {
		return Result{Success: false, Error: fmt.Sprintf("command timed out after %s", commandTimeout)}
	}

	return Result{Success: true, Result: map[string]any{
		"stdout":    truncate(stdout.String(), maxStdoutTruncate),
		"stderr":    truncate(stderr.String(), maxStderrTruncate),
		"exit_code": exitCode,
	}}
}

func shellFor(goos string) (string, string) {
	if goos == "windows" {
		return "cmd", "/C"
	}
	return "sh", "-c"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}

// limitedWriter caps how many bytes get appended to buf, silently dropping
// the rest, so a runaway command cannot exhaust memory before the output
// gets truncated for display anyway.
type capBuffer struct {
	buf      *bytes.Buffer
	maxBytes int
}

func limitedWriter(buf *bytes.Buffer, maxBytes int) *capBuffer {
	return &capBuffer{buf: buf, maxBytes: maxBytes}
}

func (c *capBuffer) Write(p []byte) (int, error) {
	remaining := c.maxBytes - c.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}
