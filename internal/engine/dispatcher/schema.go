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
	"fmt"

	engineerrors "github.com/tombee/runengine/pkg/errors"
)

// argKind is the scalar type an argument must satisfy.
type argKind int

const (
	kindString argKind = iota
	kindBool
	kindInt
	kindArray
)

func (k argKind) String() string {
	switch k {
	case kindBool:
		return "a boolean"
	case kindInt:
		return "a number"
	case kindArray:
		return "an array"
	default:
		return "a string"
	}
}

// argSpec declares one tool argument's name, scalar type, and whether it
// must be present.
type argSpec struct {
	name     string
	kind     argKind
	required bool
}

// toolSchemas declares, per tool, which arguments are required and what
// scalar type each must be. Every entry in the dispatcher's Execute
// switch has a matching entry here.
var toolSchemas = map[string][]argSpec{
	"read_file": {
		{name: "path", kind: kindString, required: true},
	},
	"edit_file": {
		{name: "path", kind: kindString, required: true},
		{name: "old_string", kind: kindString, required: false},
		{name: "new_string", kind: kindString, required: false},
		{name: "replace_all", kind: kindBool, required: false},
	},
	"list_files": {
		{name: "path", kind: kindString, required: false},
		{name: "recursive", kind: kindBool, required: false},
	},
	"run_command": {
		{name: "command", kind: kindString, required: true},
	},
	"spawn_workers": {
		{name: "tasks", kind: kindArray, required: true},
	},
	"spawn_workers_async": {
		{name: "tasks", kind: kindArray, required: true},
	},
	"wait_workers": {
		{name: "task_ids", kind: kindArray, required: false},
	},
	"get_worker_status": {
		{name: "task_ids", kind: kindArray, required: false},
	},
	"get_task_output": {
		{name: "task_id", kind: kindString, required: true},
		{name: "tail_lines", kind: kindInt, required: false},
	},
	"cancel_worker": {
		{name: "task_id", kind: kindString, required: true},
	},
	"complete": {
		{name: "summary", kind: kindString, required: true},
	},
	"fail": {
		{name: "reason", kind: kindString, required: true},
	},
	"cancel": {
		{name: "reason", kind: kindString, required: false},
	},
}

// validateArgs checks args against name's declared schema, returning a
// *pkg/errors.ValidationError (never a raw error) on the first missing
// required argument or type mismatch. A tool with no declared schema is
// left to its own handler.
func validateArgs(name string, args map[string]any) error {
	spec, ok := toolSchemas[name]
	if !ok {
		return nil
	}
	for _, s := range spec {
		v, present := args[s.name]
		if !present || v == nil {
			if s.required {
				return &engineerrors.ValidationError{
					Field:      s.name,
					Message:    fmt.Sprintf("%s is required", s.name),
					Suggestion: fmt.Sprintf("pass %s as %s", s.name, s.kind),
				}
			}
			continue
		}
		if !argMatchesKind(v, s.kind) {
			return &engineerrors.ValidationError{
				Field:      s.name,
				Message:    fmt.Sprintf("%s must be %s", s.name, s.kind),
				Suggestion: fmt.Sprintf("pass %s as %s", s.name, s.kind),
			}
		}
	}
	return nil
}

func argMatchesKind(v any, k argKind) bool {
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindBool:
		_, ok := v.(bool)
		return ok
	case kindInt:
		switch v.(type) {
		case int, float64:
			return true
		default:
			return false
		}
	case kindArray:
		_, ok := v.([]any)
		return ok
	default:
		return false
	}
}
