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

package terminal

import "encoding/json"

// Frame is an inbound control message. A frame that fails to parse as
// JSON is treated as raw input text instead (ParseFrame returns ok=false).
type Frame struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// ParseFrame attempts to decode p as a control frame. Raw terminal input
// typed by a human rarely happens to be valid JSON with a recognized
// "type" field, so a decode failure or unrecognized type means "treat p as
// raw input bytes" rather than an error.
func ParseFrame(p []byte) (Frame, bool) {
	var f Frame
	if err := json.Unmarshal(p, &f); err != nil {
		return Frame{}, false
	}
	switch f.Type {
	case "input", "resize", "ping":
		return f, true
	default:
		return Frame{}, false
	}
}
