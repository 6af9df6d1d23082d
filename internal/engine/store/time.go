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

package store

import "time"

// nowRFC3339 is the single point of truth for how timestamps are rendered
// to SQLite TEXT columns. The fraction is always nine digits wide, so
// lexical ordering matches chronological order.
func nowRFC3339() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
