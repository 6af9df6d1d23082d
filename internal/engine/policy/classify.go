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

package policy

import (
	"regexp"
	"strings"
)

// ErrorClass is the retry classification of an error message.
type ErrorClass int

const (
	// ErrorUnknown matches neither transient nor permanent patterns; retried
	// for at most half the configured max retries.
	ErrorUnknown ErrorClass = iota
	ErrorTransient
	ErrorPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var transientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btimeout\b`),
	regexp.MustCompile(`(?i)connection\s+(reset|refused)`),
	regexp.MustCompile(`(?i)\bnetwork\b`),
	regexp.MustCompile(`(?i)rate.?limit`),
	regexp.MustCompile(`\b(429|502|503)\b`),
	regexp.MustCompile(`(?i)\btemporary\b`),
	regexp.MustCompile(`(?i)\bunavailable\b`),
	regexp.MustCompile(`(?i)\boverloaded\b`),
}

var permanentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)syntax\s+error`),
	regexp.MustCompile(`(?i)invalid\s+api\s+key`),
	regexp.MustCompile(`\b(401|403|404)\b`),
	regexp.MustCompile(`(?i)invalid\s+request`),
	regexp.MustCompile(`\b400\b`),
	regexp.MustCompile(`(?i)(type|reference)\s*error`),
}

// ClassifyError returns whether msg looks transient, permanent, or unknown,
// per C2's retry-classification rules.
func ClassifyError(msg string) ErrorClass {
	if msg == "" {
		return ErrorUnknown
	}
	trimmed := strings.TrimSpace(msg)
	for _, re := range transientPatterns {
		if re.MatchString(trimmed) {
			return ErrorTransient
		}
	}
	for _, re := range permanentPatterns {
		if re.MatchString(trimmed) {
			return ErrorPermanent
		}
	}
	return ErrorUnknown
}
