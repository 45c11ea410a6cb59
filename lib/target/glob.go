// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package target

import "path"

// MatchGlobPattern matches value against a shell-style glob pattern:
// '*' matches any run of characters, '?' a single character, and
// '[...]' a character class. Agent ids are flat names, so unlike
// filesystem globbing there is no hierarchy for '*' to stop at.
//
// Malformed patterns (unclosed brackets) never match — a broken
// pattern must not quietly widen into a grant.
func MatchGlobPattern(pattern, value string) bool {
	matched, err := path.Match(pattern, value)
	if err != nil {
		return false
	}
	return matched
}
