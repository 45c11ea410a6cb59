// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package acl

import (
	"fmt"
	"regexp"

	"github.com/drover-systems/drover/lib/target"
)

// ExprMatch checks a value against an ACL pattern. A pattern matches
// when it equals the value, when it matches as a glob, or when it
// matches as a fully anchored regular expression. This triple rule is
// what lets a table key "ops-.*" name a family of operators while the
// key "larry" stays a literal.
//
// Malformed regular expressions never match.
func ExprMatch(pattern, value string) bool {
	if pattern == value {
		return true
	}
	if target.MatchGlobPattern(pattern, value) {
		return true
	}
	return regexFullMatch(pattern, value)
}

// regexFullMatch applies pattern as a fully anchored regex. The
// anchoring means "web" cannot quietly permit "webserver-destroy";
// patterns must spell out the breadth they grant.
func regexFullMatch(pattern, value string) bool {
	compiled, err := regexp.Compile(`\A(?:` + pattern + `)\z`)
	if err != nil {
		return false
	}
	return compiled.MatchString(value)
}

// argMatches applies pattern to the string form of a call argument.
func argMatches(pattern string, arg any) bool {
	return regexFullMatch(pattern, fmt.Sprintf("%v", arg))
}
