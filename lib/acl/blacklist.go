// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package acl

// Blacklist refuses service by caller name or function name before
// any other processing. It is evaluated against the name the request
// CLAIMS, prior to authentication, so a blacklisted name cannot reach
// the credential path at all.
type Blacklist struct {
	// Users are patterns (exact, glob, or anchored regex) over the
	// claimed caller name.
	Users []string `yaml:"users"`

	// Functions are patterns over requested function names. For
	// multi-function calls, any blacklisted element refuses the whole
	// call.
	Functions []string `yaml:"functions"`
}

// BlocksUser reports whether the claimed name is blacklisted.
func (b Blacklist) BlocksUser(name string) bool {
	for _, pattern := range b.Users {
		if ExprMatch(pattern, name) {
			return true
		}
	}
	return false
}

// BlocksFunction reports whether any of the requested functions is
// blacklisted.
func (b Blacklist) BlocksFunction(funs ...string) bool {
	for _, fun := range funs {
		for _, pattern := range b.Functions {
			if ExprMatch(pattern, fun) {
				return true
			}
		}
	}
	return false
}
