// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package target

import "fmt"

// MatchType names the matching algorithm applied to a target
// expression. The zero value is not valid; callers that accept a
// wire-supplied string should go through ParseMatchType, which maps
// the empty string to MatchGlob.
type MatchType string

const (
	// MatchGlob matches agent ids with shell-style glob patterns.
	// The default when a request names no match type.
	MatchGlob MatchType = "glob"

	// MatchList matches a comma-separated list of exact agent ids.
	MatchList MatchType = "list"

	// MatchRegex matches agent ids with a fully anchored regular
	// expression.
	MatchRegex MatchType = "regex"

	// MatchGrain matches "key:pattern" against agent-reported facts,
	// the pattern applied as a glob to the value at key.
	MatchGrain MatchType = "grain"

	// MatchGrainExact is MatchGrain with string equality in place of
	// glob matching.
	MatchGrainExact MatchType = "grain_exact"

	// MatchData matches "key:pattern" against the agent's compiled
	// bundle data rather than its grains.
	MatchData MatchType = "data"

	// MatchDataExact is MatchData with string equality.
	MatchDataExact MatchType = "data_exact"

	// MatchCompound evaluates a boolean expression over the other
	// matchers: "webserver-* and G@os:linux and not L@canary-1".
	MatchCompound MatchType = "compound"

	// MatchCompoundDataExact is MatchCompound with every data atom
	// evaluated under exact semantics. The mine read path uses it so
	// an embedded allow-list cannot be widened by glob metacharacters
	// in stored data values.
	MatchCompoundDataExact MatchType = "compound_data_exact"

	// MatchNodegroup resolves a named expression from controller
	// configuration.
	MatchNodegroup MatchType = "nodegroup"
)

// ParseMatchType validates a wire-supplied match type string. The
// empty string parses to MatchGlob.
func ParseMatchType(raw string) (MatchType, error) {
	switch MatchType(raw) {
	case "":
		return MatchGlob, nil
	case MatchGlob, MatchList, MatchRegex, MatchGrain, MatchGrainExact,
		MatchData, MatchDataExact, MatchCompound, MatchCompoundDataExact,
		MatchNodegroup:
		return MatchType(raw), nil
	default:
		return "", fmt.Errorf("unknown match type %q", raw)
	}
}

// String returns the wire form.
func (m MatchType) String() string { return string(m) }
