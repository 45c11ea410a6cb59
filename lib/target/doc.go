// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package target resolves target expressions against the enrolled
// agent universe.
//
// A target is an expression plus a [MatchType] selecting the matching
// algorithm: glob over agent ids, an explicit list, an anchored
// regular expression, grain (agent-reported facts) or bundle-data
// matching, a named node group from configuration, or a compound
// boolean expression combining any of these.
//
// The [Resolver] interface is what the rest of the controller
// consumes: given an expression and a match type, produce the set of
// agent ids that currently match. [Registry] is the implementation,
// backed by an [AgentSource] for the enrolled universe and a
// [MetadataSource] for grains and bundle data.
package target
