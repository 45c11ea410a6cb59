// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"sort"

	"github.com/drover-systems/drover/lib/ref"
)

// Set is an unordered collection of agent ids. The nil Set is empty
// and read-only; mutating methods require a Set from NewSet or make.
type Set map[ref.AgentID]struct{}

// NewSet builds a Set from a slice of agent ids.
func NewSet(agents []ref.AgentID) Set {
	s := make(Set, len(agents))
	for _, agent := range agents {
		s[agent] = struct{}{}
	}
	return s
}

// Add inserts agent into the set.
func (s Set) Add(agent ref.AgentID) { s[agent] = struct{}{} }

// Contains reports whether agent is a member.
func (s Set) Contains(agent ref.AgentID) bool {
	_, ok := s[agent]
	return ok
}

// SubsetOf reports whether every member of s is also in other.
func (s Set) SubsetOf(other Set) bool {
	for agent := range s {
		if !other.Contains(agent) {
			return false
		}
	}
	return true
}

// Union returns a new set with the members of both sets.
func (s Set) Union(other Set) Set {
	merged := make(Set, len(s)+len(other))
	for agent := range s {
		merged[agent] = struct{}{}
	}
	for agent := range other {
		merged[agent] = struct{}{}
	}
	return merged
}

// Intersect returns a new set with the members common to both sets.
func (s Set) Intersect(other Set) Set {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	common := make(Set)
	for agent := range small {
		if large.Contains(agent) {
			common[agent] = struct{}{}
		}
	}
	return common
}

// Subtract returns a new set with the members of s not in other.
func (s Set) Subtract(other Set) Set {
	remaining := make(Set)
	for agent := range s {
		if !other.Contains(agent) {
			remaining[agent] = struct{}{}
		}
	}
	return remaining
}

// IDs returns the members sorted by id, for deterministic envelopes
// and test comparisons.
func (s Set) IDs() []ref.AgentID {
	ids := make([]ref.AgentID, 0, len(s))
	for agent := range s {
		ids = append(ids, agent)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
