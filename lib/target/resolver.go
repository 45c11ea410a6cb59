// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/drover-systems/drover/lib/ref"
)

// Resolver turns a target expression into the set of agent ids that
// currently match it. greedy controls how agents without metadata are
// treated by the grain and data matchers: when true, an agent with no
// recorded metadata still matches the universal value pattern "*";
// when false it is excluded from every metadata match. Matchers that
// never consult metadata ignore the flag.
type Resolver interface {
	ResolveTargets(ctx context.Context, expr string, matchType MatchType, greedy bool) ([]ref.AgentID, error)
}

// AgentSource enumerates the enrolled agent universe. The enrollment
// key store implements it: only agents with accepted keys are
// targetable.
type AgentSource interface {
	AcceptedAgents(ctx context.Context) ([]ref.AgentID, error)
}

// MetadataSource supplies per-agent metadata for the grain and data
// matchers. The bundle cache implements it from each agent's last
// bundle request. The boolean reports whether any metadata exists for
// the agent at all.
type MetadataSource interface {
	Grains(ctx context.Context, agent ref.AgentID) (map[string]any, bool)
	Data(ctx context.Context, agent ref.AgentID) (map[string]any, bool)
}

// Registry resolves target expressions against an AgentSource and a
// MetadataSource. All fields are fixed at construction; a Registry is
// safe for concurrent use.
type Registry struct {
	agents     AgentSource
	metadata   MetadataSource
	nodegroups map[string]string
}

var _ Resolver = (*Registry)(nil)

// NewRegistry builds a Registry. metadata may be nil, in which case
// grain and data expressions match nothing; nodegroups maps group
// names to compound expressions and may be nil.
func NewRegistry(agents AgentSource, metadata MetadataSource, nodegroups map[string]string) *Registry {
	return &Registry{agents: agents, metadata: metadata, nodegroups: nodegroups}
}

// ResolveTargets implements Resolver.
func (r *Registry) ResolveTargets(ctx context.Context, expr string, matchType MatchType, greedy bool) ([]ref.AgentID, error) {
	universe, err := r.agents.AcceptedAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing enrolled agents: %w", err)
	}
	set, err := r.resolve(ctx, universe, expr, matchType, greedy, nil)
	if err != nil {
		return nil, err
	}
	return set.IDs(), nil
}

// resolve dispatches on match type. seen carries the node-group names
// already being expanded, to refuse definition cycles.
func (r *Registry) resolve(ctx context.Context, universe []ref.AgentID, expr string, matchType MatchType, greedy bool, seen map[string]bool) (Set, error) {
	switch matchType {
	case MatchGlob, "":
		return r.resolveGlob(universe, expr), nil
	case MatchList:
		return r.resolveList(universe, expr)
	case MatchRegex:
		return r.resolveRegex(universe, expr)
	case MatchGrain:
		return r.resolveMetadata(ctx, universe, expr, metadataGrains, false, greedy)
	case MatchGrainExact:
		return r.resolveMetadata(ctx, universe, expr, metadataGrains, true, greedy)
	case MatchData:
		return r.resolveMetadata(ctx, universe, expr, metadataData, false, greedy)
	case MatchDataExact:
		return r.resolveMetadata(ctx, universe, expr, metadataData, true, greedy)
	case MatchCompound:
		return r.resolveCompound(ctx, universe, expr, false, greedy, seen)
	case MatchCompoundDataExact:
		return r.resolveCompound(ctx, universe, expr, true, greedy, seen)
	case MatchNodegroup:
		return r.resolveNodegroup(ctx, universe, expr, greedy, seen)
	default:
		return nil, fmt.Errorf("unknown match type %q", matchType)
	}
}

func (r *Registry) resolveGlob(universe []ref.AgentID, pattern string) Set {
	matched := make(Set)
	for _, agent := range universe {
		if MatchGlobPattern(pattern, agent.String()) {
			matched.Add(agent)
		}
	}
	return matched
}

// resolveList matches a comma-separated list of exact ids. Ids that
// are not enrolled simply do not match; a syntactically invalid id is
// an expression error.
func (r *Registry) resolveList(universe []ref.AgentID, expr string) (Set, error) {
	wanted := make(map[string]bool)
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := ref.ParseAgentID(part)
		if err != nil {
			return nil, fmt.Errorf("list target: %w", err)
		}
		wanted[id.String()] = true
	}
	matched := make(Set)
	for _, agent := range universe {
		if wanted[agent.String()] {
			matched.Add(agent)
		}
	}
	return matched, nil
}

func (r *Registry) resolveRegex(universe []ref.AgentID, expr string) (Set, error) {
	compiled, err := regexp.Compile(`\A(?:` + expr + `)\z`)
	if err != nil {
		return nil, fmt.Errorf("regex target: %w", err)
	}
	matched := make(Set)
	for _, agent := range universe {
		if compiled.MatchString(agent.String()) {
			matched.Add(agent)
		}
	}
	return matched, nil
}

// metadataKind selects which metadata document a grain/data match
// reads.
type metadataKind int

const (
	metadataGrains metadataKind = iota
	metadataData
)

// resolveMetadata matches "key:pattern" expressions against agent
// metadata. The key may descend into nested maps with '/' separators
// ("os/family"). A value that is a list matches when any element
// matches.
func (r *Registry) resolveMetadata(ctx context.Context, universe []ref.AgentID, expr string, kind metadataKind, exact, greedy bool) (Set, error) {
	key, pattern, found := strings.Cut(expr, ":")
	if !found || key == "" {
		return nil, fmt.Errorf("metadata target %q: want key:pattern", expr)
	}
	matched := make(Set)
	for _, agent := range universe {
		doc, ok := r.lookupMetadata(ctx, agent, kind)
		if !ok {
			// No metadata recorded. Greedy resolution keeps such
			// agents reachable through the universal pattern.
			if greedy && pattern == "*" {
				matched.Add(agent)
			}
			continue
		}
		value, ok := descend(doc, key)
		if !ok {
			continue
		}
		if valueMatches(value, pattern, exact) {
			matched.Add(agent)
		}
	}
	return matched, nil
}

func (r *Registry) lookupMetadata(ctx context.Context, agent ref.AgentID, kind metadataKind) (map[string]any, bool) {
	if r.metadata == nil {
		return nil, false
	}
	if kind == metadataGrains {
		return r.metadata.Grains(ctx, agent)
	}
	return r.metadata.Data(ctx, agent)
}

func (r *Registry) resolveNodegroup(ctx context.Context, universe []ref.AgentID, name string, greedy bool, seen map[string]bool) (Set, error) {
	expr, ok := r.nodegroups[name]
	if !ok {
		return nil, fmt.Errorf("node group %q is not defined", name)
	}
	if seen[name] {
		return nil, fmt.Errorf("node group %q is defined in terms of itself", name)
	}
	if seen == nil {
		seen = make(map[string]bool)
	}
	seen[name] = true
	defer delete(seen, name)
	return r.resolveCompound(ctx, universe, expr, false, greedy, seen)
}

// descend walks a '/'-separated key path into nested maps.
func descend(doc map[string]any, key string) (any, bool) {
	var value any = doc
	for _, part := range strings.Split(key, "/") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

// valueMatches applies pattern to a metadata value. Lists match when
// any element matches; everything else is compared by string form.
func valueMatches(value any, pattern string, exact bool) bool {
	if list, ok := value.([]any); ok {
		for _, element := range list {
			if valueMatches(element, pattern, exact) {
				return true
			}
		}
		return false
	}
	text := fmt.Sprintf("%v", value)
	if exact {
		return text == pattern
	}
	return valueGlobMatch(pattern, text)
}

// valueGlobMatch globs over metadata values. Values may legitimately
// contain '/' (kernel versions, mount points), so '*' must cross it;
// path.Match would not. The pattern is translated to an anchored
// regex: '*' → '.*', '?' → '.', character classes pass through.
func valueGlobMatch(pattern, value string) bool {
	var b strings.Builder
	b.WriteString(`\A`)
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteByte('.')
		case '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end < 0 {
				return false
			}
			b.WriteString(pattern[i : i+end+1])
			i += end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`\z`)
	compiled, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return compiled.MatchString(value)
}
