// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package acl

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/drover-systems/drover/lib/target"
)

// Rule is one permitted item within an entry.
type Rule struct {
	// Fun is the function name pattern (exact, glob, or anchored
	// regex). Required.
	Fun string

	// Target optionally scopes the rule to a target expression,
	// resolved as a compound expression. When set, a call is
	// permitted only if its own resolved target set is a subset of
	// this expression's resolution. Empty means any target.
	Target string

	// Args optionally constrains leading positional arguments, one
	// anchored regex per position. A call with fewer arguments than
	// patterns does not match.
	Args []string
}

// Entry grants a set of rules to the identities matching Who.
type Entry struct {
	// Who matches the caller identity: exact name, glob, or anchored
	// regex. "*" grants to everyone.
	Who string

	// Rules are the permitted items. An identity with a matching
	// entry but no matching rule is still denied.
	Rules []Rule
}

// Table is an ordered access-control list. The zero value (no
// entries) denies everything.
type Table []Entry

// Decision is the outcome of a table evaluation.
type Decision int

const (
	// Deny means the call is not permitted.
	Deny Decision = iota

	// Allow means the call is permitted.
	Allow
)

// String returns "allow" or "deny".
func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// DenyReason describes why a table evaluation denied.
type DenyReason int

const (
	// ReasonNotListed means no entry matched the identity.
	ReasonNotListed DenyReason = iota

	// ReasonNoRule means an entry matched but none of its rules
	// covered the requested function and arguments.
	ReasonNoRule

	// ReasonTargetExceeds means a rule covered the function but the
	// requested target resolves beyond the rule's target scope.
	ReasonTargetExceeds

	// ReasonResolveFailed means the target subset check could not
	// resolve one of the expressions. Resolution failure denies.
	ReasonResolveFailed
)

// String returns a human-readable reason.
func (r DenyReason) String() string {
	switch r {
	case ReasonNotListed:
		return "identity not listed"
	case ReasonNoRule:
		return "no rule covers the function"
	case ReasonTargetExceeds:
		return "target exceeds rule scope"
	case ReasonResolveFailed:
		return "target resolution failed"
	default:
		return "unknown"
	}
}

// Result describes the outcome of a table evaluation. MatchedWho
// carries the entry pattern that produced an allow, for audit logging.
type Result struct {
	Decision   Decision
	Reason     DenyReason
	MatchedWho string
}

// Allowed reports whether the decision is Allow.
func (r Result) Allowed() bool { return r.Decision == Allow }

// Matches reports whether any entry applies to the identity. The
// authentication ladder uses this to decide whether a provider's
// principal is enumerated at all, before any function is evaluated.
func (t Table) Matches(identity string) bool {
	for _, entry := range t {
		if ExprMatch(entry.Who, identity) {
			return true
		}
	}
	return false
}

// PermitFunction evaluates the name-only flavor: the identity's rules
// are consulted for a function name match, ignoring targets and
// arguments. Orchestration and admin calls use this.
func (t Table) PermitFunction(identity, fun string) Result {
	listed := false
	for _, entry := range t {
		if !ExprMatch(entry.Who, identity) {
			continue
		}
		listed = true
		for _, rule := range entry.Rules {
			if ExprMatch(rule.Fun, fun) {
				return Result{Decision: Allow, MatchedWho: entry.Who}
			}
		}
	}
	if !listed {
		return Result{Decision: Deny, Reason: ReasonNotListed}
	}
	return Result{Decision: Deny, Reason: ReasonNoRule}
}

// PermitCall evaluates the publish flavor. Every requested function
// (a multi-function call carries several, with parallel argument
// lists) must be covered by a rule of a matching entry. Target-scoped
// rules additionally require the call's resolved target set to be a
// subset of the rule target's resolution; both sides resolve through
// the supplied resolver, and any resolution failure denies.
func (t Table) PermitCall(ctx context.Context, identity string, funs []string, args [][]any, expr string, matchType target.MatchType, resolver target.Resolver) Result {
	if len(funs) == 0 {
		return Result{Decision: Deny, Reason: ReasonNoRule}
	}

	// The call's own resolution is shared across rules and resolved
	// lazily: entries without target scoping never need it.
	var callSet target.Set
	resolveCall := func() (target.Set, error) {
		if callSet != nil {
			return callSet, nil
		}
		agents, err := resolver.ResolveTargets(ctx, expr, matchType, true)
		if err != nil {
			return nil, err
		}
		callSet = target.NewSet(agents)
		return callSet, nil
	}

	listed := false
	sawTargetDeny := false
	sawResolveFail := false

	allowedBy := func(fun string, funArgs []any) (string, bool) {
		for _, entry := range t {
			if !ExprMatch(entry.Who, identity) {
				continue
			}
			listed = true
			for _, rule := range entry.Rules {
				if !ExprMatch(rule.Fun, fun) {
					continue
				}
				if !ruleArgsMatch(rule.Args, funArgs) {
					continue
				}
				if rule.Target == "" {
					return entry.Who, true
				}
				ruleAgents, err := resolver.ResolveTargets(ctx, rule.Target, target.MatchCompound, true)
				if err != nil {
					sawResolveFail = true
					continue
				}
				called, err := resolveCall()
				if err != nil {
					sawResolveFail = true
					continue
				}
				if called.SubsetOf(target.NewSet(ruleAgents)) {
					return entry.Who, true
				}
				sawTargetDeny = true
			}
		}
		return "", false
	}

	matchedWho := ""
	for i, fun := range funs {
		var funArgs []any
		if i < len(args) {
			funArgs = args[i]
		}
		who, ok := allowedBy(fun, funArgs)
		if !ok {
			switch {
			case sawResolveFail:
				return Result{Decision: Deny, Reason: ReasonResolveFailed}
			case sawTargetDeny:
				return Result{Decision: Deny, Reason: ReasonTargetExceeds}
			case !listed:
				return Result{Decision: Deny, Reason: ReasonNotListed}
			default:
				return Result{Decision: Deny, Reason: ReasonNoRule}
			}
		}
		matchedWho = who
	}
	return Result{Decision: Allow, MatchedWho: matchedWho}
}

// ruleArgsMatch checks rule argument patterns against the leading
// positional arguments of a call.
func ruleArgsMatch(patterns []string, args []any) bool {
	if len(patterns) == 0 {
		return true
	}
	if len(args) < len(patterns) {
		return false
	}
	for i, pattern := range patterns {
		if !argMatches(pattern, args[i]) {
			return false
		}
	}
	return true
}

// UnmarshalYAML decodes the conventional table shape:
//
//	ops-.*:
//	  - test.ping
//	  - "web-*":
//	      - deploy.*
//	  - fun: service.restart
//	    tgt: "G@tier:frontend"
//	    args: ["^nginx$"]
//
// A mapping of who → rule list, where each rule is a bare function
// pattern, a single-key mapping of target → function patterns, or an
// explicit mapping with fun / tgt / args keys. Document order is
// preserved.
func (t *Table) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("acl table must be a mapping, got %s", yamlKindName(node.Kind))
	}
	entries := make(Table, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		who := node.Content[i].Value
		rules, err := decodeRuleList(node.Content[i+1])
		if err != nil {
			return fmt.Errorf("acl entry %q: %w", who, err)
		}
		entries = append(entries, Entry{Who: who, Rules: rules})
	}
	*t = entries
	return nil
}

func decodeRuleList(node *yaml.Node) ([]Rule, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("rules must be a sequence, got %s", yamlKindName(node.Kind))
	}
	var rules []Rule
	for _, item := range node.Content {
		decoded, err := decodeRuleItem(item)
		if err != nil {
			return nil, err
		}
		rules = append(rules, decoded...)
	}
	return rules, nil
}

func decodeRuleItem(node *yaml.Node) ([]Rule, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			return nil, fmt.Errorf("empty function pattern")
		}
		return []Rule{{Fun: node.Value}}, nil

	case yaml.MappingNode:
		if isExplicitRule(node) {
			var explicit struct {
				Fun  string   `yaml:"fun"`
				Tgt  string   `yaml:"tgt"`
				Args []string `yaml:"args"`
			}
			if err := node.Decode(&explicit); err != nil {
				return nil, err
			}
			if explicit.Fun == "" {
				return nil, fmt.Errorf("rule mapping missing fun")
			}
			return []Rule{{Fun: explicit.Fun, Target: explicit.Tgt, Args: explicit.Args}}, nil
		}

		// Short form: one key (the target) mapping to function
		// patterns.
		if len(node.Content) != 2 {
			return nil, fmt.Errorf("target rule mapping must have exactly one key")
		}
		tgt := node.Content[0].Value
		var funs []string
		if err := node.Content[1].Decode(&funs); err != nil {
			return nil, fmt.Errorf("target %q: %w", tgt, err)
		}
		rules := make([]Rule, 0, len(funs))
		for _, fun := range funs {
			if fun == "" {
				return nil, fmt.Errorf("target %q: empty function pattern", tgt)
			}
			rules = append(rules, Rule{Fun: fun, Target: tgt})
		}
		return rules, nil

	default:
		return nil, fmt.Errorf("rule must be a string or mapping, got %s", yamlKindName(node.Kind))
	}
}

// isExplicitRule reports whether a rule mapping uses the explicit
// fun / tgt / args keys rather than the target short form.
func isExplicitRule(node *yaml.Node) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "fun", "tgt", "args":
			return true
		}
	}
	return false
}

func yamlKindName(kind yaml.Kind) string {
	switch kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}
