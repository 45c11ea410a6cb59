// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"context"
	"fmt"
	"strings"

	"github.com/drover-systems/drover/lib/ref"
)

// Compound expressions combine matchers with boolean operators:
//
//	webserver-* and G@os:linux and not L@canary-1,canary-2
//	( N@frontend or N@backend ) and E@.*-prod-.*
//
// Tokens are whitespace-separated. An atom selects its matcher with a
// two-character prefix: G@ grain, D@ bundle data, E@ regex, L@ list,
// N@ node group. A bare atom is a glob over agent ids. Parentheses
// must be their own tokens.

// compoundParser is a recursive-descent parser over the token stream.
// Precedence, loosest first: or, and, not.
type compoundParser struct {
	registry  *Registry
	ctx       context.Context
	universe  []ref.AgentID
	tokens    []string
	pos       int
	dataExact bool
	greedy    bool
	seen      map[string]bool
}

// resolveCompound evaluates a compound expression. dataExact forces
// every data atom to exact value comparison, for callers that must
// not let stored data widen a match through glob metacharacters.
func (r *Registry) resolveCompound(ctx context.Context, universe []ref.AgentID, expr string, dataExact, greedy bool, seen map[string]bool) (Set, error) {
	tokens := strings.Fields(expr)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty compound expression")
	}
	parser := &compoundParser{
		registry:  r,
		ctx:       ctx,
		universe:  universe,
		tokens:    tokens,
		dataExact: dataExact,
		greedy:    greedy,
		seen:      seen,
	}
	set, err := parser.parseOr()
	if err != nil {
		return nil, fmt.Errorf("compound target %q: %w", expr, err)
	}
	if parser.pos != len(parser.tokens) {
		return nil, fmt.Errorf("compound target %q: unexpected token %q", expr, parser.tokens[parser.pos])
	}
	return set, nil
}

func (p *compoundParser) parseOr() (Set, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == "or" {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = left.Union(right)
	}
	return left, nil
}

func (p *compoundParser) parseAnd() (Set, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek() == "and" {
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = left.Intersect(right)
	}
	return left, nil
}

func (p *compoundParser) parseUnary() (Set, error) {
	switch p.peek() {
	case "":
		return nil, fmt.Errorf("expression ends where a matcher is expected")
	case "not":
		p.pos++
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return NewSet(p.universe).Subtract(operand), nil
	case "(":
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case ")", "and", "or":
		return nil, fmt.Errorf("unexpected token %q", p.peek())
	default:
		token := p.tokens[p.pos]
		p.pos++
		return p.resolveAtom(token)
	}
}

func (p *compoundParser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

// resolveAtom maps a selector-prefixed token to the matcher it names.
// A bare token is a glob. An unrecognized selector prefix is an error
// rather than a glob: "X@foo" is far more likely a typo than an agent
// id containing '@'.
func (p *compoundParser) resolveAtom(token string) (Set, error) {
	selector, rest, found := strings.Cut(token, "@")
	if !found {
		return p.registry.resolve(p.ctx, p.universe, token, MatchGlob, p.greedy, p.seen)
	}
	var matchType MatchType
	switch selector {
	case "G":
		matchType = MatchGrain
	case "D":
		matchType = MatchData
		if p.dataExact {
			matchType = MatchDataExact
		}
	case "E":
		matchType = MatchRegex
	case "L":
		matchType = MatchList
	case "N":
		matchType = MatchNodegroup
	default:
		return nil, fmt.Errorf("unknown selector %q in %q", selector, token)
	}
	return p.registry.resolve(p.ctx, p.universe, rest, matchType, p.greedy, p.seen)
}
