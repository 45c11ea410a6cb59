// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// maxAgentIDLength bounds agent identifiers. Agent IDs become file
// names in the enrollment key store and path segments in the upload
// cache, so they must stay well under filesystem name limits.
const maxAgentIDLength = 128

// agentIDChars is the set of characters permitted in agent
// identifiers: a-z, A-Z, 0-9, and the symbols . _ -. Hostnames and
// FQDNs are valid agent IDs; path separators are not.
var agentIDChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		agentIDChars[c] = true
	}
	for c := byte('A'); c <= 'Z'; c++ {
		agentIDChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		agentIDChars[c] = true
	}
	agentIDChars['.'] = true
	agentIDChars['_'] = true
	agentIDChars['-'] = true
}

// AgentID is a validated agent identifier (e.g., "web-01.example.com").
// Agent IDs name enrolled machines: they key the enrollment store, the
// mine, the bundle cache, and the upload directory, and they are the
// universe that target expressions resolve against.
//
// AgentID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type AgentID struct {
	id string
}

// ParseAgentID validates and wraps a raw agent identifier. Returns an
// error if the string is empty, too long, starts with '.', or contains
// characters outside a-z, A-Z, 0-9, ., _, -.
func ParseAgentID(raw string) (AgentID, error) {
	if raw == "" {
		return AgentID{}, fmt.Errorf("agent id is empty")
	}
	if len(raw) > maxAgentIDLength {
		return AgentID{}, fmt.Errorf("agent id %q is %d characters, maximum is %d", raw, len(raw), maxAgentIDLength)
	}
	if raw[0] == '.' {
		return AgentID{}, fmt.Errorf("agent id %q starts with '.'", raw)
	}
	for i := 0; i < len(raw); i++ {
		if !agentIDChars[raw[i]] {
			return AgentID{}, fmt.Errorf("agent id %q: invalid character %q at position %d (allowed: a-z, A-Z, 0-9, ., _, -)", raw, raw[i], i)
		}
	}
	return AgentID{id: raw}, nil
}

// String returns the agent identifier string.
func (a AgentID) String() string { return a.id }

// IsZero reports whether the AgentID is the zero value (uninitialized).
func (a AgentID) IsZero() bool { return a.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (a AgentID) MarshalText() ([]byte, error) {
	return []byte(a.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// identifier. An empty input produces the zero value (unset agent).
func (a *AgentID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*a = AgentID{}
		return nil
	}
	parsed, err := ParseAgentID(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
