// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"context"

	"github.com/drover-systems/drover/lib/acl"
	"github.com/drover-systems/drover/lib/ref"
)

// Compiler produces an agent's configuration bundle.
type Compiler interface {
	// Compile builds the bundle for agent. grains are the facts the
	// agent reported with its request; implementations may use them
	// to specialize the result.
	Compile(ctx context.Context, agent ref.AgentID, grains map[string]any) (map[string]any, error)
}

// Overlay is a bundle fragment applied to agents whose id matches
// Pattern (exact, glob, or anchored regex, same as ACL entries).
type Overlay struct {
	Pattern string
	Data    map[string]any
}

// StaticCompiler builds bundles from controller configuration alone:
// a common document shared by every agent, overlaid in order by each
// matching Overlay. Nested maps merge key-by-key; any other value is
// replaced, so a later overlay wins on conflicts.
//
// Compile never returns an error and ignores grains; both exist for
// the Compiler contract.
type StaticCompiler struct {
	common   map[string]any
	overlays []Overlay
}

var _ Compiler = (*StaticCompiler)(nil)

// NewStaticCompiler creates a StaticCompiler. Both arguments may be
// nil; Compile then returns an empty bundle.
func NewStaticCompiler(common map[string]any, overlays []Overlay) *StaticCompiler {
	return &StaticCompiler{common: common, overlays: overlays}
}

// Compile implements Compiler.
func (c *StaticCompiler) Compile(ctx context.Context, agent ref.AgentID, grains map[string]any) (map[string]any, error) {
	compiled := deepCopyMap(c.common)
	for _, overlay := range c.overlays {
		if !acl.ExprMatch(overlay.Pattern, agent.String()) {
			continue
		}
		mergeInto(compiled, overlay.Data)
	}
	return compiled, nil
}

// deepCopyMap copies src with fresh nested maps, so merging into the
// copy never mutates configuration shared across agents. Non-map
// values (including slices) are shared; bundles are read-only once
// compiled.
func deepCopyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for key, value := range src {
		if nested, ok := value.(map[string]any); ok {
			dst[key] = deepCopyMap(nested)
		} else {
			dst[key] = value
		}
	}
	return dst
}

// mergeInto merges src into dst. Keys mapping to maps on both sides
// merge recursively; everything else is replaced by the src value.
// dst must be a deepCopyMap product (its nested maps are owned).
func mergeInto(dst, src map[string]any) {
	for key, value := range src {
		nested, ok := value.(map[string]any)
		if !ok {
			dst[key] = value
			continue
		}
		existing, ok := dst[key].(map[string]any)
		if !ok {
			dst[key] = deepCopyMap(nested)
			continue
		}
		mergeInto(existing, nested)
	}
}
