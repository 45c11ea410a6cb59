// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"context"
	"reflect"
	"testing"

	"github.com/drover-systems/drover/lib/ref"
)

func agentID(t *testing.T, raw string) ref.AgentID {
	t.Helper()
	agent, err := ref.ParseAgentID(raw)
	if err != nil {
		t.Fatalf("ParseAgentID(%q): %v", raw, err)
	}
	return agent
}

func TestStaticCompilerCommonOnly(t *testing.T) {
	common := map[string]any{
		"ntp_server": "ntp.example.com",
		"app":        map[string]any{"port": 80},
	}
	compiler := NewStaticCompiler(common, nil)

	got, err := compiler.Compile(context.Background(), agentID(t, "web-01"), nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !reflect.DeepEqual(got, common) {
		t.Fatalf("Compile = %#v, want the common document", got)
	}
}

func TestStaticCompilerResultIsolation(t *testing.T) {
	common := map[string]any{"app": map[string]any{"port": 80}}
	compiler := NewStaticCompiler(common, nil)
	agent := agentID(t, "web-01")

	first, err := compiler.Compile(context.Background(), agent, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	first["app"].(map[string]any)["port"] = 9999
	first["extra"] = true

	second, err := compiler.Compile(context.Background(), agent, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if second["app"].(map[string]any)["port"] != 80 {
		t.Error("mutating a compiled bundle leaked into the next compilation")
	}
	if _, ok := second["extra"]; ok {
		t.Error("added key leaked into the next compilation")
	}
}

func TestStaticCompilerOverlays(t *testing.T) {
	common := map[string]any{
		"role": "none",
		"app":  map[string]any{"port": 80, "name": "drover-app"},
	}
	overlays := []Overlay{
		{Pattern: "web-*", Data: map[string]any{
			"role": "web",
			"app":  map[string]any{"port": 443},
		}},
		{Pattern: "web-01", Data: map[string]any{
			"canary": true,
		}},
		{Pattern: "db-*", Data: map[string]any{
			"role": "database",
		}},
	}
	compiler := NewStaticCompiler(common, overlays)

	got, err := compiler.Compile(context.Background(), agentID(t, "web-01"), nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	want := map[string]any{
		"role":   "web",
		"app":    map[string]any{"port": 443, "name": "drover-app"},
		"canary": true,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Compile = %#v, want %#v", got, want)
	}

	// A different agent picks up a different overlay set.
	got, err = compiler.Compile(context.Background(), agentID(t, "db-01"), nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got["role"] != "database" {
		t.Errorf("db-01 role = %v, want overlay value", got["role"])
	}
	if _, ok := got["canary"]; ok {
		t.Error("db-01 received web-01's overlay")
	}
	if got["app"].(map[string]any)["port"] != 80 {
		t.Errorf("db-01 port = %v, want common value", got["app"].(map[string]any)["port"])
	}
}

func TestStaticCompilerLaterOverlayWins(t *testing.T) {
	overlays := []Overlay{
		{Pattern: "*", Data: map[string]any{"tier": "default"}},
		{Pattern: "web-*", Data: map[string]any{"tier": "frontend"}},
	}
	compiler := NewStaticCompiler(nil, overlays)

	got, err := compiler.Compile(context.Background(), agentID(t, "web-01"), nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got["tier"] != "frontend" {
		t.Fatalf("tier = %v, want the later overlay's value", got["tier"])
	}
}
