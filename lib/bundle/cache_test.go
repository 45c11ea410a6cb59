// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := NewCache(filepath.Join(t.TempDir(), "bundles"), nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return cache
}

func TestCacheSaveAndLoad(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	agent := agentID(t, "web-01")

	grains := map[string]any{"os": "linux", "cpus": "8"}
	data := map[string]any{"ntp_server": "ntp.example.com"}
	if err := cache.Save(agent, grains, data); err != nil {
		t.Fatalf("Save: %v", err)
	}

	gotGrains, ok := cache.Grains(ctx, agent)
	if !ok {
		t.Fatal("Grains reported no entry")
	}
	if !reflect.DeepEqual(gotGrains, grains) {
		t.Fatalf("Grains = %#v, want %#v", gotGrains, grains)
	}

	gotData, ok := cache.Data(ctx, agent)
	if !ok {
		t.Fatal("Data reported no entry")
	}
	if !reflect.DeepEqual(gotData, data) {
		t.Fatalf("Data = %#v, want %#v", gotData, data)
	}
}

func TestCacheMissingAgent(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	if _, ok := cache.Grains(ctx, agentID(t, "never-seen")); ok {
		t.Error("Grains reported an entry for an unknown agent")
	}
	if _, ok := cache.Data(ctx, agentID(t, "never-seen")); ok {
		t.Error("Data reported an entry for an unknown agent")
	}
}

func TestCacheSaveReplaces(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	agent := agentID(t, "web-01")

	if err := cache.Save(agent, map[string]any{"os": "linux"}, map[string]any{"v": "1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := cache.Save(agent, map[string]any{"os": "freebsd"}, map[string]any{"v": "2"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	grains, ok := cache.Grains(ctx, agent)
	if !ok || grains["os"] != "freebsd" {
		t.Fatalf("Grains = %#v, %v; want the replacement envelope", grains, ok)
	}
	data, ok := cache.Data(ctx, agent)
	if !ok || data["v"] != "2" {
		t.Fatalf("Data = %#v, %v; want the replacement envelope", data, ok)
	}

	// Exactly one envelope file remains; no stray temp files.
	entries, err := os.ReadDir(filepath.Join(cache.dir, agent.String()))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != cacheFileName {
		t.Fatalf("cache directory holds %v, want only %s", entries, cacheFileName)
	}
}

func TestCacheCorruptEntry(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	agent := agentID(t, "web-01")

	agentDir := filepath.Join(cache.dir, agent.String())
	if err := os.MkdirAll(agentDir, 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(agentDir, cacheFileName), []byte("not cbor"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, ok := cache.Grains(ctx, agent); ok {
		t.Error("Grains reported a corrupt entry as present")
	}
}

func TestCacheEvict(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	agent := agentID(t, "web-01")

	if err := cache.Save(agent, map[string]any{"os": "linux"}, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := cache.Evict(agent); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, ok := cache.Grains(ctx, agent); ok {
		t.Error("entry survived Evict")
	}

	// Evicting an absent agent is a no-op.
	if err := cache.Evict(agentID(t, "never-seen")); err != nil {
		t.Fatalf("Evict(absent): %v", err)
	}
}
