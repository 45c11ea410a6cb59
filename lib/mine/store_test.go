// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package mine

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/drover-systems/drover/lib/ref"
	"github.com/drover-systems/drover/lib/sqlitepool"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "controller.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("pool.Close: %v", err)
		}
	})

	store, err := OpenStore(context.Background(), StoreConfig{Pool: pool})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return store
}

func agentID(t *testing.T, raw string) ref.AgentID {
	t.Helper()
	agent, err := ref.ParseAgentID(raw)
	if err != nil {
		t.Fatalf("ParseAgentID(%q): %v", raw, err)
	}
	return agent
}

func TestPutAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := agentID(t, "web-01")

	values := map[string]any{
		"network.ip_addrs": []any{"10.0.0.5", "192.168.1.5"},
		"grains.items":     map[string]any{"os": "linux", "roles": []any{"web"}},
	}
	if err := store.Put(ctx, agent, values, false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := store.Get(ctx, agent, "network.ip_addrs")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get reported no value")
	}
	if !reflect.DeepEqual(got, []any{"10.0.0.5", "192.168.1.5"}) {
		t.Fatalf("Get = %#v, want the stored list", got)
	}

	_, ok, err = store.Get(ctx, agent, "no.such.function")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("Get reported a value for an unknown function")
	}
}

func TestPutMergesByDefault(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := agentID(t, "web-01")

	if err := store.Put(ctx, agent, map[string]any{"a": "1", "b": "2"}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, agent, map[string]any{"b": "3", "c": "4"}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	for function, want := range map[string]string{"a": "1", "b": "3", "c": "4"} {
		got, ok, err := store.Get(ctx, agent, function)
		if err != nil {
			t.Fatalf("Get(%q): %v", function, err)
		}
		if !ok || got != want {
			t.Errorf("Get(%q) = %v, %v; want %q", function, got, ok, want)
		}
	}
}

func TestPutClearReplacesDocument(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := agentID(t, "web-01")

	if err := store.Put(ctx, agent, map[string]any{"a": "1", "b": "2"}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, agent, map[string]any{"c": "3"}, true); err != nil {
		t.Fatalf("Put: %v", err)
	}

	for _, function := range []string{"a", "b"} {
		if _, ok, err := store.Get(ctx, agent, function); err != nil || ok {
			t.Errorf("Get(%q) after clear = ok=%v err=%v, want absent", function, ok, err)
		}
	}
	got, ok, err := store.Get(ctx, agent, "c")
	if err != nil || !ok || got != "3" {
		t.Fatalf("Get(c) = %v, %v, %v; want the replacement value", got, ok, err)
	}
}

func TestGetMany(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	web01 := agentID(t, "web-01")
	web02 := agentID(t, "web-02")
	db01 := agentID(t, "db-01")

	if err := store.Put(ctx, web01, map[string]any{"network.ip_addrs": "10.0.0.1"}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, web02, map[string]any{"network.ip_addrs": "10.0.0.2"}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// db-01 has mine data, but not this function.
	if err := store.Put(ctx, db01, map[string]any{"disk.usage": "93%"}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.GetMany(ctx, []ref.AgentID{web01, web02, db01}, "network.ip_addrs")
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	want := map[ref.AgentID]any{web01: "10.0.0.1", web02: "10.0.0.2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetMany = %#v, want %#v", got, want)
	}

	// Only listed agents are consulted.
	got, err = store.GetMany(ctx, []ref.AgentID{web02}, "network.ip_addrs")
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != 1 || got[web02] != "10.0.0.2" {
		t.Fatalf("GetMany(web-02) = %#v", got)
	}

	got, err = store.GetMany(ctx, nil, "network.ip_addrs")
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("GetMany(no agents) = %#v, want empty", got)
	}
}

func TestDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := agentID(t, "web-01")

	if err := store.Put(ctx, agent, map[string]any{"a": "1", "b": "2"}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, agent, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok, _ := store.Get(ctx, agent, "a"); ok {
		t.Error("deleted function still present")
	}
	if _, ok, _ := store.Get(ctx, agent, "b"); !ok {
		t.Error("untouched function missing after Delete")
	}

	// Deleting an absent value is a no-op.
	if err := store.Delete(ctx, agent, "a"); err != nil {
		t.Fatalf("Delete (absent): %v", err)
	}
}

func TestFlush(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	web01 := agentID(t, "web-01")
	web02 := agentID(t, "web-02")

	if err := store.Put(ctx, web01, map[string]any{"a": "1", "b": "2"}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, web02, map[string]any{"a": "1"}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := store.Flush(ctx, web01); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	for _, function := range []string{"a", "b"} {
		if _, ok, _ := store.Get(ctx, web01, function); ok {
			t.Errorf("flushed agent still has %q", function)
		}
	}
	if _, ok, _ := store.Get(ctx, web02, "a"); !ok {
		t.Error("other agent's data removed by Flush")
	}
}

func TestAllowListEnvelopeOpaque(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := agentID(t, "web-01")

	// The allow-list wrapper is stored and returned untouched; the
	// gate interprets it at read time.
	envelope := map[string]any{
		"data":           "10.0.0.1",
		"allow_tgt":      "trusted-*",
		"allow_tgt_type": "glob",
	}
	if err := store.Put(ctx, agent, map[string]any{"network.ip_addrs": envelope}, false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := store.Get(ctx, agent, "network.ip_addrs")
	if err != nil || !ok {
		t.Fatalf("Get = ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, envelope) {
		t.Fatalf("Get = %#v, want the envelope verbatim", got)
	}
}
