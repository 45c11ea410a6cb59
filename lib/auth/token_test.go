// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/drover-systems/drover/lib/clock"
)

func newTokenStore(t *testing.T) (*TokenStore, string, *clock.FakeClock) {
	t.Helper()
	dir := t.TempDir()
	c := clock.Fake(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	store, err := NewTokenStore(dir, c, nil)
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}
	return store, dir, c
}

func TestTokenStoreMintLookup(t *testing.T) {
	store, _, c := newTokenStore(t)

	token, err := store.Mint("directory", "larry", 12*time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if len(token.ID) != 64 {
		t.Fatalf("token id length = %d, want 64", len(token.ID))
	}
	if token.Start != c.Now().Unix() {
		t.Fatalf("token start = %d, want %d", token.Start, c.Now().Unix())
	}
	if token.Expire != c.Now().Add(12*time.Hour).Unix() {
		t.Fatalf("token expire = %d, want %d", token.Expire, c.Now().Add(12*time.Hour).Unix())
	}

	got, ok := store.Lookup(token.ID)
	if !ok {
		t.Fatal("Lookup missed a freshly minted token")
	}
	if got.Provider != "directory" || got.Principal != "larry" {
		t.Fatalf("record = %+v, want directory/larry", got)
	}
}

func TestTokenStoreExpiry(t *testing.T) {
	store, dir, c := newTokenStore(t)
	token, err := store.Mint("directory", "larry", time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	c.Advance(2 * time.Hour)

	if _, ok := store.Lookup(token.ID); ok {
		t.Fatal("Lookup returned an expired token")
	}
	// The expired record is removed on read.
	if _, err := os.Stat(filepath.Join(dir, token.ID)); !os.IsNotExist(err) {
		t.Fatalf("expired token file still present (stat err = %v)", err)
	}
}

func TestTokenStoreLookupRejectsMalformedIDs(t *testing.T) {
	store, _, _ := newTokenStore(t)

	for _, id := range []string{
		"",
		"short",
		strings.Repeat("zz", 32),
		"../" + strings.Repeat("ab", 32),
		strings.Repeat("AB", 32), // uppercase hex is not minted
	} {
		if _, ok := store.Lookup(id); ok {
			t.Fatalf("Lookup(%q) succeeded on a malformed id", id)
		}
	}
}

func TestTokenStorePrune(t *testing.T) {
	store, dir, c := newTokenStore(t)
	if _, err := store.Mint("directory", "a", time.Hour); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := store.Mint("directory", "b", 2*time.Hour); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	survivor, err := store.Mint("directory", "c", 24*time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	c.Advance(3 * time.Hour)

	removed, err := store.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("Prune removed %d tokens, want 2", removed)
	}
	if _, ok := store.Lookup(survivor.ID); !ok {
		t.Fatal("Prune removed a live token")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("token directory holds %d files after prune, want 1", len(entries))
	}
}

func TestTokenStorePruneClearsCorruptRecords(t *testing.T) {
	store, dir, _ := newTokenStore(t)
	id := strings.Repeat("ab", 32)
	if err := os.WriteFile(filepath.Join(dir, id), []byte("not cbor"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, ok := store.Lookup(id); ok {
		t.Fatal("Lookup succeeded on a corrupt record")
	}
	removed, err := store.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Prune removed %d records, want 1", removed)
	}
}
