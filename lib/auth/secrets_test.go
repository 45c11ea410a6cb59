// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSecretTableMintAndVerify(t *testing.T) {
	dir := t.TempDir()
	table, err := NewSecretTable(dir, []string{"drover", "larry", "larry"}, nil)
	if err != nil {
		t.Fatalf("NewSecretTable: %v", err)
	}

	secret, ok := table.Lookup("larry")
	if !ok {
		t.Fatal("Lookup missed larry")
	}
	if len(secret) != 2*secretBytes {
		t.Fatalf("secret length = %d, want %d", len(secret), 2*secretBytes)
	}
	if !table.Verify("larry", secret) {
		t.Fatal("Verify rejected the minted secret")
	}
	if table.Verify("larry", "wrong") {
		t.Fatal("Verify accepted a wrong secret")
	}
	if table.Verify("mallory", secret) {
		t.Fatal("Verify accepted an unknown user")
	}
}

func TestSecretTableFileMode(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewSecretTable(dir, []string{"larry"}, nil); err != nil {
		t.Fatalf("NewSecretTable: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "larry.secret"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("secret file mode = %o, want 600", perm)
	}
}

func TestSecretTableClientRead(t *testing.T) {
	// ReadSecret is what the operator CLI does; it must see exactly
	// what the controller minted.
	dir := t.TempDir()
	table, err := NewSecretTable(dir, []string{"larry"}, nil)
	if err != nil {
		t.Fatalf("NewSecretTable: %v", err)
	}

	got, err := ReadSecret(dir, "larry")
	if err != nil {
		t.Fatalf("ReadSecret: %v", err)
	}
	if !table.Verify("larry", got) {
		t.Fatal("controller rejected the secret the client read back")
	}
}

func TestSecretTableRotation(t *testing.T) {
	dir := t.TempDir()
	first, err := NewSecretTable(dir, []string{"larry"}, nil)
	if err != nil {
		t.Fatalf("NewSecretTable: %v", err)
	}
	old, _ := first.Lookup("larry")

	second, err := NewSecretTable(dir, []string{"larry"}, nil)
	if err != nil {
		t.Fatalf("NewSecretTable (restart): %v", err)
	}
	if second.Verify("larry", old) {
		t.Fatal("a pre-restart secret still verifies")
	}
	fresh, err := ReadSecret(dir, "larry")
	if err != nil {
		t.Fatalf("ReadSecret: %v", err)
	}
	if !second.Verify("larry", fresh) {
		t.Fatal("the re-minted secret does not verify")
	}
}

func TestSecretTableHostileNames(t *testing.T) {
	dir := t.TempDir()
	for _, user := range []string{"", ".hidden", "../escape", `back\slash`} {
		if _, err := NewSecretTable(dir, []string{user}, nil); err == nil {
			t.Fatalf("NewSecretTable accepted hostile user name %q", user)
		}
		if _, err := ReadSecret(dir, user); err == nil {
			t.Fatalf("ReadSecret accepted hostile user name %q", user)
		}
	}
}
