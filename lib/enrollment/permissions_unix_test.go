// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package enrollment

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.conf")
	writeFile(t, path, "web-*\n")
	policy := NewPolicy(PolicyConfig{})

	if !policy.CheckPermissions(path) {
		t.Fatal("an owner-only file was refused")
	}

	// WriteFile modes pass through the umask, so widen explicitly.
	if err := os.Chmod(path, 0o664); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if policy.CheckPermissions(path) {
		t.Fatal("a group-writable file was trusted without permissive mode")
	}
	if err := os.Chmod(path, 0o646); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if policy.CheckPermissions(path) {
		t.Fatal("an other-writable file was trusted")
	}

	if policy.CheckPermissions(filepath.Join(t.TempDir(), "missing")) {
		t.Fatal("a missing file was trusted")
	}
}

func TestCheckPermissionsPermissiveUnknownOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.conf")
	writeFile(t, path, "web-*\n")
	if err := os.Chmod(path, 0o664); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	policy := NewPolicy(PolicyConfig{
		Permissive: true,
		KeyOwner:   "drover-no-such-account",
	})

	// Permissive mode still refuses when the owner cannot be
	// resolved to root.
	if policy.CheckPermissions(path) {
		t.Fatal("permissive mode trusted a file with an unresolvable owner")
	}
}

func TestSigningFileUnsafePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autosign.conf")
	writeFile(t, path, "web-*\n")
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	policy := NewPolicy(PolicyConfig{AutoSignFile: path})

	if policy.CheckAutoSign(agentID(t, "web-01")) {
		t.Fatal("a world-writable signing file approved an enrollment")
	}
}
