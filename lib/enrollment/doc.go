// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package enrollment manages agent identity keys on the controller.
//
// Every agent is named by a key id and proves itself with an ed25519
// public key. Keys live in one of three states (pending, accepted,
// rejected), each a directory of raw key files; moving a key between
// states is a single rename. Only accepted keys define the agent
// universe: target resolution, mine access, and transport signature
// checks all start from the accepted directory.
//
// The Policy decides what happens when a key first arrives, without
// touching the store: a global auto-accept toggle, operator-edited
// signing and rejection files (glob per line), and a directory of
// single-use stub files that pre-approve exactly one enrollment each.
// Policy files that are writable beyond their owner are ignored with a
// warning rather than trusted.
package enrollment
