// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identifiers for the
// Drover control plane: agent identifiers and job identifiers.
//
// All constructors validate their inputs and return errors for invalid
// values. Once constructed, a ref is immutable. The zero value of each
// type is not valid; use IsZero to check.
//
// Both types serialize as plain strings via encoding.TextMarshaler,
// which lib/codec maps onto CBOR text strings, so a struct field of
// type ref.AgentID or ref.JobID round-trips through the wire protocol
// without custom marshaling.
package ref
