// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Drover's standard CBOR encoding configuration.
//
// Every Drover wire payload (operator socket requests, agent channel
// envelopes, event bus frames) and every on-disk record (job ledger
// blobs, bearer tokens, bundle cache entries) goes through this
// package. Centralizing the configuration means every package encodes
// identically without duplicating mode setup.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes, which the agent
// channel relies on when verifying signed request envelopes.
//
// For buffer-oriented operations (ledger blobs, token files):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
package codec
