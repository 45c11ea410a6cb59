// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package mine stores agent-published data for cross-agent queries.
//
// Agents periodically push the output of designated functions (network
// addresses, inventory facts) to the controller; other agents query
// those values by function name across a target set. The store is a
// current-state table, not a log: one value per (agent, function),
// last write wins, no history.
//
// Values are opaque CBOR documents. In particular, an agent may wrap a
// value in an allow-list envelope restricting who may read it; that
// envelope is interpreted by the request gate, not here.
package mine
