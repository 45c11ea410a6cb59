// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package job provides job identifier allocation and the job ledger.
//
// The Allocator mints time-derived identifiers that are strictly
// monotonic within a controller process. The Ledger persists the full
// job lifecycle to SQLite: the request as published, every agent
// return, the end-time marker, and the peer-publish authorization
// record that says which agent started a job.
//
// Returns are accepted without a referential check against the jobs
// table: an agent may legitimately report a return for a job published
// before the last controller restart, and dropping it would lose data.
// Orphaned returns age out through Prune like everything else.
package job
