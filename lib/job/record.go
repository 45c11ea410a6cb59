// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"time"

	"github.com/drover-systems/drover/lib/ref"
)

// Request is the persisted description of a published job: what was
// asked, by whom, and which agents were resolved for it at publish
// time. The record is immutable once saved; agent returns reference it
// by job id but never modify it.
type Request struct {
	// Function is the remote function name (e.g. "test.ping").
	Function string `cbor:"function" json:"function"`

	// Arguments are the positional arguments as published.
	Arguments []any `cbor:"arguments,omitempty" json:"arguments,omitempty"`

	// Target is the target expression the caller supplied.
	Target string `cbor:"target" json:"target"`

	// MatchType names the matcher the expression was evaluated with
	// ("glob", "list", "pcre", ...).
	MatchType string `cbor:"match_type" json:"match_type"`

	// Identity is the display form of the authenticated identity that
	// published the job (e.g. "user:larry", "eauth:ldap:larry").
	Identity string `cbor:"identity" json:"identity"`

	// Agents is the target set resolved at publish time.
	Agents []ref.AgentID `cbor:"agents,omitempty" json:"agents,omitempty"`

	// Load is the request load as it arrived, verbatim. Kept so that
	// orchestration functions and audit tooling can reconstruct the
	// exact publish, including fields this struct does not model.
	Load map[string]any `cbor:"load,omitempty" json:"load,omitempty"`
}

// Return is a single agent's report for a job.
type Return struct {
	// JobID is the job the agent is reporting on.
	JobID ref.JobID `cbor:"jid" json:"jid"`

	// Agent is the reporting agent.
	Agent ref.AgentID `cbor:"agent" json:"agent"`

	// Success is the agent's own success claim.
	Success bool `cbor:"success" json:"success"`

	// Result is the function's return value, opaque to the ledger.
	Result any `cbor:"result,omitempty" json:"result,omitempty"`

	// Retcode is the numeric exit status the agent reported.
	Retcode int `cbor:"retcode" json:"retcode"`
}

// Summary is the listing view of a ledger row: the indexed columns
// only, cheap to scan without decoding the stored load.
type Summary struct {
	JobID     ref.JobID `cbor:"jid" json:"jid"`
	Function  string    `cbor:"function" json:"function"`
	Target    string    `cbor:"target" json:"target"`
	MatchType string    `cbor:"match_type" json:"match_type"`
	Identity  string    `cbor:"identity" json:"identity"`

	// StartedAt is the allocation time of the job id.
	StartedAt time.Time `cbor:"started_at" json:"started_at"`

	// EndedAt is zero while the job has no recorded end time.
	EndedAt time.Time `cbor:"ended_at" json:"ended_at"`
}
