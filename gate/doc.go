// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package gate holds the controller's two request handlers.
//
// [AgentGate] serves the operations agents invoke over the agent
// transport: mine publication and queries, bundle requests, file
// upload, event relay, job-return ingestion, and peer-delegated
// execution. Its operations validate their own required fields and
// answer malformed input with a generic zero value — never a
// description of what was missing — so a hostile agent learns nothing
// about the expected shape and a broken one cannot take the handler
// down.
//
// [OperatorGate] serves local operators: command publication,
// orchestration and admin function invocation, and bearer token
// issuance. Every operation runs the four-scheme authentication
// ladder from lib/auth before any authorization is evaluated, and
// denials come back as typed [auth.Failure] values.
//
// Both gates are stateless per request. Their fields are fixed at
// construction and read-only afterwards, so one gate instance serves
// any number of concurrent requests without locking; all mutable
// state lives in the stores they are wired to.
package gate
