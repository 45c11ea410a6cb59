// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the controller's event bus.
//
// Every job publication, agent return, orchestration run, and
// enrollment decision is announced as an [Event]: a tag string, a
// data map, and a timestamp. The [Bus] interface is what the request
// handlers publish through; [Server] implements it as a Unix-socket
// fan-out, and [Client] is the subscriber half used by operator
// tooling and the agent transport.
//
// Delivery is fire-and-forget toward whoever is connected when the
// event is published: at-least-once for a healthy subscriber, nothing
// for an absent one. Publishing never blocks on a subscriber; a
// subscriber that cannot keep up is disconnected. Consumers must
// tolerate an announcement arriving before the corresponding ledger
// write is durable — the publish path deliberately announces first.
package messaging
