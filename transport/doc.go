// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries the controller's two request-response
// channels: a Unix socket for operators on the controller host and a
// TCP listener for agents.
//
// Both speak the same CBOR protocol: one request per connection, an
// "action" field for routing, a {ok, error, data} response envelope.
// The agent channel additionally wraps every request in a signed
// envelope verified against the agent's accepted enrollment key, so a
// handler never sees a request whose agent identity has not been
// resolved.
package transport
