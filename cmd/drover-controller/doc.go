// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Command drover-controller is the fleet controller daemon: it accepts
// agent enrollment, authorizes and publishes operator commands,
// ingests job returns, serves the mine and bundle stores, and relays
// events on the controller bus.
package main
