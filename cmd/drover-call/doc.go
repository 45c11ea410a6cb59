// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Command drover-call sends a single action to the controller's
// operator socket and prints the response as JSON. It is a thin
// diagnostic and scripting client: request fields come from positional
// arguments or a JSONC file, credentials from the local secrets
// directory, a bearer token, or an interactive provider login.
package main
