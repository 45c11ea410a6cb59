// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth establishes operator identity for the controller.
//
// Every operator request carries a Credentials struct. The Ladder turns
// those credentials into an Identity by trying four schemes in a fixed
// order (bearer token, external provider, explicit user with shared
// secret, the controller's own secret) and failing closed: the first
// scheme the request qualifies for is final, and its failure is the
// request's failure. A request carrying both a token and a username
// that fails token lookup is rejected with TokenAuthenticationError; it
// never falls through to the shared-secret path.
//
// Denials are values, not panics. Every checkpoint returns *Failure, a
// five-kind taxonomy that crosses the wire verbatim so callers can
// branch on the kind string. Only unexpected faults (storage down,
// filesystem errors) travel as ordinary errors.
//
// The package also owns the two credential stores the ladder reads: the
// SecretTable of per-user shared secrets the controller mints at
// startup, and the file-backed TokenStore for bearer tokens minted
// against external providers.
package auth
