// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of
// calling time.Now, time.After, time.NewTicker, or time.Sleep
// directly. In production, Real() provides the standard library
// behavior. In tests, Fake() provides a deterministic clock that
// advances only when Advance is called.
//
// Job identifiers, token expiry, and autosign stub expiry are all
// derived from the injected clock, which is what makes those paths
// testable without wall-clock sleeps:
//
//	c := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
//	store := auth.NewTokenStore(dir, c)
//	// ... mint a token ...
//	c.Advance(13 * time.Hour) // token now expired, no sleeping
//
// When a goroutine blocks on After, NewTicker, or Sleep of a
// FakeClock, it registers a pending waiter. Use WaitForTimers to block
// until a specific number of waiters are registered before calling
// Advance, which removes the race between waiter registration and time
// advancement.
package clock
