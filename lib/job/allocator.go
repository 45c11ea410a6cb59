// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"sync"
	"time"

	"github.com/drover-systems/drover/lib/clock"
	"github.com/drover-systems/drover/lib/ref"
)

// Allocator mints job identifiers. Identifiers encode the allocation
// time at microsecond precision; when two allocations land in the same
// microsecond (or the clock steps backwards), the allocator advances
// one microsecond past the previous identifier so that every call
// returns a strictly greater id.
//
// Safe for concurrent use.
type Allocator struct {
	clock clock.Clock

	mu   sync.Mutex
	last time.Time
}

// NewAllocator returns an allocator reading time from c.
func NewAllocator(c clock.Clock) *Allocator {
	if c == nil {
		c = clock.Real()
	}
	return &Allocator{clock: c}
}

// Next mints the next job identifier.
func (a *Allocator) Next() ref.JobID {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Identifiers carry microsecond precision, so monotonicity has to
	// be enforced at that granularity: a later reading inside the same
	// microsecond would format to the same id.
	now := a.clock.Now().Truncate(time.Microsecond)
	if !now.After(a.last) {
		now = a.last.Add(time.Microsecond)
	}
	a.last = now
	return ref.JobIDAt(now)
}
