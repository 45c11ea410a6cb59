// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"time"
)

// Event is one bus message.
type Event struct {
	// Tag routes the event. Subscribers filter by tag prefix.
	Tag string `cbor:"tag" json:"tag"`

	// Data is the event payload.
	Data map[string]any `cbor:"data" json:"data"`

	// Stamp is the publication time.
	Stamp time.Time `cbor:"stamp" json:"stamp"`
}

// Bus is the publishing half of the event bus. Publish is
// fire-and-forget: an error means the event could not be encoded or
// the bus is shut down, never that a subscriber refused it.
type Bus interface {
	Publish(ctx context.Context, tag string, data map[string]any) error
}
