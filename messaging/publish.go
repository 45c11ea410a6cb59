// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"

	"github.com/drover-systems/drover/lib/ref"
)

// PublishNewJob announces a freshly published job under both tag
// generations. data carries the announcement payload (function,
// target, resolved agents); the same map is sent twice so legacy
// subscribers see exactly what structured subscribers see.
func PublishNewJob(ctx context.Context, bus Bus, jid ref.JobID, data map[string]any) error {
	return errors.Join(
		bus.Publish(ctx, TagLegacyNewJob, data),
		bus.Publish(ctx, TagNewJob(jid), data),
	)
}

// PublishReturn announces one agent's job return under both tag
// generations: the flat legacy tag (the bare job id) and the
// structured job/<jid>/ret/<agent> tag.
func PublishReturn(ctx context.Context, bus Bus, jid ref.JobID, agent ref.AgentID, data map[string]any) error {
	return errors.Join(
		bus.Publish(ctx, TagLegacyJobReturn(jid), data),
		bus.Publish(ctx, TagJobReturn(jid, agent), data),
	)
}
