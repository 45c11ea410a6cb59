// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"strings"

	"github.com/drover-systems/drover/lib/ref"
)

// Tag constants and constructors. Two generations of tags coexist:
// the structured "job/<jid>/..." family, and flat legacy tags older
// subscribers still filter on. Publications that matter to both
// audiences are emitted twice, once under each tag.

// TagLegacyNewJob is the flat announcement tag for a new job.
const TagLegacyNewJob = "new_job"

// TagNewJob is the structured announcement tag for a new job.
func TagNewJob(jid ref.JobID) string {
	return "job/" + jid.String() + "/new"
}

// TagLegacyJobReturn is the flat per-job return tag: the bare job id.
func TagLegacyJobReturn(jid ref.JobID) string {
	return jid.String()
}

// TagJobReturn is the structured per-agent return tag.
func TagJobReturn(jid ref.JobID, agent ref.AgentID) string {
	return "job/" + jid.String() + "/ret/" + agent.String()
}

// TagRunNew and TagRunReturn bracket an orchestration or admin
// function invocation.
func TagRunNew(jid ref.JobID) string {
	return "run/" + jid.String() + "/new"
}

func TagRunReturn(jid ref.JobID) string {
	return "run/" + jid.String() + "/ret"
}

// TagKeyEvent announces an enrollment decision: result is "accepted",
// "rejected", or "pending".
func TagKeyEvent(result string, keyid ref.AgentID) string {
	return "key/" + result + "/" + keyid.String()
}

// MatchTag reports whether tag falls under the subscription prefix.
// An empty prefix matches everything; otherwise the tag must equal
// the prefix or extend it at a '/' boundary, so "job/123" does not
// leak to a subscriber of "job/12".
func MatchTag(prefix, tag string) bool {
	if prefix == "" || prefix == tag {
		return true
	}
	return strings.HasPrefix(tag, prefix+"/")
}
