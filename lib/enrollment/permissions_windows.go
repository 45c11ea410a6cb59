// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package enrollment

// Windows ACLs do not map onto the POSIX writability rule; policy
// files are trusted as-is there.
func (p *Policy) checkPermissions(path string) bool { return true }
