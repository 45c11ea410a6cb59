// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package enrollment

import (
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

func (p *Policy) checkPermissions(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	if st.Mode&(unix.S_IWGRP|unix.S_IWOTH) == 0 {
		return true
	}
	// Writable beyond the owner. Only a root-owned configuration with
	// permissive mode and a matching group gets through.
	if !p.permissive {
		return false
	}
	owner, err := user.Lookup(p.keyOwner)
	if err != nil || owner.Uid != "0" {
		return false
	}
	groups, err := owner.GroupIds()
	if err != nil {
		return false
	}
	gid := strconv.FormatUint(uint64(st.Gid), 10)
	for _, group := range groups {
		if group == gid {
			return true
		}
	}
	return false
}
