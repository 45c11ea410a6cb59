// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// maxRelativePathLength bounds client-supplied paths accepted by the
// file upload endpoint and the bundle cache.
const maxRelativePathLength = 1024

// ValidateRelativePath enforces path safety for client-supplied
// relative paths: non-empty, not absolute, no '..' segments, no empty
// segments, no backslashes, no control characters or NUL. The label
// names the field in error messages.
//
// Unlike stricter identifier validation, dotfiles and arbitrary
// printable characters are allowed: agents legitimately upload files
// like ".profile" or "motd (old)". The rules here exist solely to keep
// a path inside the directory it is joined to.
func ValidateRelativePath(path, label string) error {
	if path == "" {
		return fmt.Errorf("%s is empty", label)
	}
	if len(path) > maxRelativePathLength {
		return fmt.Errorf("%s is %d characters, maximum is %d", label, len(path), maxRelativePathLength)
	}
	if path[0] == '/' {
		return fmt.Errorf("%s %q is absolute", label, path)
	}
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c < 0x20 || c == 0x7f {
			return fmt.Errorf("%s contains control character at position %d", label, i)
		}
		if c == '\\' {
			return fmt.Errorf("%s %q contains backslash", label, path)
		}
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			return fmt.Errorf("%s %q contains empty segment", label, path)
		}
		if segment == ".." {
			return fmt.Errorf("%s %q contains '..' segment (path traversal)", label, path)
		}
	}
	return nil
}
