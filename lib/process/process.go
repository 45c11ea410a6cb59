// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Drover
// binaries. It centralizes the one legitimate raw I/O pattern that
// exists before the structured logger: fatal error reporting in main()
// for errors from run() where the logger may not be initialized.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. This is
// the standard Drover binary entrypoint error handler. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
