// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package acl evaluates access-control tables for the operator and
// peer request paths.
//
// A [Table] is an ordered list of entries. Each entry names who it
// applies to (exact name, glob, or anchored regular expression) and
// carries the rules that identity is granted: function name patterns,
// optionally scoped to a target expression and to argument patterns.
//
// Two evaluation flavors exist. [Table.PermitCall] is the publish
// flavor: the requested functions, their arguments, and the resolved
// target set are all checked, with the rule's target resolved as a
// compound expression and the request's resolution required to be a
// subset of it. [Table.PermitFunction] is the name-only flavor used
// for orchestration and admin functions, where there is no target.
//
// A [Blacklist] is the inverse table: name and function patterns that
// refuse service before any identity resolution happens.
//
// Every matcher in this package fails closed: malformed patterns never
// match, and resolver failures during the subset check deny. Results
// carry a [DenyReason] for the audit log rather than an error, since
// denial is an expected outcome, not a fault.
package acl
