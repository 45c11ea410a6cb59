// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
)

// Failure kinds carried in wire-visible error payloads. Operator
// clients branch on these strings, so they are part of the protocol.
const (
	// KindAuthentication is the generic credential failure used when
	// no more specific kind applies.
	KindAuthentication = "AuthenticationError"

	// KindTokenAuthentication reports a bearer token that is missing,
	// expired, or minted for a principal the provider's table does not
	// enumerate.
	KindTokenAuthentication = "TokenAuthenticationError"

	// KindEauthAuthentication reports an external-provider login
	// failure.
	KindEauthAuthentication = "EauthAuthenticationError"

	// KindUserAuthentication reports a local shared-secret mismatch.
	KindUserAuthentication = "UserAuthenticationError"

	// KindAuthorization reports a valid identity that is not permitted
	// to perform the requested call.
	KindAuthorization = "AuthorizationError"
)

// Failure is a structured authentication or authorization denial. It
// is returned as a value from every checkpoint and serialized verbatim
// into the response envelope's error member.
type Failure struct {
	// Kind is one of the Kind* constants.
	Kind string `cbor:"kind" json:"kind"`

	// Message describes the denial for the caller. It must never
	// include secret material.
	Message string `cbor:"message" json:"message"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Denyf constructs a Failure with a formatted message.
func Denyf(kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsFailure extracts a *Failure from an error chain. The second return
// is false when err is not a denial (a storage or transport fault, for
// example), in which case the caller should not surface err's text to
// the remote party.
func AsFailure(err error) (*Failure, bool) {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}

// IsFailure reports whether err is a Failure with the given kind.
func IsFailure(err error, kind string) bool {
	failure, ok := AsFailure(err)
	return ok && failure.Kind == kind
}
