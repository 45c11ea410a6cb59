// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"errors"
	"fmt"
)

// InvocationFailure describes an orchestration or admin function that
// was dispatched and then failed. It mirrors the shape of the
// underlying failure without letting it propagate as a fault: the
// handler boundary always returns a value.
type InvocationFailure struct {
	// Name is the function that failed, or the name that was looked
	// up when no such function exists.
	Name string `cbor:"name" json:"name"`

	// Arguments are the positional arguments the function was called
	// with.
	Arguments []any `cbor:"arguments,omitempty" json:"arguments,omitempty"`

	// Message is the failure description.
	Message string `cbor:"message" json:"message"`
}

// Error implements the error interface.
func (f *InvocationFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Name, f.Message)
}

// WrapInvocation builds an InvocationFailure for a failed function
// call.
func WrapInvocation(name string, args []any, err error) *InvocationFailure {
	return &InvocationFailure{Name: name, Arguments: args, Message: err.Error()}
}

// AsInvocationFailure extracts an *InvocationFailure from an error
// chain.
func AsInvocationFailure(err error) (*InvocationFailure, bool) {
	var failure *InvocationFailure
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}
