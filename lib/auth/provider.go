// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
)

// Provider authenticates principals against an external system (an
// LDAP directory, PAM, an SSO bridge). One provider instance serves
// every request, so implementations must be safe for concurrent use.
type Provider interface {
	// Name is the provider name requests and config reference.
	Name() string

	// Authenticate verifies the credentials and returns the canonical
	// principal name. A failed login returns an error; the text is
	// logged but never shown to the caller.
	Authenticate(ctx context.Context, creds Credentials) (string, error)

	// ResolvePrincipal maps the request to the principal name the
	// provider's ACL table enumerates, without authenticating. Token
	// issuance uses it to name the principal before login completes.
	ResolvePrincipal(creds Credentials) string

	// SessionValid reports whether provider-imposed session limits
	// still hold for the credentials. Providers without session
	// tracking return true.
	SessionValid(ctx context.Context, creds Credentials) bool
}

// Providers is the configured provider set, keyed by Name.
type Providers map[string]Provider

// Register adds a provider. Registering the same name twice panics:
// wiring happens once at daemon startup and a duplicate is a
// configuration bug, not a runtime condition.
func (p Providers) Register(provider Provider) {
	name := provider.Name()
	if _, ok := p[name]; ok {
		panic(fmt.Sprintf("auth: provider %q registered twice", name))
	}
	p[name] = provider
}

// Lookup returns the provider registered under name.
func (p Providers) Lookup(name string) (Provider, bool) {
	provider, ok := p[name]
	return provider, ok
}
