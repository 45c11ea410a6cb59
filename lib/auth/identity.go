// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package auth

// IdentityKind describes how an identity was established.
type IdentityKind string

const (
	// IdentityUser is a local user authenticated by shared secret.
	IdentityUser IdentityKind = "user"

	// IdentityEauth is a principal authenticated through an external
	// provider, either directly or via a bearer token.
	IdentityEauth IdentityKind = "eauth"
)

// Identity is an authenticated caller. Authorization keys off Name:
// local users are matched against the publisher ACL, eauth principals
// against the per-provider table named by Provider.
type Identity struct {
	Kind IdentityKind

	// Name is the principal name ACL entries match against.
	Name string

	// Provider is the external provider that vouched for an eauth
	// identity. Empty for local users.
	Provider string

	// Superuser marks the controller's own run user, or a delegate
	// who presented the run user's secret under a "sudo_" name.
	// Superusers bypass the publisher ACL (the delegate form only
	// when no ACL entry names them) but never the blacklist.
	Superuser bool
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool { return id.Name == "" }

// String renders the identity for logs: "user:larry" or
// "eauth:ldap:larry".
func (id Identity) String() string {
	if id.Kind == IdentityEauth {
		return string(IdentityEauth) + ":" + id.Provider + ":" + id.Name
	}
	return string(IdentityUser) + ":" + id.Name
}

// Credentials are the authentication fields of an operator request,
// decoded straight off the wire. Which fields are populated selects
// the ladder rung: Token, then Provider, then Username, then nothing.
type Credentials struct {
	// Token is a bearer token id previously minted by MintToken.
	Token string `cbor:"token,omitempty" json:"token,omitempty"`

	// Provider names an external auth provider for direct login.
	Provider string `cbor:"provider,omitempty" json:"provider,omitempty"`

	// Username and Password authenticate against Provider when it is
	// set. Without a provider, Username selects the local user whose
	// shared secret must match Secret.
	Username string `cbor:"username,omitempty" json:"username,omitempty"`
	Password string `cbor:"password,omitempty" json:"password,omitempty"`

	// Secret is the local shared secret read from the controller's
	// secrets directory.
	Secret string `cbor:"secret,omitempty" json:"secret,omitempty"`
}
