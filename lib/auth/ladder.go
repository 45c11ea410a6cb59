// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/drover-systems/drover/lib/acl"
)

// sudoPrefix marks a username as a superuser delegation: the caller
// presents the run user's secret but acts under their own name.
const sudoPrefix = "sudo_"

// LadderConfig wires a Ladder.
type LadderConfig struct {
	// Tokens resolves bearer tokens.
	Tokens *TokenStore

	// Providers are the configured external providers.
	Providers Providers

	// Eauth maps a provider name to the ACL table enumerating its
	// principals. A provider absent here is unusable even when
	// registered: enumeration is part of authentication, not
	// authorization.
	Eauth map[string]acl.Table

	// Secrets is the local shared-secret table.
	Secrets *SecretTable

	// RunUser is the user the controller runs as. It anchors the
	// superuser paths and the no-identity fallback.
	RunUser string

	// Logger receives a warning per denial. nil discards.
	Logger *slog.Logger
}

// Ladder authenticates operator requests by trying four schemes in a
// fixed order: bearer token, external provider, explicit user with
// shared secret, the controller's own secret.
type Ladder struct {
	tokens    *TokenStore
	providers Providers
	eauth     map[string]acl.Table
	secrets   *SecretTable
	runUser   string
	logger    *slog.Logger
}

// NewLadder builds a Ladder.
func NewLadder(cfg LadderConfig) *Ladder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ladder{
		tokens:    cfg.Tokens,
		providers: cfg.Providers,
		eauth:     cfg.Eauth,
		secrets:   cfg.Secrets,
		runUser:   cfg.RunUser,
		logger:    logger,
	}
}

// Authenticate establishes the caller's identity. The first scheme
// the credentials qualify for is final: its failure is the request's
// failure, with no fall-through to later schemes. A request carrying
// both a token and a username that fails token lookup is rejected, not
// retried against the shared-secret table.
func (l *Ladder) Authenticate(ctx context.Context, creds Credentials) (Identity, *Failure) {
	switch {
	case creds.Token != "":
		return l.authenticateToken(creds.Token)
	case creds.Provider != "":
		return l.authenticateProvider(ctx, creds)
	case creds.Username != "":
		return l.authenticateUser(creds)
	default:
		return l.authenticateSelf(creds)
	}
}

// AuthenticateProvider runs only the external-provider scheme, for
// token issuance: the caller proves a provider login and receives the
// principal name a minted token will carry. Tokens re-run the
// enumeration rule on every later use.
func (l *Ladder) AuthenticateProvider(ctx context.Context, creds Credentials) (Identity, *Failure) {
	if creds.Provider == "" {
		return Identity{}, l.deny(KindEauthAuthentication, "token issuance requires a provider name")
	}
	return l.authenticateProvider(ctx, creds)
}

func (l *Ladder) authenticateToken(id string) (Identity, *Failure) {
	token, ok := l.tokens.Lookup(id)
	if !ok {
		return Identity{}, l.deny(KindTokenAuthentication, "token is invalid or expired")
	}
	if failure := l.checkEnumerated(KindTokenAuthentication, token.Provider, token.Principal); failure != nil {
		return Identity{}, failure
	}
	return Identity{Kind: IdentityEauth, Name: token.Principal, Provider: token.Provider}, nil
}

func (l *Ladder) authenticateProvider(ctx context.Context, creds Credentials) (Identity, *Failure) {
	provider, ok := l.providers.Lookup(creds.Provider)
	if !ok {
		return Identity{}, l.deny(KindEauthAuthentication, "provider %q is not available", creds.Provider)
	}
	principal := provider.ResolvePrincipal(creds)
	if principal == "" {
		return Identity{}, l.deny(KindEauthAuthentication, "request names no principal for provider %q", creds.Provider)
	}
	if failure := l.checkEnumerated(KindEauthAuthentication, creds.Provider, principal); failure != nil {
		return Identity{}, failure
	}
	authenticated, err := provider.Authenticate(ctx, creds)
	if err != nil {
		l.logger.Warn("provider rejected login",
			"provider", creds.Provider, "principal", principal, "error", err)
		return Identity{}, Denyf(KindEauthAuthentication, "authentication failed for provider %q", creds.Provider)
	}
	if !provider.SessionValid(ctx, creds) {
		return Identity{}, l.deny(KindEauthAuthentication, "session expired for %q", principal)
	}
	// The provider may canonicalize the name (case folding, domain
	// stripping). Re-check enumeration when it does.
	if authenticated != principal {
		if failure := l.checkEnumerated(KindEauthAuthentication, creds.Provider, authenticated); failure != nil {
			return Identity{}, failure
		}
	}
	return Identity{Kind: IdentityEauth, Name: authenticated, Provider: creds.Provider}, nil
}

func (l *Ladder) authenticateUser(creds Credentials) (Identity, *Failure) {
	username := creds.Username
	switch {
	case strings.HasPrefix(username, sudoPrefix):
		if !l.secrets.Verify(l.runUser, creds.Secret) {
			return Identity{}, l.deny(KindUserAuthentication, "invalid superuser secret for %q", username)
		}
		name := strings.TrimPrefix(username, sudoPrefix)
		if name == "" {
			return Identity{}, l.deny(KindUserAuthentication, "empty delegate name")
		}
		return Identity{Kind: IdentityUser, Name: name, Superuser: true}, nil
	case username == l.runUser || username == "root":
		if !l.secrets.Verify(l.runUser, creds.Secret) {
			return Identity{}, l.deny(KindUserAuthentication, "invalid secret for %q", username)
		}
		return Identity{Kind: IdentityUser, Name: l.runUser, Superuser: true}, nil
	default:
		if !l.secrets.Verify(username, creds.Secret) {
			return Identity{}, l.deny(KindUserAuthentication, "invalid secret for %q", username)
		}
		return Identity{Kind: IdentityUser, Name: username}, nil
	}
}

// authenticateSelf is the no-identity fallback: a caller on the
// controller host presenting the run user's own secret.
func (l *Ladder) authenticateSelf(creds Credentials) (Identity, *Failure) {
	if creds.Secret == "" {
		return Identity{}, l.deny(KindUserAuthentication, "request carries no credentials")
	}
	if !l.secrets.Verify(l.runUser, creds.Secret) {
		return Identity{}, l.deny(KindUserAuthentication, "invalid controller secret")
	}
	return Identity{Kind: IdentityUser, Name: l.runUser, Superuser: true}, nil
}

// checkEnumerated applies the enumeration rule shared by the token and
// provider schemes: the provider must have an ACL table, and that
// table must list the principal exactly, by pattern, or by wildcard.
// An unenumerated principal fails authentication even with a valid
// login.
func (l *Ladder) checkEnumerated(kind, provider, principal string) *Failure {
	table, ok := l.eauth[provider]
	if !ok {
		return l.deny(kind, "provider %q is not configured", provider)
	}
	if !table.Matches(principal) {
		return l.deny(kind, "%q is not enumerated under provider %q", principal, provider)
	}
	return nil
}

// deny logs and constructs a Failure. Denials are routine under
// probing and misconfiguration but operators still want them visible.
func (l *Ladder) deny(kind, format string, args ...any) *Failure {
	failure := Denyf(kind, format, args...)
	l.logger.Warn("authentication denied", "kind", kind, "reason", failure.Message)
	return failure
}
