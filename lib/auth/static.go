// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// HashPassword parameters, following the x/crypto argon2id guidance.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// dummyHash is a syntactically valid argon2id hash that matches no
// password. Unknown users are verified against it so both rejection
// paths cost one KDF run.
const dummyHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// StaticProvider authenticates against a config-listed table of
// argon2id password hashes. It is the built-in provider: controllers
// without an external directory list their operator accounts directly
// in the config file.
type StaticProvider struct {
	name  string
	users map[string]string
}

// NewStaticProvider builds a provider over a username-to-hash table.
// Hashes are PHC strings as produced by HashPassword.
func NewStaticProvider(name string, users map[string]string) *StaticProvider {
	return &StaticProvider{name: name, users: users}
}

// Name implements Provider.
func (p *StaticProvider) Name() string { return p.name }

// Authenticate verifies the password against the stored hash for the
// request's username.
func (p *StaticProvider) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	if creds.Username == "" || creds.Password == "" {
		return "", fmt.Errorf("username and password are required")
	}
	encoded, ok := p.users[creds.Username]
	if !ok {
		_, _ = verifyArgon2id(creds.Password, dummyHash)
		return "", fmt.Errorf("invalid credentials for %q", creds.Username)
	}
	match, err := verifyArgon2id(creds.Password, encoded)
	if err != nil {
		return "", fmt.Errorf("stored hash for %q: %w", creds.Username, err)
	}
	if !match {
		return "", fmt.Errorf("invalid credentials for %q", creds.Username)
	}
	return creds.Username, nil
}

// ResolvePrincipal returns the request's username: the static table
// has no aliasing.
func (p *StaticProvider) ResolvePrincipal(creds Credentials) string {
	return creds.Username
}

// SessionValid implements Provider. Static entries carry no session
// state.
func (p *StaticProvider) SessionValid(ctx context.Context, creds Credentials) bool {
	return true
}

// HashPassword derives an argon2id hash in PHC string format, suitable
// for a static provider user table.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("reading randomness: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// verifyArgon2id checks password against a PHC-format argon2id hash.
// A malformed hash is an error; a clean mismatch is (false, nil).
func verifyArgon2id(password, encoded string) (bool, error) {
	// $argon2id$v=19$m=...,t=...,p=...$<salt>$<hash> splits into six
	// fields with an empty leading element.
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != "argon2id" {
		return false, fmt.Errorf("not an argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("malformed version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %d", version)
	}
	var memory, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return false, fmt.Errorf("malformed parameters: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return false, fmt.Errorf("malformed salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil {
		return false, fmt.Errorf("malformed hash: %w", err)
	}
	got := argon2.IDKey([]byte(password), salt, timeCost, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
