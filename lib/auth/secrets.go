// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// secretBytes is the size of a minted shared secret before hex
// encoding.
const secretBytes = 32

// secretSuffix is the filename suffix for per-user secret files.
const secretSuffix = ".secret"

// SecretTable holds the per-user shared secrets for local operator
// authentication. The controller mints a fresh table at every startup
// and writes one file per permitted user; operator CLIs read their own
// file at call time, so rotation on restart needs no client state.
type SecretTable struct {
	dir string

	mu      sync.RWMutex
	secrets map[string]string
}

// NewSecretTable mints a fresh secret for each named user and writes
// them under dir, one 0600 file per user named <user>.secret.
// Existing files are replaced: a copied secret dies with the process
// that minted it. Duplicate names are collapsed; path-hostile names
// are rejected.
func NewSecretTable(dir string, users []string, logger *slog.Logger) (*SecretTable, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating secrets directory: %w", err)
	}
	table := &SecretTable{dir: dir, secrets: make(map[string]string, len(users))}
	for _, user := range users {
		if err := validateSecretUser(user); err != nil {
			return nil, err
		}
		if _, ok := table.secrets[user]; ok {
			continue
		}
		secret, err := mintSecret()
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, user+secretSuffix)
		if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("writing secret for %q: %w", user, err)
		}
		table.secrets[user] = secret
		logger.Debug("minted operator secret", "user", user, "path", path)
	}
	return table, nil
}

// Lookup returns the minted secret for user.
func (t *SecretTable) Lookup(user string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	secret, ok := t.secrets[user]
	return secret, ok
}

// Verify compares presented against user's secret in constant time.
// Unknown users burn a comparison anyway so a rejection's timing does
// not reveal whether the user exists.
func (t *SecretTable) Verify(user, presented string) bool {
	secret, ok := t.Lookup(user)
	if !ok {
		subtle.ConstantTimeCompare([]byte(presented), []byte(presented))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) == 1
}

// ReadSecret reads the secret file for user under dir. This is the
// client half of the table: operator CLIs call it per request.
// Trailing whitespace is trimmed; an empty file is an error.
func ReadSecret(dir, user string) (string, error) {
	if err := validateSecretUser(user); err != nil {
		return "", err
	}
	raw, err := os.ReadFile(filepath.Join(dir, user+secretSuffix))
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", fmt.Errorf("secret file for %q is empty", user)
	}
	return secret, nil
}

// validateSecretUser rejects names that could escape the secrets
// directory or hide their file from listings.
func validateSecretUser(user string) error {
	switch {
	case user == "":
		return fmt.Errorf("user name is empty")
	case strings.HasPrefix(user, "."):
		return fmt.Errorf("user name %q starts with a dot", user)
	case strings.ContainsAny(user, "/\\"):
		return fmt.Errorf("user name %q contains a path separator", user)
	}
	return nil
}

func mintSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("reading randomness: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
