// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/drover-systems/drover/lib/clock"
	"github.com/drover-systems/drover/lib/codec"
)

// tokenIDBytes is the size of a token id before hex encoding.
const tokenIDBytes = 32

// Token is a bearer credential minted after a successful external
// provider login. The record is CBOR both on disk and in the token
// issuance response.
type Token struct {
	// ID is the bearer value itself: 64 lowercase hex characters.
	ID string `cbor:"id" json:"id"`

	// Provider is the external provider that vouched for Principal.
	Provider string `cbor:"provider" json:"provider"`

	// Principal is the authenticated name. It is re-checked against
	// the provider's ACL table on every use, so issuance does not
	// freeze authorization.
	Principal string `cbor:"principal" json:"principal"`

	// Start and Expire are Unix seconds.
	Start  int64 `cbor:"start" json:"start"`
	Expire int64 `cbor:"expire" json:"expire"`
}

// TokenStore persists bearer tokens, one CBOR file per token id.
// Lookup treats expired records as absent and deletes them on read;
// Prune sweeps the whole directory from the maintenance loop.
type TokenStore struct {
	dir    string
	clock  clock.Clock
	logger *slog.Logger
}

// NewTokenStore opens the token directory, creating it if needed.
func NewTokenStore(dir string, c clock.Clock, logger *slog.Logger) (*TokenStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating token directory: %w", err)
	}
	return &TokenStore{dir: dir, clock: c, logger: logger}, nil
}

// Mint creates and persists a token for principal under provider.
func (s *TokenStore) Mint(provider, principal string, ttl time.Duration) (*Token, error) {
	raw := make([]byte, tokenIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("reading randomness: %w", err)
	}
	now := s.clock.Now()
	token := &Token{
		ID:        hex.EncodeToString(raw),
		Provider:  provider,
		Principal: principal,
		Start:     now.Unix(),
		Expire:    now.Add(ttl).Unix(),
	}
	payload, err := codec.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("encoding token: %w", err)
	}
	if err := os.WriteFile(s.path(token.ID), payload, 0o600); err != nil {
		return nil, fmt.Errorf("writing token: %w", err)
	}
	return token, nil
}

// Lookup returns the token record for id. Unknown, malformed, and
// expired ids all report false; expired records are removed on the
// way out so the directory does not accumulate dead tokens.
func (s *TokenStore) Lookup(id string) (*Token, bool) {
	if !validTokenID(id) {
		return nil, false
	}
	payload, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, false
	}
	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		s.logger.Warn("token record is corrupt", "id", id, "error", err)
		return nil, false
	}
	if s.clock.Now().Unix() >= token.Expire {
		if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("removing expired token", "id", id, "error", err)
		}
		return nil, false
	}
	return &token, true
}

// Prune removes every expired or unreadable token record and returns
// the number removed.
func (s *TokenStore) Prune() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("listing token directory: %w", err)
	}
	now := s.clock.Now().Unix()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !validTokenID(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		payload, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var token Token
		if err := codec.Unmarshal(payload, &token); err != nil {
			s.logger.Warn("removing corrupt token record", "id", entry.Name(), "error", err)
			if os.Remove(path) == nil {
				removed++
			}
			continue
		}
		if now >= token.Expire {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// path maps a token id to its file. Ids are validated hex, so the
// join cannot escape the directory.
func (s *TokenStore) path(id string) string {
	return filepath.Join(s.dir, id)
}

// validTokenID reports whether id has the exact shape Mint produces.
func validTokenID(id string) bool {
	if len(id) != 2*tokenIDBytes {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
