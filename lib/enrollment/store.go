// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package enrollment

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/drover-systems/drover/lib/ref"
)

// State is an enrollment key's lifecycle position.
type State string

const (
	StateAccepted State = "accepted"
	StatePending  State = "pending"
	StateRejected State = "rejected"
)

// States lists every state in lookup order.
var States = []State{StateAccepted, StatePending, StateRejected}

// ErrNotFound reports a key id absent from every state directory.
var ErrNotFound = errors.New("enrollment: key not found")

// Store is the filesystem key store. Each state is a directory of raw
// ed25519 public keys named by key id; a state transition is a rename.
type Store struct {
	dir    string
	policy *Policy
	logger *slog.Logger

	// mu serializes state transitions. Plain reads go lock-free: a
	// read racing a rename sees the key in one state or the other,
	// both of which were true moments apart.
	mu sync.Mutex
}

// NewStore opens the key store rooted at dir, creating the state
// directories as needed.
func NewStore(dir string, policy *Policy, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, state := range States {
		if err := os.MkdirAll(filepath.Join(dir, string(state)), 0o700); err != nil {
			return nil, fmt.Errorf("creating %s key directory: %w", state, err)
		}
	}
	return &Store{dir: dir, policy: policy, logger: logger}, nil
}

// Submit records an enrollment request. The policy decides the
// resulting state: autoreject wins over everything, autosign accepts,
// anything else parks as pending for an operator. A key id already on
// file only advances when the submission carries byte-identical
// material; conflicting material is refused without touching the
// stored key.
func (s *Store) Submit(keyid ref.AgentID, pub ed25519.PublicKey) (State, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("enrollment: key for %q is %d bytes, want %d", keyid, len(pub), ed25519.PublicKeySize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, existing, err := s.lookupLocked(keyid)
	switch {
	case err == nil:
		if !bytes.Equal(existing, pub) {
			s.logger.Warn("enrollment key mismatch", "agent", keyid, "state", string(state))
			return StateRejected, nil
		}
		if state == StateAccepted || state == StateRejected {
			return state, nil
		}
		// Pending resubmission: the policy may have changed since the
		// first attempt (an operator dropped a stub, say), so fall
		// through and re-evaluate.
	case errors.Is(err, ErrNotFound):
	default:
		return "", err
	}

	switch {
	case s.policy.CheckAutoReject(keyid):
		if err := s.placeLocked(StateRejected, keyid, pub); err != nil {
			return "", err
		}
		s.logger.Info("enrollment rejected by policy", "agent", keyid)
		return StateRejected, nil
	case s.policy.CheckAutoSign(keyid):
		if err := s.placeLocked(StateAccepted, keyid, pub); err != nil {
			return "", err
		}
		s.logger.Info("enrollment accepted by policy", "agent", keyid)
		return StateAccepted, nil
	default:
		if err := s.placeLocked(StatePending, keyid, pub); err != nil {
			return "", err
		}
		s.logger.Info("enrollment pending", "agent", keyid, "fingerprint", Fingerprint(pub))
		return StatePending, nil
	}
}

// Accept moves a pending key to accepted. Accepting an accepted key
// is a no-op; a rejected key must be deleted and re-enrolled.
func (s *Store) Accept(keyid ref.AgentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, _, err := s.lookupLocked(keyid)
	if err != nil {
		return err
	}
	switch state {
	case StateAccepted:
		return nil
	case StateRejected:
		return fmt.Errorf("enrollment: key for %q is rejected; delete it before accepting", keyid)
	}
	if err := s.moveLocked(StatePending, StateAccepted, keyid); err != nil {
		return err
	}
	s.logger.Info("enrollment key accepted", "agent", keyid)
	return nil
}

// Reject moves a pending key to rejected. Rejecting a rejected key is
// a no-op; an accepted key must be deleted explicitly first.
func (s *Store) Reject(keyid ref.AgentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, _, err := s.lookupLocked(keyid)
	if err != nil {
		return err
	}
	switch state {
	case StateRejected:
		return nil
	case StateAccepted:
		return fmt.Errorf("enrollment: key for %q is accepted; delete it instead of rejecting", keyid)
	}
	if err := s.moveLocked(StatePending, StateRejected, keyid); err != nil {
		return err
	}
	s.logger.Info("enrollment key rejected", "agent", keyid)
	return nil
}

// Delete removes keyid from every state. Deleting an absent key is a
// no-op.
func (s *Store) Delete(keyid ref.AgentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := false
	for _, state := range States {
		err := os.Remove(s.keyPath(state, keyid))
		switch {
		case err == nil:
			removed = true
		case !os.IsNotExist(err):
			return fmt.Errorf("deleting %s key for %q: %w", state, keyid, err)
		}
	}
	if removed {
		s.logger.Info("enrollment key deleted", "agent", keyid)
	}
	return nil
}

// List returns the key ids in state, in name order.
func (s *Store) List(state State) ([]ref.AgentID, error) {
	entries, err := os.ReadDir(s.stateDir(state))
	if err != nil {
		return nil, fmt.Errorf("listing %s keys: %w", state, err)
	}
	ids := make([]ref.AgentID, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, err := ref.ParseAgentID(entry.Name())
		if err != nil {
			s.logger.Warn("ignoring stray file in key directory", "state", string(state), "name", entry.Name())
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Get returns keyid's current state and material.
func (s *Store) Get(keyid ref.AgentID) (State, ed25519.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(keyid)
}

// IsAccepted reports whether keyid has an accepted key.
func (s *Store) IsAccepted(keyid ref.AgentID) bool {
	_, err := os.Stat(s.keyPath(StateAccepted, keyid))
	return err == nil
}

// AcceptedKey returns the accepted public key for keyid. Pending and
// rejected keys verify nothing.
func (s *Store) AcceptedKey(keyid ref.AgentID) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(s.keyPath(StateAccepted, keyid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, keyid)
		}
		return nil, fmt.Errorf("reading accepted key for %q: %w", keyid, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("enrollment: stored key for %q is %d bytes, want %d", keyid, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// AcceptedAgents returns every accepted key id. This is the agent
// universe target resolution starts from.
func (s *Store) AcceptedAgents(ctx context.Context) ([]ref.AgentID, error) {
	return s.List(StateAccepted)
}

func (s *Store) lookupLocked(keyid ref.AgentID) (State, ed25519.PublicKey, error) {
	for _, state := range States {
		raw, err := os.ReadFile(s.keyPath(state, keyid))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", nil, fmt.Errorf("reading %s key for %q: %w", state, keyid, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return "", nil, fmt.Errorf("enrollment: stored key for %q is %d bytes, want %d", keyid, len(raw), ed25519.PublicKeySize)
		}
		return state, ed25519.PublicKey(raw), nil
	}
	return "", nil, fmt.Errorf("%w: %q", ErrNotFound, keyid)
}

// placeLocked writes the key into state and clears it from the others.
func (s *Store) placeLocked(state State, keyid ref.AgentID, pub ed25519.PublicKey) error {
	if err := os.WriteFile(s.keyPath(state, keyid), pub, 0o600); err != nil {
		return fmt.Errorf("writing %s key for %q: %w", state, keyid, err)
	}
	for _, other := range States {
		if other == state {
			continue
		}
		if err := os.Remove(s.keyPath(other, keyid)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clearing %s key for %q: %w", other, keyid, err)
		}
	}
	return nil
}

func (s *Store) moveLocked(from, to State, keyid ref.AgentID) error {
	if err := os.Rename(s.keyPath(from, keyid), s.keyPath(to, keyid)); err != nil {
		return fmt.Errorf("moving key for %q from %s to %s: %w", keyid, from, to, err)
	}
	return nil
}

func (s *Store) stateDir(state State) string {
	return filepath.Join(s.dir, string(state))
}

func (s *Store) keyPath(state State, keyid ref.AgentID) string {
	return filepath.Join(s.stateDir(state), keyid.String())
}
