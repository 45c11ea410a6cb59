// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/drover-systems/drover/lib/acl"
	"github.com/drover-systems/drover/lib/auth"
	"github.com/drover-systems/drover/lib/bundle"
	"github.com/drover-systems/drover/lib/clock"
	"github.com/drover-systems/drover/lib/enrollment"
	"github.com/drover-systems/drover/lib/job"
	"github.com/drover-systems/drover/lib/mine"
	"github.com/drover-systems/drover/lib/ref"
	"github.com/drover-systems/drover/lib/sqlitepool"
	"github.com/drover-systems/drover/lib/target"
	"github.com/drover-systems/drover/messaging"
)

var gateTestEpoch = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []messaging.Event
}

func (b *recordingBus) Publish(ctx context.Context, tag string, data map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, messaging.Event{Tag: tag, Data: data})
	return nil
}

func (b *recordingBus) tags() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	tags := make([]string, len(b.events))
	for i, event := range b.events {
		tags[i] = event.Tag
	}
	return tags
}

func (b *recordingBus) hasTag(tag string) bool {
	for _, got := range b.tags() {
		if got == tag {
			return true
		}
	}
	return false
}

// fixture assembles the full collaborator set both gates need, backed
// by a real ledger, mine store, and enrollment store on temporary
// state.
type fixture struct {
	clock    *clock.FakeClock
	ledger   *job.Ledger
	mine     *mine.Store
	bus      *recordingBus
	keys     *enrollment.Store
	cache    *bundle.Cache
	resolver *target.Registry
	secrets  *auth.SecretTable
	tokens   *auth.TokenStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	fakeClock := clock.Fake(gateTestEpoch)

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(root, "controller.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	ledger, err := job.OpenLedger(context.Background(), job.LedgerConfig{Pool: pool, Clock: fakeClock})
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	mineStore, err := mine.OpenStore(context.Background(), mine.StoreConfig{Pool: pool})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	policy := enrollment.NewPolicy(enrollment.PolicyConfig{AutoAccept: true, Clock: fakeClock})
	keys, err := enrollment.NewStore(filepath.Join(root, "keys"), policy, nil)
	if err != nil {
		t.Fatalf("enrollment.NewStore: %v", err)
	}

	cache, err := bundle.NewCache(filepath.Join(root, "bundle-cache"), nil)
	if err != nil {
		t.Fatalf("bundle.NewCache: %v", err)
	}

	secrets, err := auth.NewSecretTable(filepath.Join(root, "secrets"), []string{"root", "larry"}, nil)
	if err != nil {
		t.Fatalf("NewSecretTable: %v", err)
	}
	tokens, err := auth.NewTokenStore(filepath.Join(root, "tokens"), fakeClock, nil)
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}

	return &fixture{
		clock:    fakeClock,
		ledger:   ledger,
		mine:     mineStore,
		bus:      &recordingBus{},
		keys:     keys,
		cache:    cache,
		resolver: target.NewRegistry(keys, cache, nil),
		secrets:  secrets,
		tokens:   tokens,
	}
}

// enroll accepts an agent key so the agent is part of the targetable
// universe.
func (f *fixture) enroll(t *testing.T, id string) ref.AgentID {
	t.Helper()
	agent, err := ref.ParseAgentID(id)
	if err != nil {
		t.Fatalf("ParseAgentID(%q): %v", id, err)
	}
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	state, err := f.keys.Submit(agent, pub)
	if err != nil {
		t.Fatalf("Submit(%q): %v", id, err)
	}
	if state != enrollment.StateAccepted {
		t.Fatalf("Submit(%q) = %v, want accepted", id, state)
	}
	return agent
}

func (f *fixture) agentGate(t *testing.T, mutate func(*AgentGateConfig)) *AgentGate {
	t.Helper()
	cfg := AgentGateConfig{
		Ledger:          f.ledger,
		Mine:            f.mine,
		Bus:             f.bus,
		Compiler:        bundle.NewStaticCompiler(map[string]any{"role": "base"}, nil),
		BundleCache:     f.cache,
		Resolver:        f.resolver,
		Keys:            f.keys,
		Orchestration:   NewRegistry(),
		UploadDir:       filepath.Join(t.TempDir(), "uploads"),
		UploadMaxBytes:  1 << 20,
		JobCacheEnabled: true,
		TrackEndTimes:   true,
		Clock:           f.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewAgentGate(cfg)
}

func (f *fixture) ladder(eauth map[string]acl.Table, providers auth.Providers) *auth.Ladder {
	return auth.NewLadder(auth.LadderConfig{
		Tokens:    f.tokens,
		Providers: providers,
		Eauth:     eauth,
		Secrets:   f.secrets,
		RunUser:   "root",
	})
}

func (f *fixture) operatorGate(t *testing.T, mutate func(*OperatorGateConfig)) *OperatorGate {
	t.Helper()
	cfg := OperatorGateConfig{
		Ladder:          f.ladder(nil, nil),
		Resolver:        f.resolver,
		Ledger:          f.ledger,
		Bus:             f.bus,
		Tokens:          f.tokens,
		Orchestration:   NewRegistry(),
		Admin:           NewRegistry(),
		RunUser:         "root",
		StatusFunction:  "job.find",
		JobCacheEnabled: true,
		Clock:           f.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewOperatorGate(cfg)
}

// userCreds builds shared-secret credentials for a table user.
func (f *fixture) userCreds(t *testing.T, user string) auth.Credentials {
	t.Helper()
	secret, ok := f.secrets.Lookup(user)
	if !ok {
		t.Fatalf("no secret for %q", user)
	}
	return auth.Credentials{Username: user, Secret: secret}
}
