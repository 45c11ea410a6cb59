// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/drover-systems/drover/lib/acl"
	"github.com/drover-systems/drover/lib/auth"
	"github.com/drover-systems/drover/messaging"
)

// --- Publish ---

func TestPublishAsController(t *testing.T) {
	f := newFixture(t)
	agent := f.enroll(t, "web-01")
	f.enroll(t, "web-02")
	g := f.operatorGate(t, nil)
	ctx := context.Background()

	result, err := g.Publish(ctx, PublishRequest{
		Function:    "test.ping",
		Target:      "web-*",
		Credentials: f.userCreds(t, "root"),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.JobID.IsZero() {
		t.Fatal("Publish allocated no job id")
	}
	if len(result.Agents) != 2 {
		t.Fatalf("resolved %d agents, want 2: %v", len(result.Agents), result.Agents)
	}

	// Announced under both tag generations.
	if !f.bus.hasTag(messaging.TagLegacyNewJob) {
		t.Errorf("legacy new-job tag missing: %v", f.bus.tags())
	}
	if !f.bus.hasTag(messaging.TagNewJob(result.JobID)) {
		t.Errorf("structured new-job tag missing: %v", f.bus.tags())
	}

	// The ledger round-trips the request.
	request, err := f.ledger.GetRequest(ctx, result.JobID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if request.Function != "test.ping" || request.Target != "web-*" {
		t.Fatalf("stored request = %+v", request)
	}
	found := false
	for _, stored := range request.Agents {
		if stored == agent {
			found = true
		}
	}
	if !found {
		t.Fatalf("stored agents %v missing %v", request.Agents, agent)
	}
}

func TestPublishZeroTargetsSpendsNoJobID(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "web-01")
	g := f.operatorGate(t, nil)
	ctx := context.Background()

	result, err := g.Publish(ctx, PublishRequest{
		Function:    "test.ping",
		Target:      "nosuch-*",
		Credentials: f.userCreds(t, "root"),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !result.JobID.IsZero() {
		t.Fatalf("empty-fleet publish spent jid %v", result.JobID)
	}
	if result.Agents == nil || len(result.Agents) != 0 {
		t.Fatalf("agents = %v, want empty non-nil list", result.Agents)
	}
	if len(f.bus.tags()) != 0 {
		t.Fatalf("empty-fleet publish announced: %v", f.bus.tags())
	}
	summaries, err := f.ledger.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("ledger has %d jobs after empty-fleet publish", len(summaries))
	}
}

func TestPublishMalformedRequest(t *testing.T) {
	f := newFixture(t)
	g := f.operatorGate(t, nil)
	ctx := context.Background()

	for _, req := range []PublishRequest{
		{Target: "*", Credentials: f.userCreds(t, "root")},
		{Function: "test.ping", Credentials: f.userCreds(t, "root")},
	} {
		_, err := g.Publish(ctx, req)
		if !auth.IsFailure(err, auth.KindAuthentication) {
			t.Errorf("Publish(%+v) error = %v, want %s", req, err, auth.KindAuthentication)
		}
	}
}

func TestPublishBlacklistBeforeAuthentication(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "web-01")
	g := f.operatorGate(t, func(cfg *OperatorGateConfig) {
		cfg.Blacklist = acl.Blacklist{Users: []string{"larry"}, Functions: []string{"shell.run"}}
	})
	ctx := context.Background()

	// A blacklisted name with VALID credentials is refused with an
	// authorization error.
	_, err := g.Publish(ctx, PublishRequest{
		Function:    "test.ping",
		Target:      "*",
		Credentials: f.userCreds(t, "larry"),
	})
	if !auth.IsFailure(err, auth.KindAuthorization) {
		t.Fatalf("blacklisted user error = %v, want %s", err, auth.KindAuthorization)
	}

	// A blacklisted name with GARBAGE credentials gets the same
	// answer: the refusal happens before the credential path, so the
	// error kind cannot reveal whether the secret was right.
	_, err = g.Publish(ctx, PublishRequest{
		Function:    "test.ping",
		Target:      "*",
		Credentials: auth.Credentials{Username: "larry", Secret: "wrong"},
	})
	if !auth.IsFailure(err, auth.KindAuthorization) {
		t.Fatalf("blacklisted user with bad secret error = %v, want %s", err, auth.KindAuthorization)
	}

	// Blacklisted functions are refused for anyone, including the
	// controller itself.
	_, err = g.Publish(ctx, PublishRequest{
		Function:    "shell.run",
		Target:      "*",
		Credentials: f.userCreds(t, "root"),
	})
	if !auth.IsFailure(err, auth.KindAuthorization) {
		t.Fatalf("blacklisted function error = %v, want %s", err, auth.KindAuthorization)
	}
}

func TestPublishTokenSchemeIsFinal(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "web-01")
	g := f.operatorGate(t, nil)
	ctx := context.Background()

	// Valid username and secret alongside a bogus token: the token
	// scheme claims the request and its failure is final. No
	// fall-through to the shared-secret table.
	creds := f.userCreds(t, "root")
	creds.Token = "0000000000000000000000000000000000000000000000000000000000000000"
	_, err := g.Publish(ctx, PublishRequest{
		Function:    "test.ping",
		Target:      "*",
		Credentials: creds,
	})
	if !auth.IsFailure(err, auth.KindTokenAuthentication) {
		t.Fatalf("error = %v, want %s", err, auth.KindTokenAuthentication)
	}
}

func TestPublishACL(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "web-01")
	f.enroll(t, "db-01")
	g := f.operatorGate(t, func(cfg *OperatorGateConfig) {
		cfg.PublishACL = acl.Table{{
			Who:   "larry",
			Rules: []acl.Rule{{Fun: "test.*", Target: "web-*"}},
		}}
	})
	ctx := context.Background()
	larry := f.userCreds(t, "larry")

	// Inside the grant: function and target both covered.
	result, err := g.Publish(ctx, PublishRequest{
		Function: "test.ping", Target: "web-01", MatchType: "list", Credentials: larry,
	})
	if err != nil {
		t.Fatalf("permitted publish failed: %v", err)
	}
	if result.JobID.IsZero() {
		t.Fatal("permitted publish allocated no jid")
	}

	// Function outside the grant.
	_, err = g.Publish(ctx, PublishRequest{
		Function: "state.apply", Target: "web-01", MatchType: "list", Credentials: larry,
	})
	if !auth.IsFailure(err, auth.KindAuthorization) {
		t.Fatalf("denied function error = %v, want %s", err, auth.KindAuthorization)
	}

	// Target beyond the rule's scope: db-01 is not under web-*.
	_, err = g.Publish(ctx, PublishRequest{
		Function: "test.ping", Target: "db-01", MatchType: "list", Credentials: larry,
	})
	if !auth.IsFailure(err, auth.KindAuthorization) {
		t.Fatalf("out-of-scope target error = %v, want %s", err, auth.KindAuthorization)
	}
}

func TestPublishStatusFunctionExemption(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "web-01")
	g := f.operatorGate(t, nil)
	ctx := context.Background()

	// larry has no ACL entry at all, but the status-polling function
	// is exempt so interactive clients can collect results.
	result, err := g.Publish(ctx, PublishRequest{
		Function:    "job.find",
		Arguments:   []any{"20260701080000000000"},
		Target:      "web-*",
		Credentials: f.userCreds(t, "larry"),
	})
	if err != nil {
		t.Fatalf("status publish failed: %v", err)
	}
	if result.JobID.IsZero() {
		t.Fatal("status publish allocated no jid")
	}

	// The exemption is per element: in a mixed call the status
	// function rides free, but the rest still answers to the ACL.
	_, err = g.Publish(ctx, PublishRequest{
		Function:    "job.find,test.ping",
		Target:      "web-*",
		Credentials: f.userCreds(t, "larry"),
	})
	if !auth.IsFailure(err, auth.KindAuthorization) {
		t.Fatalf("mixed status publish error = %v, want %s", err, auth.KindAuthorization)
	}

	granted := f.operatorGate(t, func(cfg *OperatorGateConfig) {
		cfg.PublishACL = acl.Table{{
			Who:   "larry",
			Rules: []acl.Rule{{Fun: "test.*", Target: "web-*"}},
		}}
	})
	result, err = granted.Publish(ctx, PublishRequest{
		Function:    "job.find,test.ping",
		Target:      "web-*",
		Credentials: f.userCreds(t, "larry"),
	})
	if err != nil {
		t.Fatalf("mixed publish with granted remainder failed: %v", err)
	}
	if result.JobID.IsZero() {
		t.Fatal("mixed publish allocated no jid")
	}
}

func TestPublishSudoDelegation(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "web-01")
	g := f.operatorGate(t, func(cfg *OperatorGateConfig) {
		cfg.PublishACL = acl.Table{{
			Who:   "deploy",
			Rules: []acl.Rule{{Fun: "test.*"}},
		}}
	})
	ctx := context.Background()
	rootSecret, _ := f.secrets.Lookup("root")

	// sudo_deploy authenticates with the controller's secret but acts
	// as "deploy". The table lists deploy, so the entry governs even
	// though the identity is a superuser.
	_, err := g.Publish(ctx, PublishRequest{
		Function:    "test.ping",
		Target:      "web-*",
		Credentials: auth.Credentials{Username: "sudo_deploy", Secret: rootSecret},
	})
	if err != nil {
		t.Fatalf("listed delegate publish failed: %v", err)
	}
	_, err = g.Publish(ctx, PublishRequest{
		Function:    "state.apply",
		Target:      "web-*",
		Credentials: auth.Credentials{Username: "sudo_deploy", Secret: rootSecret},
	})
	if !auth.IsFailure(err, auth.KindAuthorization) {
		t.Fatalf("delegate beyond grant error = %v, want %s", err, auth.KindAuthorization)
	}

	// An unlisted delegate keeps the superuser bypass.
	_, err = g.Publish(ctx, PublishRequest{
		Function:    "state.apply",
		Target:      "web-*",
		Credentials: auth.Credentials{Username: "sudo_ops", Secret: rootSecret},
	})
	if err != nil {
		t.Fatalf("unlisted delegate publish failed: %v", err)
	}
}

// --- Orchestration and admin functions ---

func TestOrchestrate(t *testing.T) {
	f := newFixture(t)
	registry := NewRegistry()
	registry.Register("fleet.up", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return []string{"web-01"}, nil
	})
	g := f.operatorGate(t, func(cfg *OperatorGateConfig) { cfg.Orchestration = registry })
	ctx := context.Background()

	result, err := g.Orchestrate(ctx, RunRequest{
		Function:    "fleet.up",
		Credentials: f.userCreds(t, "root"),
	})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if result.Failure != nil {
		t.Fatalf("Orchestrate failure: %v", result.Failure)
	}
	up, ok := result.Result.([]string)
	if !ok || len(up) != 1 || up[0] != "web-01" {
		t.Fatalf("Orchestrate result = %v", result.Result)
	}

	// Bracketed by start and end events under the correlation id.
	if !f.bus.hasTag(messaging.TagRunNew(result.JobID)) {
		t.Errorf("run start event missing: %v", f.bus.tags())
	}
	if !f.bus.hasTag(messaging.TagRunReturn(result.JobID)) {
		t.Errorf("run end event missing: %v", f.bus.tags())
	}
}

func TestOrchestrateFailureStaysInEnvelope(t *testing.T) {
	f := newFixture(t)
	registry := NewRegistry()
	registry.Register("fleet.break", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, errors.New("deliberate")
	})
	g := f.operatorGate(t, func(cfg *OperatorGateConfig) { cfg.Orchestration = registry })
	ctx := context.Background()

	// A function that errors: failure in the envelope, no fault.
	result, err := g.Orchestrate(ctx, RunRequest{
		Function:    "fleet.break",
		Credentials: f.userCreds(t, "root"),
	})
	if err != nil {
		t.Fatalf("Orchestrate returned a fault: %v", err)
	}
	if result.Failure == nil || result.Failure.Message != "deliberate" {
		t.Fatalf("Failure = %v", result.Failure)
	}

	// A function that does not exist: same shape.
	result, err = g.Orchestrate(ctx, RunRequest{
		Function:    "fleet.missing",
		Credentials: f.userCreds(t, "root"),
	})
	if err != nil {
		t.Fatalf("Orchestrate returned a fault: %v", err)
	}
	if result.Failure == nil || result.Failure.Name != "fleet.missing" {
		t.Fatalf("Failure = %v", result.Failure)
	}
}

func TestOrchestrateACL(t *testing.T) {
	f := newFixture(t)
	registry := NewRegistry()
	registry.Register("fleet.up", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return true, nil
	})
	g := f.operatorGate(t, func(cfg *OperatorGateConfig) {
		cfg.Orchestration = registry
		cfg.OrchestrationACL = acl.Table{{Who: "larry", Rules: []acl.Rule{{Fun: "fleet.up"}}}}
	})
	ctx := context.Background()

	if _, err := g.Orchestrate(ctx, RunRequest{
		Function:    "fleet.up",
		Credentials: f.userCreds(t, "larry"),
	}); err != nil {
		t.Fatalf("granted orchestration failed: %v", err)
	}

	_, err := g.Orchestrate(ctx, RunRequest{
		Function:    "fleet.down",
		Credentials: f.userCreds(t, "larry"),
	})
	if !auth.IsFailure(err, auth.KindAuthorization) {
		t.Fatalf("denied orchestration error = %v, want %s", err, auth.KindAuthorization)
	}
}

func TestAdminRequiresAdminACL(t *testing.T) {
	f := newFixture(t)
	registry := NewRegistry()
	registry.Register("key.list", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return map[string]any{"accepted": []string{}}, nil
	})
	g := f.operatorGate(t, func(cfg *OperatorGateConfig) { cfg.Admin = registry })
	ctx := context.Background()

	// Superuser passes without a table.
	if _, err := g.Admin(ctx, RunRequest{
		Function:    "key.list",
		Credentials: f.userCreds(t, "root"),
	}); err != nil {
		t.Fatalf("superuser admin failed: %v", err)
	}

	// A plain user with no admin grant is refused.
	_, err := g.Admin(ctx, RunRequest{
		Function:    "key.list",
		Credentials: f.userCreds(t, "larry"),
	})
	if !auth.IsFailure(err, auth.KindAuthorization) {
		t.Fatalf("ungranted admin error = %v, want %s", err, auth.KindAuthorization)
	}
}

// --- Tokens ---

func eauthFixture(t *testing.T, f *fixture, principal string) (auth.Providers, map[string]acl.Table) {
	t.Helper()
	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	providers := auth.Providers{}
	providers.Register(auth.NewStaticProvider("static", map[string]string{principal: hash}))
	eauth := map[string]acl.Table{
		"static": {{Who: principal, Rules: []acl.Rule{{Fun: "test.*"}}}},
	}
	return providers, eauth
}

func TestMintAndVerifyToken(t *testing.T) {
	f := newFixture(t)
	providers, eauth := eauthFixture(t, f, "carol")
	g := f.operatorGate(t, func(cfg *OperatorGateConfig) {
		cfg.Ladder = f.ladder(eauth, providers)
		cfg.Eauth = eauth
	})
	ctx := context.Background()

	token, err := g.MintToken(ctx, TokenRequest{
		Credentials: auth.Credentials{Provider: "static", Username: "carol", Password: "hunter2"},
	})
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if token.Provider != "static" || token.Principal != "carol" {
		t.Fatalf("token = %+v", token)
	}

	verified, err := g.VerifyToken(ctx, token.ID)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if verified.Principal != "carol" {
		t.Fatalf("verified principal = %q", verified.Principal)
	}

	if _, err := g.VerifyToken(ctx, "not-a-token"); !auth.IsFailure(err, auth.KindTokenAuthentication) {
		t.Fatalf("bogus token error = %v, want %s", err, auth.KindTokenAuthentication)
	}
}

func TestMintTokenRejectsWrongPassword(t *testing.T) {
	f := newFixture(t)
	providers, eauth := eauthFixture(t, f, "carol")
	g := f.operatorGate(t, func(cfg *OperatorGateConfig) {
		cfg.Ladder = f.ladder(eauth, providers)
		cfg.Eauth = eauth
	})

	_, err := g.MintToken(context.Background(), TokenRequest{
		Credentials: auth.Credentials{Provider: "static", Username: "carol", Password: "wrong"},
	})
	if !auth.IsFailure(err, auth.KindEauthAuthentication) {
		t.Fatalf("error = %v, want %s", err, auth.KindEauthAuthentication)
	}
}

func TestTokenPublishUsesProviderTable(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "web-01")
	providers, eauth := eauthFixture(t, f, "carol")
	g := f.operatorGate(t, func(cfg *OperatorGateConfig) {
		cfg.Ladder = f.ladder(eauth, providers)
		cfg.Eauth = eauth
	})
	ctx := context.Background()

	token, err := g.MintToken(ctx, TokenRequest{
		Credentials: auth.Credentials{Provider: "static", Username: "carol", Password: "hunter2"},
	})
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	// The provider's table grants test.*; the token identity is
	// evaluated against it, not against the (empty) publish table.
	result, err := g.Publish(ctx, PublishRequest{
		Function:    "test.ping",
		Target:      "web-*",
		Credentials: auth.Credentials{Token: token.ID},
	})
	if err != nil {
		t.Fatalf("token publish failed: %v", err)
	}
	if result.JobID.IsZero() {
		t.Fatal("token publish allocated no jid")
	}

	_, err = g.Publish(ctx, PublishRequest{
		Function:    "state.apply",
		Target:      "web-*",
		Credentials: auth.Credentials{Token: token.ID},
	})
	if !auth.IsFailure(err, auth.KindAuthorization) {
		t.Fatalf("token beyond grant error = %v, want %s", err, auth.KindAuthorization)
	}
}

// --- Helpers ---

func TestSplitFunctions(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"test.ping", 1},
		{"test.ping,disk.usage", 2},
		{"test.ping, disk.usage ,", 2},
		{",", 0},
	}
	for _, tc := range cases {
		if got := splitFunctions(tc.in); len(got) != tc.want {
			t.Errorf("splitFunctions(%q) = %v, want %d elements", tc.in, got, tc.want)
		}
	}
}

func TestSplitArguments(t *testing.T) {
	// Single function: the wire list is that function's arguments.
	got := splitArguments([]string{"test.echo"}, []any{"hello", 2})
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("single-function split = %v", got)
	}

	// Multi-function: one sub-list per function, short lists padded
	// with nil.
	got = splitArguments([]string{"a", "b", "c"}, []any{[]any{1}, []any{2, 3}})
	if len(got) != 3 {
		t.Fatalf("multi-function split = %v", got)
	}
	if len(got[0]) != 1 || len(got[1]) != 2 || got[2] != nil {
		t.Fatalf("multi-function split = %v", got)
	}
}

func TestWithoutStatusFunction(t *testing.T) {
	cases := []struct {
		funs   []string
		status string
		want   []string
	}{
		{[]string{"job.find"}, "job.find", []string{}},
		{[]string{"job.find", "job.find"}, "job.find", []string{}},
		{[]string{"job.find", "test.ping"}, "job.find", []string{"test.ping"}},
		{[]string{"test.ping"}, "job.find", []string{"test.ping"}},
		{[]string{"job.find"}, "", []string{"job.find"}},
	}
	for _, tc := range cases {
		args := make([][]any, len(tc.funs))
		for i := range args {
			args[i] = []any{i}
		}
		kept, keptArgs := withoutStatusFunction(tc.funs, args, tc.status)
		if len(kept) != len(tc.want) {
			t.Errorf("withoutStatusFunction(%v, %q) = %v, want %v", tc.funs, tc.status, kept, tc.want)
			continue
		}
		for i, fun := range kept {
			if fun != tc.want[i] {
				t.Errorf("withoutStatusFunction(%v, %q)[%d] = %q, want %q", tc.funs, tc.status, i, fun, tc.want[i])
			}
		}
		if len(keptArgs) != len(kept) {
			t.Errorf("argument lists out of step: %d functions, %d argument lists", len(kept), len(keptArgs))
		}
	}
}
