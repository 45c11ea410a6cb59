// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/drover-systems/drover/lib/acl"
	"github.com/drover-systems/drover/lib/auth"
	"github.com/drover-systems/drover/lib/clock"
	"github.com/drover-systems/drover/lib/job"
	"github.com/drover-systems/drover/lib/ref"
	"github.com/drover-systems/drover/lib/target"
	"github.com/drover-systems/drover/messaging"
)

// DefaultTokenTTL bounds a minted bearer token's life when the
// request does not shorten it.
const DefaultTokenTTL = 12 * time.Hour

// OperatorGateConfig wires an OperatorGate.
type OperatorGateConfig struct {
	Ladder *auth.Ladder

	// PublishACL, OrchestrationACL, and AdminACL are the three
	// operator authorization tables. Eauth maps provider names to
	// their per-provider tables; an eauth identity is evaluated
	// against its provider's table instead of PublishACL.
	PublishACL       acl.Table
	OrchestrationACL acl.Table
	AdminACL         acl.Table
	Eauth            map[string]acl.Table

	// Blacklist refuses callers and functions before any identity
	// resolution.
	Blacklist acl.Blacklist

	Resolver target.Resolver
	Ledger   *job.Ledger
	Bus      messaging.Bus
	Tokens   *auth.TokenStore

	// Orchestration and Admin are the function registries.
	Orchestration *Registry
	Admin         *Registry

	// RunUser is the controller's run user; superuser identities
	// with this name bypass the publish ACL.
	RunUser string

	// StatusFunction is permitted to every authenticated caller
	// regardless of ACL outcome.
	StatusFunction string

	// DispatchEmpty publishes jobs whose target resolution found no
	// agents, for sub-controller aggregation setups.
	DispatchEmpty bool

	// JobCacheEnabled persists request loads; when false, allocation
	// still reserves ids but payload writes are dropped.
	JobCacheEnabled bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// OperatorGate serves operator requests: publish, orchestration and
// admin function invocation, and bearer token issuance. All fields
// are fixed at construction; an OperatorGate is safe for concurrent
// use.
type OperatorGate struct {
	ladder           *auth.Ladder
	publishACL       acl.Table
	orchestrationACL acl.Table
	adminACL         acl.Table
	eauth            map[string]acl.Table
	blacklist        acl.Blacklist
	resolver         target.Resolver
	ledger           *job.Ledger
	bus              messaging.Bus
	tokens           *auth.TokenStore
	orchestration    *Registry
	admin            *Registry
	runUser          string
	statusFunction   string
	dispatchEmpty    bool
	jobCache         bool
	clock            clock.Clock
	logger           *slog.Logger
}

// NewOperatorGate builds an OperatorGate.
func NewOperatorGate(cfg OperatorGateConfig) *OperatorGate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	return &OperatorGate{
		ladder:           cfg.Ladder,
		publishACL:       cfg.PublishACL,
		orchestrationACL: cfg.OrchestrationACL,
		adminACL:         cfg.AdminACL,
		eauth:            cfg.Eauth,
		blacklist:        cfg.Blacklist,
		resolver:         cfg.Resolver,
		ledger:           cfg.Ledger,
		bus:              cfg.Bus,
		tokens:           cfg.Tokens,
		orchestration:    cfg.Orchestration,
		admin:            cfg.Admin,
		runUser:          cfg.RunUser,
		statusFunction:   cfg.StatusFunction,
		dispatchEmpty:    cfg.DispatchEmpty,
		jobCache:         cfg.JobCacheEnabled,
		clock:            c,
		logger:           logger,
	}
}

// --- Publish ---

// PublishRequest is an operator command publication.
type PublishRequest struct {
	// Function is the function to run, possibly a comma-separated
	// list for multi-function calls.
	Function string `cbor:"fun"`

	// Arguments are the positional arguments: one list for a single
	// function, a list of lists parallel to the function list for a
	// multi-function call.
	Arguments []any `cbor:"arg,omitempty"`

	Target    string `cbor:"tgt"`
	MatchType string `cbor:"tgt_type,omitempty"`

	// TimeoutSeconds and Returner ride along in the announcement for
	// the agents; the controller enforces neither.
	TimeoutSeconds int64  `cbor:"tmo,omitempty"`
	Returner       string `cbor:"ret,omitempty"`

	// JobID optionally requests a specific job id. An id that is
	// already assigned is replaced by a fresh mint.
	JobID string `cbor:"jid,omitempty"`

	Credentials auth.Credentials `cbor:"auth"`
}

// PublishResult is the minimal envelope handed back for transport
// fan-out: the allocated job id and the resolved agents. A publish
// that matched no agents carries a zero JobID and an empty agent
// list.
type PublishResult struct {
	JobID  ref.JobID     `cbor:"jid" json:"jid"`
	Agents []ref.AgentID `cbor:"minions" json:"minions"`
}

// Publish authenticates, authorizes, and records a command
// publication. Ordering is deliberate: blacklist before identity
// resolution, the new-job announcement before the ledger write. The
// only storage failure surfaced to the caller is job-id allocation;
// a failed request write is logged and the publish proceeds.
func (g *OperatorGate) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	if req.Function == "" || req.Target == "" {
		g.logger.Debug("malformed publish request")
		return PublishResult{}, auth.Denyf(auth.KindAuthentication, "invalid request")
	}
	functions := splitFunctions(req.Function)

	// The blacklist runs against the CLAIMED name, before any
	// credential is examined: a blacklisted caller must not reach
	// the authentication path at all.
	if g.blacklist.BlocksUser(req.Credentials.Username) {
		g.logger.Warn("blacklisted caller refused", "username", req.Credentials.Username)
		return PublishResult{}, auth.Denyf(auth.KindAuthorization, "authorization failure")
	}
	if g.blacklist.BlocksFunction(functions...) {
		g.logger.Warn("blacklisted function refused", "function", req.Function)
		return PublishResult{}, auth.Denyf(auth.KindAuthorization, "authorization failure")
	}

	identity, failure := g.ladder.Authenticate(ctx, req.Credentials)
	if failure != nil {
		return PublishResult{}, failure
	}

	matchType, err := target.ParseMatchType(req.MatchType)
	if err != nil {
		g.logger.Debug("invalid match type", "match_type", req.MatchType)
		return PublishResult{}, auth.Denyf(auth.KindAuthentication, "invalid request")
	}

	if failure := g.authorizePublish(ctx, identity, functions, req.Arguments, req.Target, matchType); failure != nil {
		return PublishResult{}, failure
	}

	agents, err := g.resolver.ResolveTargets(ctx, req.Target, matchType, true)
	if err != nil {
		g.logger.Debug("publish target resolution failed",
			"identity", identity.String(), "target", req.Target, "error", err)
		return PublishResult{Agents: []ref.AgentID{}}, nil
	}
	if len(agents) == 0 && !g.dispatchEmpty {
		// Nothing to do: no job id is spent on an empty fleet.
		return PublishResult{Agents: []ref.AgentID{}}, nil
	}

	var passed ref.JobID
	if req.JobID != "" {
		parsed, err := ref.ParseJobID(req.JobID)
		if err != nil {
			g.logger.Debug("ignoring invalid requested jid", "jid", req.JobID)
		} else {
			passed = parsed
		}
	}
	jid, err := g.ledger.Allocate(ctx, passed, !g.jobCache)
	if err != nil {
		g.logger.Error("job id allocation failed", "identity", identity.String(), "error", err)
		return PublishResult{}, fmt.Errorf("allocating job id: %w", err)
	}

	// Announce before persisting. Subscribers may see a job whose
	// ledger row is not yet durable; that is the documented contract.
	announcement := map[string]any{
		"jid":      jid.String(),
		"fun":      req.Function,
		"arg":      req.Arguments,
		"tgt":      req.Target,
		"tgt_type": matchType.String(),
		"user":     identity.String(),
		"minions":  agentStrings(agents),
	}
	if req.TimeoutSeconds > 0 {
		announcement["tmo"] = req.TimeoutSeconds
	}
	if req.Returner != "" {
		announcement["ret"] = req.Returner
	}
	if err := messaging.PublishNewJob(ctx, g.bus, jid, announcement); err != nil {
		g.logger.Error("job announcement failed", "jid", jid, "error", err)
	}

	record := &job.Request{
		Function:  req.Function,
		Arguments: req.Arguments,
		Target:    req.Target,
		MatchType: matchType.String(),
		Identity:  identity.String(),
		Agents:    agents,
		Load: map[string]any{
			"fun":      req.Function,
			"arg":      req.Arguments,
			"tgt":      req.Target,
			"tgt_type": matchType.String(),
			"jid":      jid.String(),
			"user":     identity.String(),
		},
	}
	if req.TimeoutSeconds > 0 {
		record.Load["tmo"] = req.TimeoutSeconds
	}
	if req.Returner != "" {
		record.Load["ret"] = req.Returner
	}
	if err := g.ledger.SaveRequest(ctx, jid, record); err != nil {
		g.logger.Error("persisting publish request failed", "jid", jid, "error", err)
	}

	return PublishResult{JobID: jid, Agents: agents}, nil
}

// authorizePublish evaluates the publish-flavor ACL for identity.
// The status-polling function is exempt per element: an authenticated
// caller may always poll, even inside a multi-function call, or
// interactive clients would hang under restrictive ACLs. Superusers
// bypass the table, except a sudo delegate whose name the table
// lists — then the entry governs.
func (g *OperatorGate) authorizePublish(ctx context.Context, identity auth.Identity, functions []string, args []any, expr string, matchType target.MatchType) *auth.Failure {
	checked, checkedArgs := withoutStatusFunction(functions, splitArguments(functions, args), g.statusFunction)
	if len(checked) == 0 {
		return nil
	}

	table := g.publishACL
	if identity.Kind == auth.IdentityEauth {
		table = g.eauth[identity.Provider]
	}

	if identity.Superuser {
		if identity.Name == g.runUser || !table.Matches(identity.Name) {
			return nil
		}
	}

	decision := table.PermitCall(ctx, identity.Name, checked, checkedArgs, expr, matchType, g.resolver)
	if !decision.Allowed() {
		g.logger.Warn("publish denied",
			"identity", identity.String(), "function", strings.Join(functions, ","),
			"target", expr, "reason", decision.Reason.String())
		return auth.Denyf(auth.KindAuthorization,
			"%q is not authorized to publish %q", identity.Name, strings.Join(functions, ","))
	}
	return nil
}

// --- Orchestration and admin functions ---

// RunRequest invokes an orchestration or admin function.
type RunRequest struct {
	Function    string           `cbor:"fun"`
	Arguments   []any            `cbor:"arg,omitempty"`
	Kwargs      map[string]any   `cbor:"kwarg,omitempty"`
	Credentials auth.Credentials `cbor:"auth"`
}

// RunResult is the invocation envelope: exactly one of Result and
// Failure is populated.
type RunResult struct {
	JobID   ref.JobID          `cbor:"jid" json:"jid"`
	Result  any                `cbor:"return,omitempty" json:"return,omitempty"`
	Failure *InvocationFailure `cbor:"error,omitempty" json:"error,omitempty"`
}

// Orchestrate invokes an orchestration function after the ladder and
// the function-name ACL. The run is bracketed by start and end events
// under a correlation id; downstream failures come back inside the
// envelope, never as a fault.
func (g *OperatorGate) Orchestrate(ctx context.Context, req RunRequest) (RunResult, error) {
	return g.invoke(ctx, req, g.orchestrationACL, g.orchestration, "orchestration")
}

// Admin invokes an administrative function under the admin ACL.
func (g *OperatorGate) Admin(ctx context.Context, req RunRequest) (RunResult, error) {
	return g.invoke(ctx, req, g.adminACL, g.admin, "admin")
}

func (g *OperatorGate) invoke(ctx context.Context, req RunRequest, table acl.Table, registry *Registry, kind string) (RunResult, error) {
	if req.Function == "" {
		g.logger.Debug("malformed run request", "kind", kind)
		return RunResult{}, auth.Denyf(auth.KindAuthentication, "invalid request")
	}

	identity, failure := g.ladder.Authenticate(ctx, req.Credentials)
	if failure != nil {
		return RunResult{}, failure
	}

	allowed := identity.Superuser || table.PermitFunction(identity.Name, req.Function).Allowed()
	if !allowed {
		g.logger.Warn("function invocation denied",
			"kind", kind, "identity", identity.String(), "function", req.Function)
		return RunResult{}, auth.Denyf(auth.KindAuthorization,
			"%q is not authorized to run %q", identity.Name, req.Function)
	}

	jid, err := g.ledger.Allocate(ctx, ref.JobID{}, !g.jobCache)
	if err != nil {
		g.logger.Error("run correlation id allocation failed", "error", err)
		return RunResult{}, fmt.Errorf("allocating job id: %w", err)
	}

	start := map[string]any{
		"jid":  jid.String(),
		"fun":  req.Function,
		"arg":  req.Arguments,
		"user": identity.String(),
	}
	if err := g.bus.Publish(ctx, messaging.TagRunNew(jid), start); err != nil {
		g.logger.Error("run start event failed", "jid", jid, "error", err)
	}

	result := RunResult{JobID: jid}
	fn, exists := registry.Lookup(req.Function)
	if !exists {
		result.Failure = WrapInvocation(req.Function, req.Arguments,
			fmt.Errorf("function %q is not available", req.Function))
	} else if value, err := fn(ctx, req.Arguments, req.Kwargs); err != nil {
		result.Failure = WrapInvocation(req.Function, req.Arguments, err)
	} else {
		result.Result = value
	}

	end := map[string]any{
		"jid":     jid.String(),
		"fun":     req.Function,
		"user":    identity.String(),
		"success": result.Failure == nil,
	}
	if result.Failure != nil {
		end["error"] = result.Failure.Message
	}
	if err := g.bus.Publish(ctx, messaging.TagRunReturn(jid), end); err != nil {
		g.logger.Error("run end event failed", "jid", jid, "error", err)
	}

	return result, nil
}

// --- Tokens ---

// TokenRequest mints a bearer token.
type TokenRequest struct {
	Credentials auth.Credentials `cbor:"auth"`

	// TTLSeconds optionally shortens the token's life below
	// DefaultTokenTTL. Zero or larger values use the default.
	TTLSeconds int64 `cbor:"ttl,omitempty"`
}

// MintToken authenticates through the external-provider schemes only
// (bearer tokens are provider credentials; the shared-secret schemes
// never mint) and issues a token for the authenticated principal.
func (g *OperatorGate) MintToken(ctx context.Context, req TokenRequest) (*auth.Token, error) {
	identity, failure := g.ladder.AuthenticateProvider(ctx, req.Credentials)
	if failure != nil {
		return nil, failure
	}
	ttl := DefaultTokenTTL
	if req.TTLSeconds > 0 && time.Duration(req.TTLSeconds)*time.Second < ttl {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	token, err := g.tokens.Mint(identity.Provider, identity.Name, ttl)
	if err != nil {
		g.logger.Error("token mint failed", "identity", identity.String(), "error", err)
		return nil, fmt.Errorf("minting token: %w", err)
	}
	g.logger.Info("minted bearer token",
		"provider", identity.Provider, "principal", identity.Name, "expire", token.Expire)
	return token, nil
}

// VerifyToken looks up a bearer token and returns its record, with
// the same enumeration rule every authenticated use applies.
func (g *OperatorGate) VerifyToken(ctx context.Context, id string) (*auth.Token, error) {
	token, ok := g.tokens.Lookup(id)
	if !ok {
		return nil, auth.Denyf(auth.KindTokenAuthentication, "token is invalid or expired")
	}
	table, ok := g.eauth[token.Provider]
	if !ok || !table.Matches(token.Principal) {
		return nil, auth.Denyf(auth.KindTokenAuthentication,
			"token principal is not enumerated under provider %q", token.Provider)
	}
	return token, nil
}

// --- Helpers ---

// splitFunctions splits a possibly comma-separated function field.
func splitFunctions(fun string) []string {
	parts := strings.Split(fun, ",")
	functions := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			functions = append(functions, trimmed)
		}
	}
	return functions
}

// splitArguments shapes the wire argument list for ACL evaluation:
// one argument list per function. A single-function call uses the
// list as-is; a multi-function call expects one sub-list per
// function.
func splitArguments(functions []string, args []any) [][]any {
	if len(functions) <= 1 {
		return [][]any{args}
	}
	split := make([][]any, len(functions))
	for i := range functions {
		if i < len(args) {
			if sub, ok := args[i].([]any); ok {
				split[i] = sub
			}
		}
	}
	return split
}

// withoutStatusFunction drops status-function elements and their
// argument lists from a call, leaving only what the publish ACL must
// judge.
func withoutStatusFunction(functions []string, arguments [][]any, status string) ([]string, [][]any) {
	if status == "" {
		return functions, arguments
	}
	kept := make([]string, 0, len(functions))
	keptArgs := make([][]any, 0, len(arguments))
	for i, fun := range functions {
		if fun == status {
			continue
		}
		kept = append(kept, fun)
		keptArgs = append(keptArgs, arguments[i])
	}
	return kept, keptArgs
}
