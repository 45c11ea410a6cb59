// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/drover-systems/drover/lib/acl"
	"github.com/drover-systems/drover/lib/bundle"
	"github.com/drover-systems/drover/lib/clock"
	"github.com/drover-systems/drover/lib/enrollment"
	"github.com/drover-systems/drover/lib/job"
	"github.com/drover-systems/drover/lib/mine"
	"github.com/drover-systems/drover/lib/ref"
	"github.com/drover-systems/drover/lib/target"
	"github.com/drover-systems/drover/messaging"
)

// selfJobID is the sentinel job id an agent sends when reporting a
// job it started itself: the controller allocates a real id and
// persists the originating load before recording the return.
const selfJobID = "req"

// AgentGateConfig wires an AgentGate.
type AgentGateConfig struct {
	Ledger   *job.Ledger
	Mine     *mine.Store
	Bus      messaging.Bus
	Compiler bundle.Compiler

	// BundleCache persists compiled bundles and feeds grain/data
	// targeting. nil disables caching.
	BundleCache *bundle.Cache

	Resolver target.Resolver

	// Keys is the enrollment store; bundle requests are refused for
	// agents without an accepted key.
	Keys *enrollment.Store

	// PeerACL governs agent-initiated publication, keyed by the
	// calling agent's id. PeerRunACL governs agent-initiated
	// orchestration calls.
	PeerACL    acl.Table
	PeerRunACL acl.Table

	// MineACL is the coarse mine-read policy: which requesting
	// agents may read which mine functions. An empty table leaves
	// reads open. An entry's embedded allow-list wrapper supersedes
	// this table for that entry.
	MineACL acl.Table

	// Orchestration is the function registry PeerRun dispatches into.
	Orchestration *Registry

	// UploadDir receives agent file uploads; UploadMaxBytes caps the
	// cumulative size of one uploaded file.
	UploadDir      string
	UploadMaxBytes int64

	// JobCacheEnabled persists loads and returns; TrackEndTimes
	// records a completion marker as returns arrive.
	JobCacheEnabled bool
	TrackEndTimes   bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// AgentGate serves the operations agents invoke. All fields are fixed
// at construction; an AgentGate is safe for concurrent use.
//
// The transport layer has already verified the connection's agent
// identity and checked it against each request's claimed id; the gate
// trusts the ids it is handed. Malformed requests are answered with
// the operation's generic zero value and a debug log line.
type AgentGate struct {
	ledger        *job.Ledger
	mine          *mine.Store
	bus           messaging.Bus
	compiler      bundle.Compiler
	bundleCache   *bundle.Cache
	resolver      target.Resolver
	keys          *enrollment.Store
	peerACL       acl.Table
	peerRunACL    acl.Table
	mineACL       acl.Table
	orchestration *Registry
	uploadDir     string
	uploadMax     int64
	jobCache      bool
	trackEndTimes bool
	clock         clock.Clock
	logger        *slog.Logger
}

// NewAgentGate builds an AgentGate.
func NewAgentGate(cfg AgentGateConfig) *AgentGate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	return &AgentGate{
		ledger:        cfg.Ledger,
		mine:          cfg.Mine,
		bus:           cfg.Bus,
		compiler:      cfg.Compiler,
		bundleCache:   cfg.BundleCache,
		resolver:      cfg.Resolver,
		keys:          cfg.Keys,
		peerACL:       cfg.PeerACL,
		peerRunACL:    cfg.PeerRunACL,
		mineACL:       cfg.MineACL,
		orchestration: cfg.Orchestration,
		uploadDir:     cfg.UploadDir,
		uploadMax:     cfg.UploadMaxBytes,
		jobCache:      cfg.JobCacheEnabled,
		trackEndTimes: cfg.TrackEndTimes,
		clock:         c,
		logger:        logger,
	}
}

// malformed logs a rejected request shape at debug level. The caller
// returns the generic zero value; the reason never crosses the wire.
func (g *AgentGate) malformed(op, reason string) {
	g.logger.Debug("malformed agent request", "op", op, "reason", reason)
}

// parseAgent validates the claimed agent id field shared by every
// agent operation.
func (g *AgentGate) parseAgent(op, raw string) (ref.AgentID, bool) {
	if raw == "" {
		g.malformed(op, "missing agent id")
		return ref.AgentID{}, false
	}
	agent, err := ref.ParseAgentID(raw)
	if err != nil {
		g.malformed(op, "invalid agent id")
		return ref.AgentID{}, false
	}
	return agent, true
}

// --- Mine ---

// MinePutRequest publishes an agent's mine values.
type MinePutRequest struct {
	Agent  string         `cbor:"id"`
	Values map[string]any `cbor:"data"`
	Clear  bool           `cbor:"clear,omitempty"`
}

// MinePut merges the request's values into the agent's mine document,
// or replaces the whole document when Clear is set.
func (g *AgentGate) MinePut(ctx context.Context, req MinePutRequest) bool {
	agent, ok := g.parseAgent("mine_put", req.Agent)
	if !ok {
		return false
	}
	if req.Values == nil {
		g.malformed("mine_put", "missing data")
		return false
	}
	if err := g.mine.Put(ctx, agent, req.Values, req.Clear); err != nil {
		g.logger.Error("mine put failed", "agent", agent, "error", err)
		return false
	}
	return true
}

// MineGetRequest queries other agents' mine values.
type MineGetRequest struct {
	Agent     string `cbor:"id"`
	Target    string `cbor:"tgt"`
	Function  string `cbor:"fun"`
	MatchType string `cbor:"tgt_type,omitempty"`
}

// mineACLWrapper is the per-item allow-list envelope an agent may
// store instead of a bare value. When present, the embedded target
// expression decides who may read the value, superseding any coarser
// policy.
type mineACLWrapper struct {
	data      any
	allowTgt  string
	allowType string
}

// MineGet resolves the request's target and returns the matched
// agents' stored values for the function. Data-driven match types are
// forced to exact semantics so stored values cannot glob their way
// into a wider audience. Bare entries fall under the coarse mine ACL;
// an entry carrying an embedded allow-list answers to that list
// instead and is silently omitted when the requesting agent is not a
// member.
func (g *AgentGate) MineGet(ctx context.Context, req MineGetRequest) map[string]any {
	requester, ok := g.parseAgent("mine_get", req.Agent)
	if !ok {
		return nil
	}
	if req.Target == "" || req.Function == "" {
		g.malformed("mine_get", "missing target or function")
		return nil
	}
	matchType, err := target.ParseMatchType(req.MatchType)
	if err != nil {
		g.malformed("mine_get", "invalid match type")
		return nil
	}
	matchType = mineExactMatchType(matchType)

	agents, err := g.resolver.ResolveTargets(ctx, req.Target, matchType, true)
	if err != nil {
		g.logger.Debug("mine get target resolution failed",
			"agent", requester, "target", req.Target, "error", err)
		return nil
	}
	values, err := g.mine.GetMany(ctx, agents, req.Function)
	if err != nil {
		g.logger.Error("mine get failed", "agent", requester, "error", err)
		return nil
	}

	// The coarse mine ACL covers entries without an embedded
	// allow-list. An empty table leaves those entries open.
	coarseAllowed := len(g.mineACL) == 0 ||
		g.mineACL.PermitFunction(requester.String(), req.Function).Allowed()
	if !coarseAllowed {
		g.logger.Debug("mine get outside coarse policy",
			"agent", requester, "function", req.Function)
	}

	result := make(map[string]any, len(values))
	for agent, value := range values {
		wrapper, wrapped := asMineACLWrapper(value)
		if !wrapped {
			if coarseAllowed {
				result[agent.String()] = value
			}
			continue
		}
		if g.mineAllowListed(ctx, requester, wrapper) {
			result[agent.String()] = wrapper.data
		}
		// Not a member: the entry is omitted, not an error. The
		// requester cannot distinguish "denied" from "absent".
	}
	return result
}

// mineExactMatchType maps data-driven match types to their exact
// variants for the mine read path.
func mineExactMatchType(matchType target.MatchType) target.MatchType {
	switch matchType {
	case target.MatchData:
		return target.MatchDataExact
	case target.MatchCompound:
		return target.MatchCompoundDataExact
	default:
		return matchType
	}
}

// asMineACLWrapper recognizes the stored allow-list envelope: a map
// with a "data" member and an "allow_tgt" expression.
func asMineACLWrapper(value any) (mineACLWrapper, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return mineACLWrapper{}, false
	}
	data, hasData := m["data"]
	tgt, hasTgt := m["allow_tgt"].(string)
	if !hasData || !hasTgt || tgt == "" {
		return mineACLWrapper{}, false
	}
	allowType, _ := m["allow_tgt_type"].(string)
	return mineACLWrapper{data: data, allowTgt: tgt, allowType: allowType}, true
}

// mineAllowListed re-resolves an entry's embedded allow-list and
// reports whether the requester is a member. Resolution failure
// denies.
func (g *AgentGate) mineAllowListed(ctx context.Context, requester ref.AgentID, wrapper mineACLWrapper) bool {
	matchType, err := target.ParseMatchType(wrapper.allowType)
	if err != nil {
		return false
	}
	matchType = mineExactMatchType(matchType)
	allowed, err := g.resolver.ResolveTargets(ctx, wrapper.allowTgt, matchType, true)
	if err != nil {
		return false
	}
	return target.NewSet(allowed).Contains(requester)
}

// MineDeleteRequest removes one function's value from an agent's mine.
type MineDeleteRequest struct {
	Agent    string `cbor:"id"`
	Function string `cbor:"fun"`
}

// MineDelete removes the agent's stored value for the function.
func (g *AgentGate) MineDelete(ctx context.Context, req MineDeleteRequest) bool {
	agent, ok := g.parseAgent("mine_delete", req.Agent)
	if !ok {
		return false
	}
	if req.Function == "" {
		g.malformed("mine_delete", "missing function")
		return false
	}
	if err := g.mine.Delete(ctx, agent, req.Function); err != nil {
		g.logger.Error("mine delete failed", "agent", agent, "error", err)
		return false
	}
	return true
}

// MineFlushRequest clears an agent's whole mine document.
type MineFlushRequest struct {
	Agent string `cbor:"id"`
}

// MineFlush removes everything the agent has published to the mine.
func (g *AgentGate) MineFlush(ctx context.Context, req MineFlushRequest) bool {
	agent, ok := g.parseAgent("mine_flush", req.Agent)
	if !ok {
		return false
	}
	if err := g.mine.Flush(ctx, agent); err != nil {
		g.logger.Error("mine flush failed", "agent", agent, "error", err)
		return false
	}
	return true
}

// --- Bundle ---

// BundleRequest asks for the agent's compiled configuration bundle.
type BundleRequest struct {
	Agent  string         `cbor:"id"`
	Grains map[string]any `cbor:"grains"`
}

// Bundle compiles the agent's configuration bundle and, when caching
// is enabled, persists the envelope atomically under the agent's
// cache entry. Agents without an accepted enrollment key get nothing.
func (g *AgentGate) Bundle(ctx context.Context, req BundleRequest) map[string]any {
	agent, ok := g.parseAgent("bundle", req.Agent)
	if !ok {
		return nil
	}
	if req.Grains == nil {
		g.malformed("bundle", "missing grains")
		return nil
	}
	if !g.keys.IsAccepted(agent) {
		g.logger.Warn("bundle request from unaccepted agent", "agent", agent)
		return nil
	}
	data, err := g.compiler.Compile(ctx, agent, req.Grains)
	if err != nil {
		g.logger.Error("bundle compile failed", "agent", agent, "error", err)
		return nil
	}
	if g.bundleCache != nil {
		if err := g.bundleCache.Save(agent, req.Grains, data); err != nil {
			g.logger.Error("bundle cache write failed", "agent", agent, "error", err)
		}
	}
	return data
}

// --- File upload ---

// FileRecvRequest uploads a chunk of a file from an agent.
type FileRecvRequest struct {
	Agent string `cbor:"id"`
	Path  string `cbor:"path"`
	Loc   int64  `cbor:"loc"`
	Data  []byte `cbor:"data"`
}

// FileRecv writes an uploaded chunk under the agent's upload
// directory. Absolute paths and any path with a parent-directory
// component are refused before any filesystem work. Writes land at
// Loc when the file already exists and Loc is nonzero; otherwise the
// file is truncated first. The cumulative size of the file is capped.
func (g *AgentGate) FileRecv(ctx context.Context, req FileRecvRequest) bool {
	agent, ok := g.parseAgent("file_recv", req.Agent)
	if !ok {
		return false
	}
	if req.Path == "" || req.Data == nil {
		g.malformed("file_recv", "missing path or data")
		return false
	}
	if err := ref.ValidateRelativePath(req.Path, "upload path"); err != nil {
		g.logger.Warn("rejected upload path", "agent", agent, "path", req.Path, "error", err)
		return false
	}
	if req.Loc < 0 {
		g.malformed("file_recv", "negative offset")
		return false
	}
	if req.Loc+int64(len(req.Data)) > g.uploadMax {
		g.logger.Warn("upload exceeds size cap",
			"agent", agent, "path", req.Path, "size", req.Loc+int64(len(req.Data)), "cap", g.uploadMax)
		return false
	}

	destination := filepath.Join(g.uploadDir, agent.String(), filepath.FromSlash(req.Path))
	if err := os.MkdirAll(filepath.Dir(destination), 0o700); err != nil {
		g.logger.Error("creating upload directory failed", "agent", agent, "error", err)
		return false
	}

	flags := os.O_CREATE | os.O_WRONLY
	if req.Loc == 0 {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(destination, flags, 0o600)
	if err != nil {
		g.logger.Error("opening upload destination failed", "agent", agent, "error", err)
		return false
	}
	defer file.Close()

	if req.Loc != 0 {
		if _, err := file.Seek(req.Loc, io.SeekStart); err != nil {
			g.logger.Error("seeking upload destination failed", "agent", agent, "error", err)
			return false
		}
	}
	if _, err := file.Write(req.Data); err != nil {
		g.logger.Error("writing upload failed", "agent", agent, "error", err)
		return false
	}
	return true
}

// --- Event relay ---

// RelayEvent is one event in a relay batch.
type RelayEvent struct {
	Tag  string         `cbor:"tag"`
	Data map[string]any `cbor:"data"`
}

// RelayRequest forwards agent-side events onto the controller bus,
// either a batch (Events) or a single tag/data pair.
type RelayRequest struct {
	Agent  string         `cbor:"id"`
	Events []RelayEvent   `cbor:"events,omitempty"`
	Tag    string         `cbor:"tag,omitempty"`
	Data   map[string]any `cbor:"data,omitempty"`
	Prefix string         `cbor:"pretag,omitempty"`
}

// Relay republishes the request's events onto the bus, optionally
// re-tagged under a caller-supplied prefix. Individual publish
// failures are logged and do not fail the batch.
func (g *AgentGate) Relay(ctx context.Context, req RelayRequest) bool {
	agent, ok := g.parseAgent("relay", req.Agent)
	if !ok {
		return false
	}
	events := req.Events
	if len(events) == 0 {
		if req.Tag == "" {
			g.malformed("relay", "missing events")
			return false
		}
		events = []RelayEvent{{Tag: req.Tag, Data: req.Data}}
	}
	for _, event := range events {
		if event.Tag == "" {
			continue
		}
		tag := event.Tag
		if req.Prefix != "" {
			tag = req.Prefix + "/" + tag
		}
		data := event.Data
		if data == nil {
			data = map[string]any{}
		}
		data["id"] = agent.String()
		if err := g.bus.Publish(ctx, tag, data); err != nil {
			g.logger.Error("event relay publish failed", "agent", agent, "tag", tag, "error", err)
		}
	}
	return true
}

// --- Job returns ---

// ReturnRequest reports one agent's result for a job.
type ReturnRequest struct {
	Agent    string `cbor:"id"`
	JobID    string `cbor:"jid"`
	Function string `cbor:"fun,omitempty"`
	Return   any    `cbor:"return"`
	Retcode  int    `cbor:"retcode,omitempty"`
	Success  bool   `cbor:"success"`

	// Load is the originating request, supplied when the agent
	// started the job itself (JobID "req") so the controller can
	// persist it before the return.
	Load map[string]any `cbor:"load,omitempty"`
}

// SaveReturn ingests an agent's job return. The return is always
// announced on the bus under both tag generations; ledger writes are
// best-effort — an agent must never be blocked by controller-side
// persistence trouble, so storage errors are logged and swallowed.
//
// A JobID of "req" means the agent initiated the job itself: a fresh
// id is allocated and the originating load persisted first. Returns
// for job ids the ledger has never seen are stored anyway — orphans
// are the expected aftermath of a controller restart.
func (g *AgentGate) SaveReturn(ctx context.Context, req ReturnRequest) bool {
	agent, ok := g.parseAgent("save_return", req.Agent)
	if !ok {
		return false
	}
	if req.JobID == "" || req.Return == nil {
		g.malformed("save_return", "missing jid or return")
		return false
	}

	var jid ref.JobID
	if req.JobID == selfJobID {
		allocated, err := g.ledger.Allocate(ctx, ref.JobID{}, !g.jobCache)
		if err != nil {
			g.logger.Error("allocating job id for self-initiated return failed",
				"agent", agent, "error", err)
			return false
		}
		jid = allocated
		record := &job.Request{
			Function:  req.Function,
			Target:    agent.String(),
			MatchType: target.MatchList.String(),
			Identity:  agent.String(),
			Agents:    []ref.AgentID{agent},
			Load:      req.Load,
		}
		if err := g.ledger.SaveRequest(ctx, jid, record); err != nil {
			g.logger.Error("persisting self-initiated load failed",
				"agent", agent, "jid", jid, "error", err)
		}
	} else {
		parsed, err := ref.ParseJobID(req.JobID)
		if err != nil {
			g.malformed("save_return", "invalid jid")
			return false
		}
		jid = parsed
	}

	payload := map[string]any{
		"id":      agent.String(),
		"jid":     jid.String(),
		"return":  req.Return,
		"retcode": req.Retcode,
		"success": req.Success,
	}
	if req.Function != "" {
		payload["fun"] = req.Function
	}
	if err := messaging.PublishReturn(ctx, g.bus, jid, agent, payload); err != nil {
		g.logger.Error("publishing return event failed", "agent", agent, "jid", jid, "error", err)
	}

	ret := &job.Return{
		JobID:   jid,
		Agent:   agent,
		Success: req.Success,
		Result:  req.Return,
		Retcode: req.Retcode,
	}
	if err := g.ledger.SaveReturn(ctx, ret); err != nil {
		g.logger.Error("persisting return failed", "agent", agent, "jid", jid, "error", err)
	}
	if g.trackEndTimes {
		if err := g.ledger.UpdateEndTime(ctx, jid, g.clock.Now()); err != nil {
			g.logger.Error("recording end time failed", "agent", agent, "jid", jid, "error", err)
		}
	}
	return true
}

// SyndicReturnRequest is a batched return envelope from a syndicating
// sub-controller: one job, many agents' results.
type SyndicReturnRequest struct {
	JobID    string                 `cbor:"jid"`
	Function string                 `cbor:"fun,omitempty"`
	Returns  map[string]SyndicEntry `cbor:"return"`
}

// SyndicEntry is one agent's result inside a syndic envelope.
type SyndicEntry struct {
	Return  any  `cbor:"return"`
	Retcode int  `cbor:"retcode,omitempty"`
	Success bool `cbor:"success"`
}

// SyndicReturn fans a syndic envelope through the single-return path
// once per agent. A bad entry skips that agent, not the batch.
func (g *AgentGate) SyndicReturn(ctx context.Context, req SyndicReturnRequest) bool {
	if req.JobID == "" || len(req.Returns) == 0 {
		g.malformed("syndic_return", "missing jid or returns")
		return false
	}
	accepted := false
	for agent, entry := range req.Returns {
		ok := g.SaveReturn(ctx, ReturnRequest{
			Agent:    agent,
			JobID:    req.JobID,
			Function: req.Function,
			Return:   entry.Return,
			Retcode:  entry.Retcode,
			Success:  entry.Success,
		})
		accepted = accepted || ok
	}
	return accepted
}

// --- Peer-delegated execution ---

// PeerPublishRequest is one agent asking the controller to run a
// function on other agents.
type PeerPublishRequest struct {
	Agent     string `cbor:"id"`
	Function  string `cbor:"fun"`
	Arguments []any  `cbor:"arg,omitempty"`
	Target    string `cbor:"tgt"`
	MatchType string `cbor:"tgt_type,omitempty"`

	// TimeoutSeconds and Returner ride along in the announcement for
	// the receiving agents; the controller enforces neither.
	TimeoutSeconds int64  `cbor:"tmo,omitempty"`
	Returner       string `cbor:"ret,omitempty"`
}

// PeerPublishResult is the envelope handed back to the transport for
// fan-out.
type PeerPublishResult struct {
	JobID  ref.JobID     `cbor:"jid" json:"jid"`
	Agents []ref.AgentID `cbor:"minions" json:"minions"`
}

// PeerPublish authorizes and records an agent-initiated publication.
// The peer ACL is keyed by the calling agent's id; function names
// that are themselves publish calls are refused to prevent recursive
// fan-out. On success the job is announced and a publish-auth
// artifact records which agent started it, so only that agent can
// later fetch the results.
func (g *AgentGate) PeerPublish(ctx context.Context, req PeerPublishRequest) (PeerPublishResult, bool) {
	agent, ok := g.parseAgent("peer_publish", req.Agent)
	if !ok {
		return PeerPublishResult{}, false
	}
	if req.Function == "" || req.Target == "" {
		g.malformed("peer_publish", "missing function or target")
		return PeerPublishResult{}, false
	}
	if isPublishFunction(req.Function) {
		g.logger.Warn("refused nested peer publish", "agent", agent, "function", req.Function)
		return PeerPublishResult{}, false
	}
	matchType, err := target.ParseMatchType(req.MatchType)
	if err != nil {
		g.malformed("peer_publish", "invalid match type")
		return PeerPublishResult{}, false
	}

	decision := g.peerACL.PermitCall(ctx, agent.String(),
		strings.Split(req.Function, ","), [][]any{req.Arguments},
		req.Target, matchType, g.resolver)
	if !decision.Allowed() {
		g.logger.Warn("peer publish denied",
			"agent", agent, "function", req.Function, "reason", decision.Reason.String())
		return PeerPublishResult{}, false
	}

	agents, err := g.resolver.ResolveTargets(ctx, req.Target, matchType, true)
	if err != nil {
		g.logger.Debug("peer publish target resolution failed",
			"agent", agent, "target", req.Target, "error", err)
		return PeerPublishResult{}, false
	}
	if len(agents) == 0 {
		return PeerPublishResult{Agents: []ref.AgentID{}}, true
	}

	jid, err := g.ledger.Allocate(ctx, ref.JobID{}, !g.jobCache)
	if err != nil {
		g.logger.Error("peer publish allocation failed", "agent", agent, "error", err)
		return PeerPublishResult{}, false
	}
	record := &job.Request{
		Function:  req.Function,
		Arguments: req.Arguments,
		Target:    req.Target,
		MatchType: matchType.String(),
		Identity:  agent.String(),
		Agents:    agents,
	}
	if err := g.ledger.SaveRequest(ctx, jid, record); err != nil {
		g.logger.Error("peer publish save failed", "agent", agent, "jid", jid, "error", err)
	}
	if err := g.ledger.SavePublishAuth(ctx, jid, agent); err != nil {
		g.logger.Error("peer publish auth record failed", "agent", agent, "jid", jid, "error", err)
	}

	announcement := map[string]any{
		"jid":     jid.String(),
		"fun":     req.Function,
		"arg":     req.Arguments,
		"tgt":     req.Target,
		"user":    agent.String(),
		"minions": agentStrings(agents),
	}
	if req.TimeoutSeconds > 0 {
		announcement["tmo"] = req.TimeoutSeconds
	}
	if req.Returner != "" {
		announcement["ret"] = req.Returner
	}
	if err := messaging.PublishNewJob(ctx, g.bus, jid, announcement); err != nil {
		g.logger.Error("peer publish announcement failed", "agent", agent, "jid", jid, "error", err)
	}

	return PeerPublishResult{JobID: jid, Agents: agents}, true
}

// PeerRunRequest is one agent invoking an orchestration function.
type PeerRunRequest struct {
	Agent     string         `cbor:"id"`
	Function  string         `cbor:"fun"`
	Arguments []any          `cbor:"arg,omitempty"`
	Kwargs    map[string]any `cbor:"kwarg,omitempty"`
}

// PeerRun dispatches an orchestration function on behalf of an agent,
// gated by the peer-run ACL (function name only). The result or a
// structured invocation failure comes back as a value.
func (g *AgentGate) PeerRun(ctx context.Context, req PeerRunRequest) (any, bool) {
	agent, ok := g.parseAgent("peer_run", req.Agent)
	if !ok {
		return nil, false
	}
	if req.Function == "" {
		g.malformed("peer_run", "missing function")
		return nil, false
	}
	decision := g.peerRunACL.PermitFunction(agent.String(), req.Function)
	if !decision.Allowed() {
		g.logger.Warn("peer run denied",
			"agent", agent, "function", req.Function, "reason", decision.Reason.String())
		return nil, false
	}
	fn, exists := g.orchestration.Lookup(req.Function)
	if !exists {
		return WrapInvocation(req.Function, req.Arguments,
			fmt.Errorf("function %q is not available", req.Function)), true
	}
	result, err := fn(ctx, req.Arguments, req.Kwargs)
	if err != nil {
		return WrapInvocation(req.Function, req.Arguments, err), true
	}
	return result, true
}

// PublishFetchRequest asks for the returns of a peer-published job.
type PublishFetchRequest struct {
	Agent string `cbor:"id"`
	JobID string `cbor:"jid"`
}

// PublishFetch returns a peer-published job's returns, but only to
// the agent the publish-auth artifact names as its initiator. Any
// other requester gets the generic empty answer, indistinguishable
// from a job with no returns yet.
func (g *AgentGate) PublishFetch(ctx context.Context, req PublishFetchRequest) map[string]any {
	agent, ok := g.parseAgent("publish_fetch", req.Agent)
	if !ok {
		return nil
	}
	jid, err := ref.ParseJobID(req.JobID)
	if err != nil {
		g.malformed("publish_fetch", "invalid jid")
		return nil
	}
	authorized, err := g.ledger.CheckPublishAuth(ctx, jid, agent)
	if err != nil {
		g.logger.Error("publish auth check failed", "agent", agent, "jid", jid, "error", err)
		return nil
	}
	if !authorized {
		g.logger.Warn("publish fetch by non-initiator", "agent", agent, "jid", jid)
		return nil
	}
	returns, err := g.ledger.GetReturns(ctx, jid)
	if err != nil {
		if !errors.Is(err, job.ErrNotFound) {
			g.logger.Error("loading returns failed", "agent", agent, "jid", jid, "error", err)
		}
		return nil
	}
	result := make(map[string]any, len(returns))
	for reporter, ret := range returns {
		result[reporter.String()] = map[string]any{
			"return":  ret.Result,
			"retcode": ret.Retcode,
			"success": ret.Success,
		}
	}
	return result
}

// isPublishFunction recognizes function names that would fan out
// again on the agent side.
func isPublishFunction(fun string) bool {
	for _, element := range strings.Split(fun, ",") {
		head, _, _ := strings.Cut(strings.TrimSpace(element), ".")
		if head == "publish" {
			return true
		}
	}
	return false
}

func agentStrings(agents []ref.AgentID) []string {
	out := make([]string, len(agents))
	for i, agent := range agents {
		out[i] = agent.String()
	}
	return out
}
