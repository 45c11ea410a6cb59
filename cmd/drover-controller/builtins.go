// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/drover-systems/drover/gate"
	"github.com/drover-systems/drover/lib/auth"
	"github.com/drover-systems/drover/lib/bundle"
	"github.com/drover-systems/drover/lib/clock"
	"github.com/drover-systems/drover/lib/enrollment"
	"github.com/drover-systems/drover/lib/job"
	"github.com/drover-systems/drover/lib/ref"
	"github.com/drover-systems/drover/lib/target"
	"github.com/drover-systems/drover/messaging"
)

// maintenanceInterval is how often the retention sweep runs.
const maintenanceInterval = time.Hour

// registerBuiltins installs the built-in orchestration and admin
// functions: job inspection, fleet presence, and enrollment key
// management. Key decisions are announced on the bus; rejecting or
// deleting a key also evicts the agent's cached bundle facts so they
// stop feeding target resolution.
func registerBuiltins(orchestration, admin *gate.Registry, ledger *job.Ledger, keys *enrollment.Store, cache *bundle.Cache, resolver target.Resolver, bus messaging.Bus, logger *slog.Logger) {
	orchestration.Register("jobs.lookup", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		jid, err := argJobID(args, 0)
		if err != nil {
			return nil, err
		}
		request, err := ledger.GetRequest(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", jid, err)
		}
		returns, err := ledger.GetReturns(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("job %s returns: %w", jid, err)
		}
		byAgent := make(map[string]job.Return, len(returns))
		for agent, ret := range returns {
			byAgent[agent.String()] = ret
		}
		return map[string]any{
			"request": request,
			"returns": byAgent,
		}, nil
	})

	orchestration.Register("jobs.list", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		limit := 0
		if len(args) > 0 {
			if n, ok := asInt(args[0]); ok {
				limit = n
			}
		}
		return ledger.List(ctx, limit)
	})

	orchestration.Register("jobs.active", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return ledger.Active(ctx)
	})

	orchestration.Register("manage.up", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		expr := "*"
		if len(args) > 0 {
			if s, ok := args[0].(string); ok && s != "" {
				expr = s
			}
		}
		agents, err := resolver.ResolveTargets(ctx, expr, target.MatchGlob, true)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(agents))
		for i, agent := range agents {
			out[i] = agent.String()
		}
		return out, nil
	})

	admin.Register("key.list", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		result := make(map[string][]string, len(enrollment.States))
		for _, state := range enrollment.States {
			agents, err := keys.List(state)
			if err != nil {
				return nil, fmt.Errorf("listing %s keys: %w", state, err)
			}
			names := make([]string, len(agents))
			for i, agent := range agents {
				names[i] = agent.String()
			}
			result[string(state)] = names
		}
		return result, nil
	})

	announce := func(ctx context.Context, result string, keyid ref.AgentID) {
		if bus == nil {
			return
		}
		data := map[string]any{"id": keyid.String(), "result": result}
		if err := bus.Publish(ctx, messaging.TagKeyEvent(result, keyid), data); err != nil {
			logger.Error("key event publication failed",
				"key", keyid, "result", result, "error", err)
		}
	}
	evict := func(keyid ref.AgentID) {
		if err := cache.Evict(keyid); err != nil {
			logger.Error("bundle cache eviction failed", "key", keyid, "error", err)
		}
	}

	admin.Register("key.accept", keyAction(keys.Accept, func(ctx context.Context, keyid ref.AgentID) {
		announce(ctx, "accepted", keyid)
	}))
	admin.Register("key.reject", keyAction(keys.Reject, func(ctx context.Context, keyid ref.AgentID) {
		announce(ctx, "rejected", keyid)
		evict(keyid)
	}))
	admin.Register("key.delete", keyAction(keys.Delete, func(ctx context.Context, keyid ref.AgentID) {
		announce(ctx, "deleted", keyid)
		evict(keyid)
	}))

	admin.Register("key.fingerprint", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		keyid, err := argAgentID(args, 0)
		if err != nil {
			return nil, err
		}
		_, pub, err := keys.Get(keyid)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", keyid, err)
		}
		return enrollment.Fingerprint(pub), nil
	})
}

// keyAction adapts a single-key store operation into a registry
// function taking the key id as its first argument. The then callback
// runs after a successful transition (event publication, cache
// eviction).
func keyAction(op func(ref.AgentID) error, then func(context.Context, ref.AgentID)) gate.Function {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		keyid, err := argAgentID(args, 0)
		if err != nil {
			return nil, err
		}
		if err := op(keyid); err != nil {
			return nil, err
		}
		then(ctx, keyid)
		return true, nil
	}
}

func argAgentID(args []any, index int) (ref.AgentID, error) {
	if index >= len(args) {
		return ref.AgentID{}, fmt.Errorf("missing agent id argument")
	}
	raw, ok := args[index].(string)
	if !ok {
		return ref.AgentID{}, fmt.Errorf("agent id argument must be a string")
	}
	return ref.ParseAgentID(raw)
}

func argJobID(args []any, index int) (ref.JobID, error) {
	if index >= len(args) {
		return ref.JobID{}, fmt.Errorf("missing job id argument")
	}
	raw, ok := args[index].(string)
	if !ok {
		return ref.JobID{}, fmt.Errorf("job id argument must be a string")
	}
	return ref.ParseJobID(raw)
}

// asInt accepts the integer types CBOR decoding may produce.
func asInt(value any) (int, bool) {
	switch n := value.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// runMaintenance prunes expired tokens and ledger rows past the
// retention horizon on a fixed interval.
func runMaintenance(ctx context.Context, ledger *job.Ledger, tokens *auth.TokenStore, keep time.Duration, c clock.Clock, logger *slog.Logger) {
	ticker := c.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := ledger.Prune(ctx, keep); err != nil {
				logger.Error("ledger prune failed", "error", err)
			} else if removed > 0 {
				logger.Info("pruned job records", "removed", removed)
			}
			if removed, err := tokens.Prune(); err != nil {
				logger.Error("token prune failed", "error", err)
			} else if removed > 0 {
				logger.Info("pruned expired tokens", "removed", removed)
			}
		}
	}
}
