// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"

	"github.com/drover-systems/drover/gate"
	"github.com/drover-systems/drover/lib/codec"
	"github.com/drover-systems/drover/transport"
)

// errRefused is the uniform answer for a peer operation the gate did
// not permit. The reason stays in the controller log.
var errRefused = errors.New("request refused")

// registerOperatorActions wires the operator socket's actions to the
// operator gate. Authentication happens inside the gate per request;
// the transport only routes.
func registerOperatorActions(server *transport.Server, g *gate.OperatorGate) {
	server.Handle("publish", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.PublishRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		result, err := g.Publish(ctx, req)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
	server.Handle("orchestrate", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.RunRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		result, err := g.Orchestrate(ctx, req)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
	server.Handle("admin", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.RunRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		result, err := g.Admin(ctx, req)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
	server.Handle("mint_token", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.TokenRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return g.MintToken(ctx, req)
	})
	server.Handle("verify_token", func(ctx context.Context, raw []byte) (any, error) {
		var req struct {
			Token string `cbor:"token"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return g.VerifyToken(ctx, req.Token)
	})
}

// registerAgentActions wires the agent listener's actions to the agent
// gate. The transport has already verified the envelope signature and
// the claimed agent id before any of these run; the gate answers
// malformed or refused requests with its generic value rather than an
// error, so agents cannot probe for internals.
func registerAgentActions(server *transport.AgentServer, g *gate.AgentGate) {
	server.Handle("mine_put", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.MinePutRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return g.MinePut(ctx, req), nil
	})
	server.Handle("mine_get", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.MineGetRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		values := g.MineGet(ctx, req)
		if values == nil {
			values = map[string]any{}
		}
		return values, nil
	})
	server.Handle("mine_delete", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.MineDeleteRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return g.MineDelete(ctx, req), nil
	})
	server.Handle("mine_flush", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.MineFlushRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return g.MineFlush(ctx, req), nil
	})
	server.Handle("bundle", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.BundleRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		data := g.Bundle(ctx, req)
		if data == nil {
			data = map[string]any{}
		}
		return data, nil
	})
	server.Handle("file_recv", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.FileRecvRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return g.FileRecv(ctx, req), nil
	})
	server.Handle("relay", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.RelayRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return g.Relay(ctx, req), nil
	})
	server.Handle("return", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.ReturnRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return g.SaveReturn(ctx, req), nil
	})
	server.Handle("syndic_return", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.SyndicReturnRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return g.SyndicReturn(ctx, req), nil
	})
	server.Handle("peer_publish", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.PeerPublishRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		result, ok := g.PeerPublish(ctx, req)
		if !ok {
			return nil, errRefused
		}
		return result, nil
	})
	server.Handle("peer_run", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.PeerRunRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		result, ok := g.PeerRun(ctx, req)
		if !ok {
			return nil, errRefused
		}
		return result, nil
	})
	server.Handle("publish_fetch", func(ctx context.Context, raw []byte) (any, error) {
		var req gate.PublishFetchRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		returns := g.PublishFetch(ctx, req)
		if returns == nil {
			returns = map[string]any{}
		}
		return returns, nil
	})
}
