// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/drover-systems/drover/lib/clock"
	"github.com/drover-systems/drover/lib/codec"
	"github.com/drover-systems/drover/lib/enrollment"
	"github.com/drover-systems/drover/lib/ref"
	"github.com/drover-systems/drover/messaging"
)

// ActionEnroll is the one agent action served before a key is
// accepted: it submits the agent's public key to the enrollment store.
const ActionEnroll = "enroll"

// nonceWindow is how long a request nonce is remembered for replay
// rejection. A clock skew beyond this window between agent and
// controller makes honest requests indistinguishable from replays, so
// it is generous.
const nonceWindow = 5 * time.Minute

// envelope is the signed wrapper around every agent request. Sig is an
// ed25519 signature over the deterministic CBOR encoding of the
// envelope minus the Sig field.
type envelope struct {
	Agent string           `cbor:"agent"`
	Nonce []byte           `cbor:"nonce"`
	Body  codec.RawMessage `cbor:"body"`
	Sig   []byte           `cbor:"sig"`
}

// signedPortion is the byte layout the signature covers.
type signedPortion struct {
	Agent string           `cbor:"agent"`
	Nonce []byte           `cbor:"nonce"`
	Body  codec.RawMessage `cbor:"body"`
}

// SigningBytes returns the bytes an agent signs for the given envelope
// fields. Deterministic CBOR keeps both sides byte-identical.
func SigningBytes(agent string, nonce []byte, body []byte) ([]byte, error) {
	return codec.Marshal(signedPortion{Agent: agent, Nonce: nonce, Body: body})
}

// EnrollRequest is the body of an enrollment submission. The envelope
// signature is verified against the submitted key itself: possession
// of the private half is the submission's proof.
type EnrollRequest struct {
	Action string `cbor:"action"`
	Agent  string `cbor:"id"`
	PubKey []byte `cbor:"pubkey"`
}

// EnrollResponse reports the submission outcome.
type EnrollResponse struct {
	State       string `cbor:"state" json:"state"`
	Fingerprint string `cbor:"fingerprint" json:"fingerprint"`
}

// AgentServerConfig wires an AgentServer.
type AgentServerConfig struct {
	// Address is the TCP listen address, e.g. ":4506". Use ":0" for a
	// random port.
	Address string

	// Keys verifies envelope signatures against accepted enrollment
	// keys and receives submissions from unknown agents.
	Keys *enrollment.Store

	// Bus, when set, receives a key event for every enrollment
	// decision so operators can react without polling the store.
	Bus messaging.Bus

	Clock  clock.Clock
	Logger *slog.Logger
}

// AgentServer serves the CBOR action protocol to agents over TCP. The
// protocol matches the operator Server's, with one difference: every
// request arrives inside a signed envelope, and a handler only ever
// runs for a verified agent whose claimed id matches the signature's.
//
// The only unauthenticated-by-store action is enrollment itself, which
// proves possession of the submitted key instead.
type AgentServer struct {
	listener net.Listener
	keys     *enrollment.Store
	bus      messaging.Bus
	handlers map[string]ActionFunc
	clock    clock.Clock
	logger   *slog.Logger

	nonceMu sync.Mutex
	nonces  map[string]time.Time

	activeConnections sync.WaitGroup
}

// NewAgentServer creates an agent server listening on the configured
// address. Register actions with Handle before calling Serve.
func NewAgentServer(cfg AgentServerConfig) (*AgentServer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Address, err)
	}
	return &AgentServer{
		listener: listener,
		keys:     cfg.Keys,
		bus:      cfg.Bus,
		handlers: make(map[string]ActionFunc),
		clock:    c,
		logger:   logger,
		nonces:   make(map[string]time.Time),
	}, nil
}

// Address returns the bound TCP address in "host:port" form.
func (s *AgentServer) Address() string {
	return s.listener.Addr().String()
}

// Handle registers a handler for the given action name. Panics on a
// duplicate action.
func (s *AgentServer) Handle(action string, handler ActionFunc) {
	if action == ActionEnroll {
		panic("transport.AgentServer: the enroll action is built in")
	}
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("transport.AgentServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Serve accepts agent connections and dispatches verified requests.
// Blocks until ctx is cancelled, then waits for active handlers.
func (s *AgentServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	s.logger.Info("agent listener up", "address", s.Address())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("agent accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *AgentServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var env envelope
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&env); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		writeError(conn, s.logger, fmt.Sprintf("invalid envelope: %v", err))
		return
	}

	agent, err := ref.ParseAgentID(env.Agent)
	if err != nil {
		writeError(conn, s.logger, "invalid agent id")
		return
	}
	if len(env.Nonce) == 0 || len(env.Body) == 0 || len(env.Sig) == 0 {
		writeError(conn, s.logger, "incomplete envelope")
		return
	}
	if !s.admitNonce(env.Nonce) {
		s.logger.Warn("replayed agent nonce", "agent", agent)
		writeError(conn, s.logger, "replayed request")
		return
	}

	var header struct {
		Action string `cbor:"action"`
		Agent  string `cbor:"id"`
	}
	if err := codec.Unmarshal(env.Body, &header); err != nil {
		writeError(conn, s.logger, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if header.Action == "" {
		writeError(conn, s.logger, "missing required field: action")
		return
	}

	if header.Action == ActionEnroll {
		s.handleEnroll(ctx, conn, env, agent)
		return
	}

	// Every other action requires an accepted key, a valid signature
	// under it, and a body that claims the same agent the signature
	// proves. Handlers downstream trust the id without re-checking.
	pub, err := s.keys.AcceptedKey(agent)
	if err != nil {
		s.logger.Warn("request from agent without accepted key",
			"agent", agent, "action", header.Action)
		writeError(conn, s.logger, "agent key is not accepted")
		return
	}
	if !s.verify(pub, env) {
		s.logger.Warn("agent signature verification failed",
			"agent", agent, "action", header.Action)
		writeError(conn, s.logger, "signature verification failed")
		return
	}
	if header.Agent != "" && header.Agent != env.Agent {
		s.logger.Warn("agent id mismatch between envelope and body",
			"envelope", env.Agent, "body", header.Agent)
		writeError(conn, s.logger, "agent id mismatch")
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		writeError(conn, s.logger, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, []byte(env.Body))
	if err != nil {
		s.logger.Debug("agent action failed",
			"agent", agent, "action", header.Action, "error", err)
		writeError(conn, s.logger, err.Error())
		return
	}
	writeSuccess(conn, s.logger, result)
}

// handleEnroll processes a key submission. The envelope must be signed
// by the submitted key itself; a submission signed by anything else is
// noise.
func (s *AgentServer) handleEnroll(ctx context.Context, conn net.Conn, env envelope, agent ref.AgentID) {
	var req EnrollRequest
	if err := codec.Unmarshal(env.Body, &req); err != nil {
		writeError(conn, s.logger, fmt.Sprintf("invalid enroll request: %v", err))
		return
	}
	if len(req.PubKey) != ed25519.PublicKeySize {
		writeError(conn, s.logger, "enroll requires a 32-byte ed25519 public key")
		return
	}
	if req.Agent != "" && req.Agent != env.Agent {
		writeError(conn, s.logger, "agent id mismatch")
		return
	}
	pub := ed25519.PublicKey(req.PubKey)
	if !s.verify(pub, env) {
		s.logger.Warn("enroll signature does not match submitted key", "agent", agent)
		writeError(conn, s.logger, "signature verification failed")
		return
	}

	state, err := s.keys.Submit(agent, pub)
	if err != nil {
		s.logger.Error("enrollment submission failed", "agent", agent, "error", err)
		writeError(conn, s.logger, "enrollment failed")
		return
	}
	s.logger.Info("enrollment submitted",
		"agent", agent, "state", state, "fingerprint", enrollment.Fingerprint(pub))
	s.publishKeyEvent(ctx, string(state), agent, enrollment.Fingerprint(pub))
	writeSuccess(conn, s.logger, EnrollResponse{
		State:       string(state),
		Fingerprint: enrollment.Fingerprint(pub),
	})
}

// publishKeyEvent announces an enrollment decision on the bus.
// Publication is best-effort: a bus failure never fails the
// enrollment it reports on.
func (s *AgentServer) publishKeyEvent(ctx context.Context, result string, agent ref.AgentID, fingerprint string) {
	if s.bus == nil {
		return
	}
	data := map[string]any{
		"id":          agent.String(),
		"result":      result,
		"fingerprint": fingerprint,
	}
	if err := s.bus.Publish(ctx, messaging.TagKeyEvent(result, agent), data); err != nil {
		s.logger.Error("key event publication failed", "agent", agent, "result", result, "error", err)
	}
}

// verify checks the envelope signature under pub.
func (s *AgentServer) verify(pub ed25519.PublicKey, env envelope) bool {
	signed, err := SigningBytes(env.Agent, env.Nonce, env.Body)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, signed, env.Sig)
}

// admitNonce records a nonce and reports whether it was fresh. Expired
// entries are swept on every admission.
func (s *AgentServer) admitNonce(nonce []byte) bool {
	now := s.clock.Now()
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	for key, seen := range s.nonces {
		if now.Sub(seen) > nonceWindow {
			delete(s.nonces, key)
		}
	}
	key := string(nonce)
	if _, seen := s.nonces[key]; seen {
		return false
	}
	s.nonces[key] = now
	return true
}
