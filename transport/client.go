// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/drover-systems/drover/lib/codec"
)

// dialTimeout covers only the connect phase; the server's own
// deadlines govern the rest of the exchange.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long a client waits for the response
// after writing the request: the server's read plus write deadlines,
// with headroom for handler execution.
const responseReadTimeout = 45 * time.Second

// maxResponseSize mirrors the server's request cap.
const maxResponseSize = 1024 * 1024

// CallError is returned when the server answers with ok=false.
type CallError struct {
	Action  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %q failed: %s", e.Action, e.Message)
}

// Client sends one-shot CBOR requests to the operator socket. Each
// Call opens a new connection, matching the server's one-request-per-
// connection model.
type Client struct {
	socketPath string
}

// NewClient creates a client for the operator socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends an action request and decodes the response data into
// result when result is non-nil. fields holds the handler-specific
// request fields; the "action" key is added here and must not be
// present already. A server-side refusal comes back as *CallError.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	// Half-close so the server's read side sees a clean EOF. CBOR is
	// self-delimiting; this only tidies the shutdown.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	return readResponse(conn, action, result)
}

// AgentClient sends signed one-shot requests to the controller's agent
// listener. It is the client half the agent daemon and the tests use;
// every request is wrapped in the signed envelope the AgentServer
// verifies.
type AgentClient struct {
	address string
	agent   string
	key     ed25519.PrivateKey
}

// NewAgentClient creates a client signing as agent with key.
func NewAgentClient(address, agent string, key ed25519.PrivateKey) *AgentClient {
	return &AgentClient{address: address, agent: agent, key: key}
}

// Call wraps the request in a signed envelope, sends it, and decodes
// the response data into result when non-nil. The "action" and "id"
// fields are injected into the body.
func (c *AgentClient) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+2)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action
	if action != ActionEnroll {
		request["id"] = c.agent
	}

	body, err := codec.Marshal(request)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("reading nonce randomness: %w", err)
	}
	signed, err := SigningBytes(c.agent, nonce, body)
	if err != nil {
		return fmt.Errorf("encoding signing bytes: %w", err)
	}
	env := envelope{
		Agent: c.agent,
		Nonce: nonce,
		Body:  body,
		Sig:   ed25519.Sign(c.key, signed),
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.address, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(env); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.CloseWrite()
	}

	return readResponse(conn, action, result)
}

// Enroll submits the agent's public key through the enrollment action.
func (c *AgentClient) Enroll(ctx context.Context) (*EnrollResponse, error) {
	pub, ok := c.key.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing key has no ed25519 public half")
	}
	var response EnrollResponse
	err := c.Call(ctx, ActionEnroll, map[string]any{
		"id":     c.agent,
		"pubkey": []byte(pub),
	}, &response)
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// readResponse decodes the server's Response envelope and unpacks it.
func readResponse(conn net.Conn, action string, result any) error {
	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if !response.OK {
		return &CallError{Action: action, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data: %w", err)
		}
	}
	return nil
}
