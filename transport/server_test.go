// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drover-systems/drover/lib/codec"
	"github.com/drover-systems/drover/lib/testutil"
)

// sendRequest connects to a Unix socket, sends one CBOR request, and
// returns the decoded response envelope.
func sendRequest(t *testing.T, socketPath string, request any) Response {
	t.Helper()

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to socket: %v", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return response
}

// decodeData unmarshals a response's Data field into target.
func decodeData(t *testing.T, response Response, target any) {
	t.Helper()
	if len(response.Data) == 0 {
		t.Fatal("response has no data to decode")
	}
	if err := codec.Unmarshal(response.Data, target); err != nil {
		t.Fatalf("decoding response data: %v", err)
	}
}

// waitForSocket polls until the socket file exists.
func waitForSocket(t *testing.T, socketPath string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(socketPath); err == nil && info.Mode()&os.ModeSocket != 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", socketPath)
}

// startServer runs a Server in the background and returns its socket
// path plus a shutdown function.
func startServer(t *testing.T, configure func(*Server)) (string, func()) {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "operator.sock")
	server := NewServer(socketPath, nil)
	if configure != nil {
		configure(server)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var serveErr error
	go func() {
		defer wg.Done()
		serveErr = server.Serve(ctx)
	}()
	waitForSocket(t, socketPath)

	return socketPath, func() {
		cancel()
		wg.Wait()
		if serveErr != nil {
			t.Errorf("Serve returned error: %v", serveErr)
		}
	}
}

// --- Dispatch ---

func TestServerDispatch(t *testing.T) {
	socketPath, shutdown := startServer(t, func(s *Server) {
		s.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
			return map[string]any{"jobs": 3}, nil
		})
	})
	defer shutdown()

	response := sendRequest(t, socketPath, map[string]string{"action": "status"})
	if !response.OK {
		t.Fatalf("ok = false, error = %q", response.Error)
	}
	var data map[string]any
	decodeData(t, response, &data)
	if data["jobs"] != uint64(3) {
		t.Errorf("jobs = %v (%T), want 3", data["jobs"], data["jobs"])
	}
}

func TestServerDecodesRequestFields(t *testing.T) {
	socketPath, shutdown := startServer(t, func(s *Server) {
		s.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
			var req struct {
				Message string `cbor:"message"`
			}
			if err := codec.Unmarshal(raw, &req); err != nil {
				return nil, err
			}
			return map[string]any{"echo": req.Message}, nil
		})
	})
	defer shutdown()

	response := sendRequest(t, socketPath, map[string]string{
		"action":  "echo",
		"message": "howdy",
	})
	if !response.OK {
		t.Fatalf("ok = false, error = %q", response.Error)
	}
	var data map[string]string
	decodeData(t, response, &data)
	if data["echo"] != "howdy" {
		t.Errorf("echo = %q", data["echo"])
	}
}

func TestServerUnknownAction(t *testing.T) {
	socketPath, shutdown := startServer(t, nil)
	defer shutdown()

	response := sendRequest(t, socketPath, map[string]string{"action": "nope"})
	if response.OK {
		t.Fatal("unknown action got ok = true")
	}
	if !strings.Contains(response.Error, "unknown action") {
		t.Errorf("error = %q", response.Error)
	}
}

func TestServerMissingAction(t *testing.T) {
	socketPath, shutdown := startServer(t, nil)
	defer shutdown()

	response := sendRequest(t, socketPath, map[string]string{"color": "blue"})
	if response.OK {
		t.Fatal("actionless request got ok = true")
	}
	if !strings.Contains(response.Error, "action") {
		t.Errorf("error = %q", response.Error)
	}
}

func TestServerHandlerError(t *testing.T) {
	socketPath, shutdown := startServer(t, func(s *Server) {
		s.Handle("fail", func(ctx context.Context, raw []byte) (any, error) {
			return nil, errors.New("deliberate failure")
		})
	})
	defer shutdown()

	response := sendRequest(t, socketPath, map[string]string{"action": "fail"})
	if response.OK {
		t.Fatal("failing handler got ok = true")
	}
	if response.Error != "deliberate failure" {
		t.Errorf("error = %q", response.Error)
	}
}

func TestServerNilResultIsBareOK(t *testing.T) {
	socketPath, shutdown := startServer(t, func(s *Server) {
		s.Handle("noop", func(ctx context.Context, raw []byte) (any, error) {
			return nil, nil
		})
	})
	defer shutdown()

	response := sendRequest(t, socketPath, map[string]string{"action": "noop"})
	if !response.OK {
		t.Fatalf("ok = false, error = %q", response.Error)
	}
	if len(response.Data) != 0 {
		t.Errorf("nil result produced data: %x", response.Data)
	}
}

func TestServerDuplicateHandlerPanics(t *testing.T) {
	server := NewServer("unused.sock", nil)
	server.Handle("a", func(ctx context.Context, raw []byte) (any, error) { return nil, nil })

	defer func() {
		if recover() == nil {
			t.Fatal("duplicate Handle did not panic")
		}
	}()
	server.Handle("a", func(ctx context.Context, raw []byte) (any, error) { return nil, nil })
}

func TestServerReplacesStaleSocket(t *testing.T) {
	dir := testutil.SocketDir(t)
	socketPath := filepath.Join(dir, "stale.sock")
	if err := os.WriteFile(socketPath, []byte("stale"), 0o600); err != nil {
		t.Fatalf("planting stale socket: %v", err)
	}

	server := NewServer(socketPath, nil)
	server.Handle("ping", func(ctx context.Context, raw []byte) (any, error) {
		return "pong", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Serve(ctx)
	}()
	waitForSocket(t, socketPath)

	response := sendRequest(t, socketPath, map[string]string{"action": "ping"})
	if !response.OK {
		t.Fatalf("ok = false, error = %q", response.Error)
	}

	cancel()
	wg.Wait()
	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket file survived shutdown: %v", err)
	}
}

// --- Client ---

func TestClientRoundTrip(t *testing.T) {
	socketPath, shutdown := startServer(t, func(s *Server) {
		s.Handle("greet", func(ctx context.Context, raw []byte) (any, error) {
			var req struct {
				Name string `cbor:"name"`
			}
			if err := codec.Unmarshal(raw, &req); err != nil {
				return nil, err
			}
			if req.Name == "" {
				return nil, errors.New("missing name")
			}
			return map[string]string{"greeting": fmt.Sprintf("hello, %s", req.Name)}, nil
		})
	})
	defer shutdown()

	client := NewClient(socketPath)
	var result map[string]string
	err := client.Call(context.Background(), "greet", map[string]any{"name": "drover"}, &result)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result["greeting"] != "hello, drover" {
		t.Errorf("greeting = %q", result["greeting"])
	}

	// A server-side refusal surfaces as *CallError.
	err = client.Call(context.Background(), "greet", nil, nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error = %v, want *CallError", err)
	}
	if callErr.Action != "greet" || callErr.Message != "missing name" {
		t.Errorf("CallError = %+v", callErr)
	}
}
