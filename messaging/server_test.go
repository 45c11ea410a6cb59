// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/drover-systems/drover/lib/clock"
	"github.com/drover-systems/drover/lib/ref"
	"github.com/drover-systems/drover/lib/testutil"
)

func mustJobID(t *testing.T, raw string) ref.JobID {
	t.Helper()
	jid, err := ref.ParseJobID(raw)
	if err != nil {
		t.Fatalf("ParseJobID(%q): %v", raw, err)
	}
	return jid
}

func mustAgentID(t *testing.T, raw string) ref.AgentID {
	t.Helper()
	agent, err := ref.ParseAgentID(raw)
	if err != nil {
		t.Fatalf("ParseAgentID(%q): %v", raw, err)
	}
	return agent
}

// startServer runs a bus server on a fresh socket and returns its
// path. The server is shut down when the test ends.
func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "events.sock")
	server := NewServer(socketPath, clock.Real(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("bus server did not shut down")
		}
	})

	// Wait for the socket to exist before letting the test dial.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := Subscribe(context.Background(), socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bus server did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return server, socketPath
}

func nextEvent(t *testing.T, client *Client) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event, err := client.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return event
}

// --- Fan-out and filtering ---

func TestPublishReachesSubscriber(t *testing.T) {
	server, socketPath := startServer(t)

	client, err := Subscribe(context.Background(), socketPath)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer client.Close()
	time.Sleep(50 * time.Millisecond) // let the subscription register

	if err := server.Publish(context.Background(), "key/accepted/web-01", map[string]any{"keyid": "web-01"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	event := nextEvent(t, client)
	if event.Tag != "key/accepted/web-01" {
		t.Errorf("tag = %q", event.Tag)
	}
	if event.Data["keyid"] != "web-01" {
		t.Errorf("data = %v", event.Data)
	}
	if event.Stamp.IsZero() {
		t.Error("event not stamped")
	}
}

func TestTagPrefixFiltering(t *testing.T) {
	server, socketPath := startServer(t)

	jid := mustJobID(t, "20260825120000000001")
	client, err := Subscribe(context.Background(), socketPath, "job/"+jid.String())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer client.Close()
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	// Unrelated event first: must not be delivered.
	if err := server.Publish(ctx, "run/20260825120000000002/new", map[string]any{"fun": "jobs.list"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := server.Publish(ctx, TagNewJob(jid), map[string]any{"fun": "test.ping"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	event := nextEvent(t, client)
	if event.Tag != TagNewJob(jid) {
		t.Errorf("filtered subscriber received %q", event.Tag)
	}
}

func TestPublishReturnEmitsBothTags(t *testing.T) {
	server, socketPath := startServer(t)

	client, err := Subscribe(context.Background(), socketPath)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer client.Close()
	time.Sleep(50 * time.Millisecond)

	jid := mustJobID(t, "20260825120000000003")
	agent := mustAgentID(t, "web-01")
	if err := PublishReturn(context.Background(), server, jid, agent, map[string]any{"retcode": 0}); err != nil {
		t.Fatalf("PublishReturn: %v", err)
	}

	first := nextEvent(t, client)
	second := nextEvent(t, client)
	tags := map[string]bool{first.Tag: true, second.Tag: true}
	if !tags[jid.String()] {
		t.Errorf("legacy flat tag missing: %v", tags)
	}
	if !tags[TagJobReturn(jid, agent)] {
		t.Errorf("structured tag missing: %v", tags)
	}
}

func TestServerShutdownDisconnectsSubscribers(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "events.sock")
	server := NewServer(socketPath, clock.Real(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	var client *Client
	deadline := time.Now().Add(5 * time.Second)
	for {
		var err error
		client, err = Subscribe(context.Background(), socketPath)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bus server did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer client.Close()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readCancel()
	if _, err := client.Next(readCtx); err != io.EOF {
		t.Errorf("Next after shutdown = %v, want io.EOF", err)
	}
}

// --- Tag matching ---

func TestMatchTag(t *testing.T) {
	tests := []struct {
		prefix, tag string
		want        bool
	}{
		{"", "anything", true},
		{"job/123", "job/123", true},
		{"job/123", "job/123/ret/web-01", true},
		{"job/12", "job/123", false},
		{"new_job", "new_job", true},
		{"run", "run/abc/new", true},
	}
	for _, tt := range tests {
		if got := MatchTag(tt.prefix, tt.tag); got != tt.want {
			t.Errorf("MatchTag(%q, %q) = %v, want %v", tt.prefix, tt.tag, got, tt.want)
		}
	}
}
