// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/drover-systems/drover/lib/clock"
	"github.com/drover-systems/drover/lib/codec"
)

// subscriberQueueSize is how many undelivered events a subscriber may
// accumulate before it is disconnected. Sized for bursts (a publish
// against a large fleet produces one return event per agent), not for
// subscribers that have stopped reading.
const subscriberQueueSize = 256

// subscribeTimeout is how long a fresh connection has to send its
// subscription frame.
const subscribeTimeout = 10 * time.Second

// subscribeRequest is the one frame a subscriber sends: the tag
// prefixes it wants. An empty list subscribes to everything.
type subscribeRequest struct {
	Tags []string `cbor:"tags"`
}

// Server is the Unix-socket fan-out implementation of Bus. Events are
// delivered to every connected subscriber whose prefix list matches
// the tag. Publish never blocks on a subscriber: each has a buffered
// queue, and a subscriber whose queue overflows is dropped.
type Server struct {
	socketPath string
	clock      clock.Clock
	logger     *slog.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool

	activeConnections sync.WaitGroup
}

var _ Bus = (*Server)(nil)

type subscriber struct {
	conn  net.Conn
	tags  []string
	queue chan Event
}

// NewServer creates a bus server that will listen on socketPath.
func NewServer(socketPath string, c clock.Clock, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if c == nil {
		c = clock.Real()
	}
	return &Server{
		socketPath:  socketPath,
		clock:       c,
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Serve accepts subscriber connections until ctx is cancelled, then
// disconnects every subscriber and waits for their writers to finish.
// Any stale socket file is removed before listening.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("event bus listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("event bus accept failed", "error", err)
			continue
		}
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleSubscriber(conn)
		}()
	}

	s.mu.Lock()
	s.closed = true
	for sub := range s.subscribers {
		close(sub.queue)
		delete(s.subscribers, sub)
	}
	s.mu.Unlock()

	s.activeConnections.Wait()
	return nil
}

// Publish implements Bus. The event is stamped and offered to every
// matching subscriber. A subscriber with a full queue is disconnected
// rather than waited on.
func (s *Server) Publish(ctx context.Context, tag string, data map[string]any) error {
	if tag == "" {
		return errors.New("event tag is empty")
	}
	event := Event{Tag: tag, Data: data, Stamp: s.clock.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("event bus is shut down")
	}
	for sub := range s.subscribers {
		if !sub.matches(tag) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			s.logger.Warn("dropping slow event subscriber",
				"remote", sub.conn.RemoteAddr().String(), "tag", tag)
			close(sub.queue)
			delete(s.subscribers, sub)
		}
	}
	return nil
}

func (sub *subscriber) matches(tag string) bool {
	if len(sub.tags) == 0 {
		return true
	}
	for _, prefix := range sub.tags {
		if MatchTag(prefix, tag) {
			return true
		}
	}
	return false
}

// handleSubscriber reads the subscription frame, registers the
// subscriber, and streams its queue until the queue closes or a write
// fails.
func (s *Server) handleSubscriber(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(subscribeTimeout))
	var request subscribeRequest
	if err := codec.NewDecoder(io.LimitReader(conn, 64*1024)).Decode(&request); err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Debug("bad subscription frame", "error", err)
		}
		return
	}
	conn.SetReadDeadline(time.Time{})

	sub := &subscriber{
		conn:  conn,
		tags:  request.Tags,
		queue: make(chan Event, subscriberQueueSize),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	encoder := codec.NewEncoder(conn)
	for event := range sub.queue {
		if err := encoder.Encode(event); err != nil {
			s.logger.Debug("event write failed, dropping subscriber", "error", err)
			break
		}
	}

	s.mu.Lock()
	if _, ok := s.subscribers[sub]; ok {
		close(sub.queue)
		delete(s.subscribers, sub)
	}
	s.mu.Unlock()
}
