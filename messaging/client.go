// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/drover-systems/drover/lib/codec"
)

// Client is the subscriber half of the event bus.
type Client struct {
	conn    net.Conn
	decoder *codec.Decoder
}

// Subscribe connects to the bus socket and registers interest in the
// given tag prefixes. No prefixes means every event.
func Subscribe(ctx context.Context, socketPath string, tags ...string) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to event bus: %w", err)
	}
	if err := codec.NewEncoder(conn).Encode(subscribeRequest{Tags: tags}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending subscription: %w", err)
	}
	return &Client{conn: conn, decoder: codec.NewDecoder(conn)}, nil
}

// Next blocks until the next event arrives, the context is cancelled,
// or the bus disconnects. A disconnect (server shutdown, or this
// client was too slow) surfaces as io.EOF.
func (c *Client) Next(ctx context.Context) (Event, error) {
	type result struct {
		event Event
		err   error
	}
	results := make(chan result, 1)
	go func() {
		var event Event
		err := c.decoder.Decode(&event)
		results <- result{event, err}
	}()
	select {
	case <-ctx.Done():
		c.conn.Close()
		return Event{}, ctx.Err()
	case r := <-results:
		if r.err != nil {
			if errors.Is(r.err, io.ErrUnexpectedEOF) || errors.Is(r.err, net.ErrClosed) {
				return Event{}, io.EOF
			}
			return Event{}, r.err
		}
		return r.event, nil
	}
}

// Close disconnects from the bus.
func (c *Client) Close() error { return c.conn.Close() }
