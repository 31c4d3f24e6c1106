// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport defines the delivery primitives the coordination
// engine is built on, together with two implementations: an in-memory
// Hub for tests and simulations, and a UDP multicast adapter.
package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"slices"
	"time"

	"github.com/destiny/acpchat/wire"
)

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrNoInterfaces is returned when no multicast capable interface exists.
	ErrNoInterfaces = errors.New("transport: no multicast interfaces available")
)

// Message is one transport level message.
type Message struct {
	Payload      []byte        // Encoded wire message
	Destinations []wire.NodeID // Receivers, empty means nobody
	Dynamic      bool          // Send over dynamically managed groups
	Expiry       time.Time     // Drop after this instant, zero means never
	Persistent   bool          // Ask the transport to keep retrying delivery
	Source       wire.NodeID   // Originating node
}

// Expired reports whether m is past its expiry at now.
func (m *Message) Expired(now time.Time) bool {
	return !m.Expiry.IsZero() && now.After(m.Expiry)
}

// AddressedTo reports whether id is one of the destinations of m.
func (m *Message) AddressedTo(id wire.NodeID) bool {
	return slices.Contains(m.Destinations, id)
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Payload = slices.Clone(m.Payload)
	c.Destinations = slices.Clone(m.Destinations)
	return &c
}

// Transport delivers messages to sets of node ids.
//
// Receive blocks until a message arrives or ctx is done; callers poll it
// with a deadline. While in EMCON a transport silently drops every send.
type Transport interface {
	Send(ctx context.Context, m *Message) error
	Receive(ctx context.Context) (*Message, error)
	EnterEmcon()
	LeaveEmcon()
}

// Discovery is the plain broadcast channel used to find peers before any
// destination is known. Broadcasts are heard by every listener, the sender
// included.
type Discovery interface {
	Broadcast(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// IsTimeout reports whether err only signals that a poll deadline passed.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
