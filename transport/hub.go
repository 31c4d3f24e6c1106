// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/destiny/acpchat/wire"
)

const hubQueueSize = 1024

// Hub is an in-memory network connecting any number of endpoints.
// Delivery is immediate and lossless unless a queue is full.
type Hub struct {
	mu        sync.Mutex
	endpoints map[wire.NodeID]*Endpoint
	beacons   map[*HubBeacon]struct{}
	sent      []*Message
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[wire.NodeID]*Endpoint),
		beacons:   make(map[*HubBeacon]struct{}),
	}
}

// Endpoint attaches a transport for node id, replacing any previous one.
func (h *Hub) Endpoint(id wire.NodeID) *Endpoint {
	e := &Endpoint{
		hub:   h,
		id:    id,
		inbox: make(chan *Message, hubQueueSize),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.endpoints[id] = e
	h.mu.Unlock()
	return e
}

// Beacon attaches a discovery listener.
func (h *Hub) Beacon() *HubBeacon {
	b := &HubBeacon{
		hub:   h,
		inbox: make(chan []byte, hubQueueSize),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.beacons[b] = struct{}{}
	h.mu.Unlock()
	return b
}

// Sent returns every message accepted by the hub so far, in send order.
func (h *Hub) Sent() []*Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Message, len(h.sent))
	for i, m := range h.sent {
		out[i] = m.Clone()
	}
	return out
}

// SentBy returns the messages sent by src.
func (h *Hub) SentBy(src wire.NodeID) []*Message {
	var out []*Message
	for _, m := range h.Sent() {
		if m.Source == src {
			out = append(out, m)
		}
	}
	return out
}

// Inject delivers m to its destinations as if it had been sent.
func (h *Hub) Inject(m *Message) {
	h.deliver(m.Clone())
}

func (h *Hub) deliver(m *Message) {
	h.mu.Lock()
	h.sent = append(h.sent, m)
	targets := make([]*Endpoint, 0, len(m.Destinations))
	for _, id := range m.Destinations {
		if e, ok := h.endpoints[id]; ok {
			targets = append(targets, e)
		}
	}
	h.mu.Unlock()

	for _, e := range targets {
		select {
		case e.inbox <- m.Clone():
		default:
			// Queue full, drop
		}
	}
}

func (h *Hub) detach(e *Endpoint) {
	h.mu.Lock()
	if h.endpoints[e.id] == e {
		delete(h.endpoints, e.id)
	}
	h.mu.Unlock()
}

// Endpoint is the Transport of one node attached to a Hub.
type Endpoint struct {
	hub       *Hub
	id        wire.NodeID
	inbox     chan *Message
	emcon     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*Endpoint)(nil)

// ID returns the node id the endpoint was attached for.
func (e *Endpoint) ID() wire.NodeID { return e.id }

// Send hands m to the hub. Sends made in EMCON are dropped.
func (e *Endpoint) Send(ctx context.Context, m *Message) error {
	select {
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if e.emcon.Load() {
		return nil
	}
	e.hub.deliver(m.Clone())
	return nil
}

// Receive waits for the next unexpired message.
func (e *Endpoint) Receive(ctx context.Context) (*Message, error) {
	for {
		select {
		case m := <-e.inbox:
			if m.Expired(time.Now()) {
				continue
			}
			return m, nil
		case <-e.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Endpoint) EnterEmcon() { e.emcon.Store(true) }

func (e *Endpoint) LeaveEmcon() { e.emcon.Store(false) }

// InEmcon reports whether the endpoint currently drops sends.
func (e *Endpoint) InEmcon() bool { return e.emcon.Load() }

// Close detaches the endpoint from the hub.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.hub.detach(e)
		close(e.done)
	})
	return nil
}

// HubBeacon is a Discovery channel attached to a Hub.
type HubBeacon struct {
	hub       *Hub
	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	count     atomic.Int64
}

var _ Discovery = (*HubBeacon)(nil)

// Broadcast delivers payload to every beacon on the hub.
func (b *HubBeacon) Broadcast(ctx context.Context, payload []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.count.Add(1)

	b.hub.mu.Lock()
	targets := make([]*HubBeacon, 0, len(b.hub.beacons))
	for t := range b.hub.beacons {
		targets = append(targets, t)
	}
	b.hub.mu.Unlock()

	for _, t := range targets {
		c := make([]byte, len(payload))
		copy(c, payload)
		select {
		case t.inbox <- c:
		default:
		}
	}
	return nil
}

// Receive waits for the next broadcast.
func (b *HubBeacon) Receive(ctx context.Context) ([]byte, error) {
	select {
	case p := <-b.inbox:
		return p, nil
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broadcasts returns how many broadcasts this beacon has made.
func (b *HubBeacon) Broadcasts() int64 { return b.count.Load() }

// Close detaches the beacon from the hub.
func (b *HubBeacon) Close() error {
	b.closeOnce.Do(func() {
		b.hub.mu.Lock()
		delete(b.hub.beacons, b)
		b.hub.mu.Unlock()
		close(b.done)
	})
	return nil
}
