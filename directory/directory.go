// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package directory holds a node's view of the topic directory: the known
// topics with their subscribers and the set of reachable peers.
//
// Topic names are matched case-insensitively using Unicode case folding.
// All methods are safe for concurrent use and every accessor returns a copy.
package directory

import (
	"slices"
	"sync"

	"golang.org/x/text/cases"

	"github.com/destiny/acpchat/wire"
)

// Fold casers are stateless and safe for concurrent use.
var folder = cases.Fold()

// Key returns the lookup key for a topic name.
func Key(name string) string {
	return folder.String(wire.TruncateName(name))
}

// Topic is a snapshot of a directory entry.
type Topic struct {
	Name        string
	Mutable     bool
	Subscribers []wire.Subscriber
}

// Key returns the lookup key of t.
func (t Topic) Key() string { return Key(t.Name) }

// HasSubscriber reports whether id subscribes to t.
func (t Topic) HasSubscriber(id wire.NodeID) bool {
	return indexOf(t.Subscribers, id) >= 0
}

type topic struct {
	name    string
	mutable bool
	subs    []wire.Subscriber
}

func (t *topic) snapshot() Topic {
	return Topic{Name: t.name, Mutable: t.mutable, Subscribers: slices.Clone(t.subs)}
}

// Directory is the topic and destination registry of one node.
type Directory struct {
	mu           sync.RWMutex
	self         wire.NodeID
	topics       map[string]*topic // Key(name) -> topic
	order        []string          // keys in insertion order
	destinations map[wire.NodeID]struct{}
}

// New creates an empty directory for the node self.
func New(self wire.NodeID) *Directory {
	return &Directory{
		self:         self,
		topics:       make(map[string]*topic),
		destinations: make(map[wire.NodeID]struct{}),
	}
}

// Self returns the local node id.
func (d *Directory) Self() wire.NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.self
}

// SetSelf changes the local node id, forgetting it as a destination.
func (d *Directory) SetSelf(id wire.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.self = id
	delete(d.destinations, id)
}

// AddOrGetTopic adds a topic unless one with the same key exists.
// It returns the directory entry and whether it was created.
func (d *Directory) AddOrGetTopic(name string, mutable bool) (Topic, bool) {
	name = wire.TruncateName(name)
	if name == "" {
		return Topic{}, false
	}
	key := Key(name)

	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.topics[key]; ok {
		return t.snapshot(), false
	}
	t := &topic{name: name, mutable: mutable}
	d.topics[key] = t
	d.order = append(d.order, key)
	return t.snapshot(), true
}

// Restore puts a previously removed topic back, merging its subscribers
// into any entry that reappeared in the meantime.
func (d *Directory) Restore(snap Topic) bool {
	key := Key(snap.Name)
	if key == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.topics[key]
	if !ok {
		t = &topic{name: wire.TruncateName(snap.Name), mutable: snap.Mutable}
		d.topics[key] = t
		d.order = append(d.order, key)
	}
	for _, s := range snap.Subscribers {
		if indexOf(t.subs, s.NodeID) < 0 {
			t.subs = append(t.subs, s)
		}
	}
	return !ok
}

// RemoveTopic removes a mutable topic. Immutable topics are never removed.
func (d *Directory) RemoveTopic(name string) (Topic, bool) {
	key := Key(name)

	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.topics[key]
	if !ok {
		return Topic{}, false
	}
	if !t.mutable {
		return t.snapshot(), false
	}
	delete(d.topics, key)
	if i := slices.Index(d.order, key); i >= 0 {
		d.order = slices.Delete(d.order, i, i+1)
	}
	return t.snapshot(), true
}

// Lookup returns the topic named name.
func (d *Directory) Lookup(name string) (Topic, bool) {
	key := Key(name)

	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.topics[key]
	if !ok {
		return Topic{}, false
	}
	return t.snapshot(), true
}

// Contains reports whether a topic named name exists.
func (d *Directory) Contains(name string) bool {
	key := Key(name)

	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.topics[key]
	return ok
}

// Topics returns all topics in insertion order.
func (d *Directory) Topics() []Topic {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Topic, 0, len(d.order))
	for _, key := range d.order {
		out = append(out, d.topics[key].snapshot())
	}
	return out
}

// Names returns all topic names in insertion order.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.order))
	for _, key := range d.order {
		out = append(out, d.topics[key].name)
	}
	return out
}

// Len returns the number of topics.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.topics)
}

// AddSubscriber adds sub to an existing topic. It is a no-op when the
// topic is unknown or already has a subscriber with the same NodeID, in
// which case the first name stays.
func (d *Directory) AddSubscriber(name string, sub wire.Subscriber) bool {
	key := Key(name)

	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.topics[key]
	if !ok || indexOf(t.subs, sub.NodeID) >= 0 {
		return false
	}
	sub.Name = wire.TruncateName(sub.Name)
	t.subs = append(t.subs, sub)
	return true
}

// RemoveSubscriber removes id from the topic and returns the removed entry.
func (d *Directory) RemoveSubscriber(name string, id wire.NodeID) (wire.Subscriber, bool) {
	key := Key(name)

	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.topics[key]
	if !ok {
		return wire.Subscriber{}, false
	}
	i := indexOf(t.subs, id)
	if i < 0 {
		return wire.Subscriber{}, false
	}
	sub := t.subs[i]
	t.subs = slices.Delete(t.subs, i, i+1)
	return sub, true
}

// Subscriber returns the subscriber id of a topic.
func (d *Directory) Subscriber(name string, id wire.NodeID) (wire.Subscriber, bool) {
	key := Key(name)

	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.topics[key]
	if !ok {
		return wire.Subscriber{}, false
	}
	if i := indexOf(t.subs, id); i >= 0 {
		return t.subs[i], true
	}
	return wire.Subscriber{}, false
}

// Subscribers returns the subscribers of a topic, nil if it is unknown.
func (d *Directory) Subscribers(name string) []wire.Subscriber {
	key := Key(name)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if t, ok := d.topics[key]; ok {
		return slices.Clone(t.subs)
	}
	return nil
}

// AddDestination records a reachable peer. The local node is never added.
func (d *Directory) AddDestination(id wire.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == d.self {
		return false
	}
	if _, ok := d.destinations[id]; ok {
		return false
	}
	d.destinations[id] = struct{}{}
	return true
}

// RemoveDestination forgets a peer.
func (d *Directory) RemoveDestination(id wire.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.destinations[id]; !ok {
		return false
	}
	delete(d.destinations, id)
	return true
}

// HasDestination reports whether id is a known peer.
func (d *Directory) HasDestination(id wire.NodeID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.destinations[id]
	return ok
}

// Destinations returns the known peers in ascending order.
func (d *Directory) Destinations() []wire.NodeID {
	d.mu.RLock()
	out := make([]wire.NodeID, 0, len(d.destinations))
	for id := range d.destinations {
		out = append(out, id)
	}
	d.mu.RUnlock()

	slices.Sort(out)
	return out
}

// DestinationCount returns the number of known peers.
func (d *Directory) DestinationCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.destinations)
}

func indexOf(subs []wire.Subscriber, id wire.NodeID) int {
	return slices.IndexFunc(subs, func(s wire.Subscriber) bool { return s.NodeID == id })
}
