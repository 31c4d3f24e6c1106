// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package directory

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/acpchat/wire"
)

func TestTopicCaseInsensitive(t *testing.T) {
	d := New(1)

	first, created := d.AddOrGetTopic("Foo", true)
	require.True(t, created)
	assert.Equal(t, "Foo", first.Name)

	again, created := d.AddOrGetTopic("foo", false)
	assert.False(t, created)
	assert.Equal(t, "Foo", again.Name)
	assert.True(t, again.Mutable)
	assert.Equal(t, 1, d.Len())

	assert.True(t, d.Contains("FOO"))
	assert.Equal(t, Key("Ölfeld"), Key("ÖLFELD"))
	assert.Equal(t, Key("ΣΟΦΟΣ"), Key("σοφος"))

	_, ok := d.Lookup("fOo")
	assert.True(t, ok)
}

func TestKeyConcurrent(t *testing.T) {
	names := []string{"News", "NEWS", "Σίσυφος", "ΣΊΣΥΦΟΣ"}
	want := make([]string, len(names))
	for i, n := range names {
		want[i] = Key(n)
	}
	assert.Equal(t, want[0], want[1])
	assert.Equal(t, want[2], want[3])

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				n := i % len(names)
				assert.Equal(t, want[n], Key(names[n]))
			}
		}()
	}
	wg.Wait()
}

func TestAddOrGetTopicEmptyName(t *testing.T) {
	d := New(1)
	_, created := d.AddOrGetTopic("", true)
	assert.False(t, created)
	assert.Zero(t, d.Len())
}

func TestLongNamesShareKeyWithWireForm(t *testing.T) {
	d := New(1)
	long := strings.Repeat("x", 300)
	tp, created := d.AddOrGetTopic(long, true)
	require.True(t, created)
	assert.Len(t, tp.Name, wire.MaxNameLen)
	assert.True(t, d.Contains(wire.TruncateName(long)))
}

func TestRemoveTopic(t *testing.T) {
	d := New(1)
	d.AddOrGetTopic("static", false)
	d.AddOrGetTopic("dynamic", true)

	_, removed := d.RemoveTopic("STATIC")
	assert.False(t, removed)
	assert.True(t, d.Contains("static"))

	snap, removed := d.RemoveTopic("Dynamic")
	assert.True(t, removed)
	assert.Equal(t, "dynamic", snap.Name)
	assert.False(t, d.Contains("dynamic"))

	_, removed = d.RemoveTopic("unknown")
	assert.False(t, removed)
	assert.Equal(t, []string{"static"}, d.Names())
}

func TestRestore(t *testing.T) {
	d := New(1)
	d.AddOrGetTopic("ops", true)
	d.AddSubscriber("ops", wire.Subscriber{NodeID: 2, Name: "bob"})

	snap, removed := d.RemoveTopic("ops")
	require.True(t, removed)

	// Gossip recreated it in the meantime.
	d.AddOrGetTopic("OPS", true)
	d.AddSubscriber("ops", wire.Subscriber{NodeID: 3, Name: "carol"})

	assert.False(t, d.Restore(snap))
	subs := d.Subscribers("ops")
	assert.ElementsMatch(t, []wire.Subscriber{{NodeID: 3, Name: "carol"}, {NodeID: 2, Name: "bob"}}, subs)

	d.RemoveTopic("ops")
	assert.True(t, d.Restore(snap))
	tp, ok := d.Lookup("ops")
	require.True(t, ok)
	assert.Equal(t, snap, tp)
}

func TestTopicsInsertionOrder(t *testing.T) {
	d := New(1)
	for _, n := range []string{"c", "a", "b"} {
		d.AddOrGetTopic(n, true)
	}
	assert.Equal(t, []string{"c", "a", "b"}, d.Names())

	d.RemoveTopic("a")
	topics := d.Topics()
	require.Len(t, topics, 2)
	assert.Equal(t, "c", topics[0].Name)
	assert.Equal(t, "b", topics[1].Name)
}

func TestSubscriberDedupKeepsFirstName(t *testing.T) {
	d := New(1)
	d.AddOrGetTopic("ops", true)

	assert.True(t, d.AddSubscriber("ops", wire.Subscriber{NodeID: 7, Name: "alice"}))
	assert.False(t, d.AddSubscriber("OPS", wire.Subscriber{NodeID: 7, Name: "mallory"}))

	subs := d.Subscribers("ops")
	require.Len(t, subs, 1)
	assert.Equal(t, "alice", subs[0].Name)

	sub, ok := d.Subscriber("ops", 7)
	assert.True(t, ok)
	assert.Equal(t, "alice", sub.Name)
}

func TestSubscriberUnknownTopic(t *testing.T) {
	d := New(1)
	assert.False(t, d.AddSubscriber("nope", wire.Subscriber{NodeID: 2}))
	assert.Nil(t, d.Subscribers("nope"))
	_, ok := d.RemoveSubscriber("nope", 2)
	assert.False(t, ok)
}

func TestRemoveSubscriber(t *testing.T) {
	d := New(1)
	d.AddOrGetTopic("ops", true)
	d.AddSubscriber("ops", wire.Subscriber{NodeID: 2, Name: "bob"})
	d.AddSubscriber("ops", wire.Subscriber{NodeID: 3, Name: "carol"})

	sub, ok := d.RemoveSubscriber("ops", 2)
	assert.True(t, ok)
	assert.Equal(t, "bob", sub.Name)

	_, ok = d.RemoveSubscriber("ops", 2)
	assert.False(t, ok)

	tp, _ := d.Lookup("ops")
	assert.False(t, tp.HasSubscriber(2))
	assert.True(t, tp.HasSubscriber(3))
}

func TestSnapshotsAreCopies(t *testing.T) {
	d := New(1)
	d.AddOrGetTopic("ops", true)
	d.AddSubscriber("ops", wire.Subscriber{NodeID: 2, Name: "bob"})

	subs := d.Subscribers("ops")
	subs[0].Name = "changed"
	tp, _ := d.Lookup("ops")
	tp.Subscribers[0].NodeID = 99

	again, _ := d.Subscriber("ops", 2)
	assert.Equal(t, "bob", again.Name)
}

func TestDestinations(t *testing.T) {
	d := New(5)

	assert.False(t, d.AddDestination(5), "self is never a destination")
	assert.True(t, d.AddDestination(9))
	assert.True(t, d.AddDestination(3))
	assert.False(t, d.AddDestination(9))
	assert.Equal(t, []wire.NodeID{3, 9}, d.Destinations())
	assert.Equal(t, 2, d.DestinationCount())
	assert.True(t, d.HasDestination(3))

	assert.True(t, d.RemoveDestination(3))
	assert.False(t, d.RemoveDestination(3))
	assert.Equal(t, []wire.NodeID{9}, d.Destinations())
}

func TestSetSelfDropsDestination(t *testing.T) {
	d := New(1)
	d.AddDestination(2)
	d.SetSelf(2)
	assert.Equal(t, wire.NodeID(2), d.Self())
	assert.Zero(t, d.DestinationCount())
	assert.True(t, d.AddDestination(1))
}

func TestConcurrentAccess(t *testing.T) {
	d := New(1)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				name := fmt.Sprintf("topic-%d", i%10)
				d.AddOrGetTopic(name, true)
				d.AddSubscriber(name, wire.Subscriber{NodeID: wire.NodeID(w + 2)})
				d.AddDestination(wire.NodeID(w + 2))
				_ = d.Topics()
				_ = d.Destinations()
				if i%7 == 0 {
					d.RemoveSubscriber(name, wire.NodeID(w+2))
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 10, d.Len())
	assert.Equal(t, 8, d.DestinationCount())
	for _, tp := range d.Topics() {
		seen := map[wire.NodeID]bool{}
		for _, s := range tp.Subscribers {
			assert.False(t, seen[s.NodeID], "duplicate subscriber %v in %s", s.NodeID, tp.Name)
			seen[s.NodeID] = true
		}
	}
}
