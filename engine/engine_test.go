// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/destiny/acpchat/internal/testutil"
	"github.com/destiny/acpchat/transport"
	"github.com/destiny/acpchat/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testConfig returns a configuration with short timings.
func testConfig(id wire.NodeID, username string) Config {
	cfg := DefaultConfig()
	cfg.NodeID = id
	cfg.Username = username
	cfg.MaxResponseDelay = 30 * time.Millisecond
	cfg.InUseWait = 200 * time.Millisecond
	cfg.BeaconInterval = 20 * time.Millisecond
	cfg.PollTimeout = 20 * time.Millisecond
	return cfg
}

// newTestEngine attaches an engine to hub. It is closed when the test ends.
func newTestEngine(t *testing.T, hub *transport.Hub, cfg Config, opts ...Option) *Engine {
	t.Helper()
	ep := hub.Endpoint(cfg.NodeID)
	beacon := hub.Beacon()
	e, err := New(cfg, ep, beacon, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Close()
		ep.Close()
		beacon.Close()
	})
	return e
}

// inject hands m to e as if src had sent it.
func inject(t *testing.T, e *Engine, src wire.NodeID, m *wire.Message) {
	t.Helper()
	payload, err := wire.Encode(m)
	require.NoError(t, err)
	e.handle(&transport.Message{
		Payload:      payload,
		Destinations: []wire.NodeID{e.NodeID()},
		Expiry:       time.Now().Add(time.Minute),
		Source:       src,
	})
}

// sent is a decoded message seen on the hub.
type sent struct {
	*wire.Message
	to         []wire.NodeID
	persistent bool
}

// sentBy decodes the messages src sent, optionally filtered by kind.
func sentBy(t *testing.T, hub *transport.Hub, src wire.NodeID, kinds ...wire.Kind) []sent {
	t.Helper()
	var out []sent
	for _, tm := range hub.SentBy(src) {
		m, err := wire.Unmarshal(tm.Payload)
		require.NoError(t, err)
		if len(kinds) > 0 && !containsKind(kinds, m.Kind) {
			continue
		}
		out = append(out, sent{Message: m, to: tm.Destinations, persistent: tm.Persistent})
	}
	return out
}

func containsKind(kinds []wire.Kind, k wire.Kind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

// waitTasks waits for the scheduled tasks of e.
func waitTasks(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Wait(testutil.TestTimeoutContext(t, 5*time.Second)))
}

// fixedDelay makes every delayed send wait exactly d.
func fixedDelay(d time.Duration) func(time.Duration) time.Duration {
	return func(time.Duration) time.Duration { return d }
}

// steppingClock returns a clock that advances a millisecond per reading.
func steppingClock() func() time.Time {
	base := time.Now()
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

// recorder is a History keeping every message.
type recorder struct {
	mu   sync.Mutex
	msgs []recorded
}

type recorded struct {
	topic string
	from  wire.Subscriber
	body  string
}

func (r *recorder) Add(topic string, from wire.Subscriber, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, recorded{topic, from, body})
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.msgs...)
}

// eventually fails the test if cond does not hold within two seconds.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	testutil.WaitWithTimeout(t, cond, 2*time.Second, 5*time.Millisecond)
}

// awaitEvent returns the next event of type typ.
func awaitEvent(t *testing.T, ch <-chan *Event, typ string) *Event {
	t.Helper()
	return awaitEventWhere(t, ch, func(ev *Event) bool { return ev.Type == typ })
}

// awaitEventWhere returns the next event matching match.
func awaitEventWhere(t *testing.T, ch <-chan *Event, match func(*Event) bool) *Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("expected event not published")
			return nil
		}
	}
}

func TestNewEngine(t *testing.T) {
	hub := transport.NewHub()

	cfg := testConfig(0, "alice")
	e := newTestEngine(t, hub, cfg)
	assert.NotZero(t, e.NodeID(), "a zero id is replaced by a random one")
	assert.Equal(t, e.NodeID(), e.Directory().Self())
	assert.Equal(t, e.NodeID(), e.Config().NodeID)
	assert.Empty(t, e.ActiveTopic())
	assert.False(t, e.Discovered())

	_, err := New(cfg, nil, nil)
	assert.Error(t, err)

	bad := testConfig(1, "alice")
	bad.InUseWait = 0
	_, err = New(bad, hub.Endpoint(1), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStaticTopicsAreImmutable(t *testing.T) {
	hub := transport.NewHub()
	e := newTestEngine(t, hub, testConfig(1, "alice"), WithStaticTopics("Ops", "Intel"))

	names := e.Directory().Names()
	assert.Equal(t, []string{"Ops", "Intel"}, names)

	err := e.DeleteTopic(context.Background(), "ops")
	assert.ErrorIs(t, err, ErrImmutableTopic)
	assert.True(t, e.Directory().Contains("Ops"))
}

func TestServeLifecycle(t *testing.T) {
	hub := transport.NewHub()
	e := newTestEngine(t, hub, testConfig(1, "alice"))

	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), ErrAlreadyRunning)
	eventually(t, e.running.Load)
	assert.ErrorIs(t, e.Serve(context.Background()), ErrAlreadyRunning)

	e.Stop()
	assert.False(t, e.running.Load())
	e.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()
	eventually(t, e.running.Load)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean stop")
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Start(), ErrClosed)
	assert.ErrorIs(t, e.Serve(context.Background()), ErrClosed)

	_, ok := <-e.Events().Subscribe(1)
	assert.False(t, ok, "events are closed with the engine")
}

func TestServeReturnsWhenTransportCloses(t *testing.T) {
	hub := transport.NewHub()
	cfg := testConfig(1, "alice")
	ep := hub.Endpoint(1)
	e, err := New(cfg, ep, nil)
	require.NoError(t, err)
	defer e.Close()

	done := make(chan error, 1)
	go func() { done <- e.Serve(context.Background()) }()
	eventually(t, e.running.Load)

	ep.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestDiscovery(t *testing.T) {
	hub := transport.NewHub()
	a := newTestEngine(t, hub, testConfig(1, "alice"))
	b := newTestEngine(t, hub, testConfig(2, "bob"))
	peers := b.Events().Subscribe(16)

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	eventually(t, func() bool { return a.Discovered() && b.Discovered() })
	eventually(t, func() bool { return a.PeerCount() == 1 && b.PeerCount() == 1 })
	assert.Equal(t, []wire.NodeID{2}, a.Directory().Destinations())
	assert.Equal(t, []wire.NodeID{1}, b.Directory().Destinations())
	assert.Equal(t, 1, awaitEvent(t, peers, EventTypePeers).Peers)

	// The first NodeList triggers exactly one topic query.
	eventually(t, func() bool { return len(sentBy(t, hub, 1, wire.KindGetTopics)) == 1 })
	for _, s := range sentBy(t, hub, 1, wire.KindNodeList, wire.KindGetTopics) {
		assert.False(t, s.persistent, "%s is never persistent", s.Kind)
	}

	a.Stop()
	leaves := sentBy(t, hub, 1, wire.KindNodeLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, wire.NodeID(1), leaves[0].SenderID)
	assert.Equal(t, []wire.NodeID{2}, leaves[0].to)

	eventually(t, func() bool { return b.PeerCount() == 0 })
}

func TestLateJoinerIsDiscovered(t *testing.T) {
	hub := transport.NewHub()
	a := newTestEngine(t, hub, testConfig(1, "alice"))
	b := newTestEngine(t, hub, testConfig(2, "bob"))
	c := newTestEngine(t, hub, testConfig(3, "carol"))

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	eventually(t, func() bool { return a.Discovered() && b.Discovered() })

	require.NoError(t, c.Start())
	eventually(t, func() bool {
		return c.Discovered() && c.PeerCount() == 2 && a.PeerCount() == 2 && b.PeerCount() == 2
	})
}

func TestBeaconStopsAfterDiscovery(t *testing.T) {
	hub := transport.NewHub()
	cfg := testConfig(1, "alice")
	ep := hub.Endpoint(1)
	beacon := hub.Beacon()
	defer beacon.Close()
	e, err := New(cfg, ep, beacon)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Start())
	eventually(t, func() bool { return beacon.Broadcasts() >= 2 })

	inject(t, e, 9, wire.NewNodeList([]wire.NodeID{9}))
	time.Sleep(3 * cfg.BeaconInterval)
	n := beacon.Broadcasts()
	testutil.Never(t, func() bool { return beacon.Broadcasts() > n }, 5*cfg.BeaconInterval, 5*time.Millisecond)
}

func TestEmconSilencesBeacons(t *testing.T) {
	hub := transport.NewHub()
	cfg := testConfig(1, "alice")
	ep := hub.Endpoint(1)
	beacon := hub.Beacon()
	defer beacon.Close()
	e, err := New(cfg, ep, beacon)
	require.NoError(t, err)
	defer e.Close()

	e.SetEmcon(true)
	assert.True(t, e.InEmcon())
	assert.True(t, ep.InEmcon())

	require.NoError(t, e.Start())
	testutil.Never(t, func() bool { return beacon.Broadcasts() > 0 }, 10*cfg.BeaconInterval, 5*time.Millisecond)

	e.SetEmcon(false)
	assert.False(t, ep.InEmcon())
	eventually(t, func() bool { return beacon.Broadcasts() > 0 })
}

func TestBeaconAnswerInEmcon(t *testing.T) {
	hub := transport.NewHub()
	e := newTestEngine(t, hub, testConfig(1, "alice"))

	e.SetEmcon(true)
	e.onBeacon(9)
	waitTasks(t, e)
	assert.Equal(t, []wire.NodeID{9}, e.Directory().Destinations(), "the peer is still learned")
	assert.Empty(t, sentBy(t, hub, 1), "no answer while silent")

	e.SetEmcon(false)
	e.onBeacon(0)
	e.onBeacon(1)
	e.onBeacon(9)
	waitTasks(t, e)
	replies := sentBy(t, hub, 1, wire.KindNodeList)
	require.Len(t, replies, 1, "own and zero ids are ignored")
	assert.Equal(t, []wire.NodeID{9}, replies[0].to)
	assert.Equal(t, []wire.NodeID{1, 9}, replies[0].NodeIDs)
}

func TestUpdateConfig(t *testing.T) {
	hub := transport.NewHub()
	e := newTestEngine(t, hub, testConfig(1, "alice"))
	e.Directory().AddDestination(5)

	err := e.UpdateConfig(func(c *Config) { c.PollTimeout = -1 })
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 20*time.Millisecond, e.Config().PollTimeout)

	err = e.UpdateConfig(func(c *Config) {
		c.Username = "ignored"
		c.MaxInFlight++
	})
	assert.ErrorIs(t, err, ErrFixedSetting)
	assert.Equal(t, DefaultMaxInFlight, e.Config().MaxInFlight)
	assert.Equal(t, "alice", e.Config().Username, "a rejected change installs nothing")

	require.NoError(t, e.UpdateConfig(func(c *Config) {
		c.Username = "alicia"
		c.NodeID = 0
	}))
	assert.Equal(t, "alicia", e.Config().Username)
	assert.Equal(t, wire.NodeID(1), e.NodeID(), "a zero id keeps the current one")

	require.NoError(t, e.UpdateConfig(func(c *Config) { c.NodeID = 5 }))
	assert.Equal(t, wire.NodeID(5), e.NodeID())
	assert.Empty(t, e.Directory().Destinations(), "the node is never its own destination")
}
