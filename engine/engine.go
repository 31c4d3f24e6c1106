// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package engine implements the coordination protocol of an acpchat node:
// peer discovery, topic and subscriber gossip, join and leave propagation,
// vetoable topic deletion and the delayed conditional send that keeps
// answers to group-wide queries close to one per query.
//
// An Engine owns a directory.Directory and drives it from the messages it
// receives through a transport.Transport and a transport.Discovery.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/destiny/acpchat"
	"github.com/destiny/acpchat/directory"
	"github.com/destiny/acpchat/internal/telemetry"
	"github.com/destiny/acpchat/transport"
	"github.com/destiny/acpchat/wire"
)

// History receives the chat messages accepted by the engine.
type History interface {
	Add(topic string, from wire.Subscriber, body string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *acpchat.Logger) Option {
	return func(e *Engine) { e.log = l.Named("engine") }
}

// WithMetrics records engine activity in m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithHistory hands accepted chat messages to h.
func WithHistory(h History) Option {
	return func(e *Engine) { e.history = h }
}

// WithStaticTopics preloads immutable topics.
func WithStaticTopics(names ...string) Option {
	return func(e *Engine) { e.static = append(e.static, names...) }
}

// WithEventBuffer sets the size of the event queue.
func WithEventBuffer(n int) Option {
	return func(e *Engine) { e.eventBuffer = n }
}

// Engine is one node of the topic directory.
type Engine struct {
	settings *Settings
	dir      *directory.Directory
	tr       transport.Transport
	disc     transport.Discovery

	log         *acpchat.Logger
	metrics     *telemetry.Metrics
	history     History
	events      *EventChannel
	eventBuffer int
	static      []string

	suppress  suppressionWindow
	deletions *deletionSet

	mu     sync.Mutex
	active string // name of the joined topic, empty when none

	emcon      atomic.Bool
	discovered atomic.Bool // a NodeList has been received
	running    atomic.Bool
	closed     atomic.Bool

	// Tasks are replies, delayed sends and deletion deadlines. They run on
	// the context of the current generation, which outlives Serve so a
	// send scheduled before shutdown may still fire. Aborting tasks ends
	// the generation; tasks spawned later belong to a fresh one.
	tasks  sync.WaitGroup
	sem    *semaphore.Weighted
	taskMu sync.Mutex
	gen    *taskGeneration

	delay func(max time.Duration) time.Duration
	now   func() time.Time

	serveMu   sync.Mutex
	stop      context.CancelFunc
	serveDone chan struct{}
}

// New creates an engine sending through tr and discovering peers on disc.
// disc may be nil, in which case peers are only learned from NodeLists.
func New(cfg Config, tr transport.Transport, disc transport.Discovery, opts ...Option) (*Engine, error) {
	if tr == nil {
		return nil, errors.New("engine: nil transport")
	}
	if cfg.NodeID == 0 {
		id, err := RandomNodeID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate node id: %w", err)
		}
		cfg.NodeID = id
	}
	settings, err := NewSettings(cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		settings:    settings,
		dir:         directory.New(cfg.NodeID),
		tr:          tr,
		disc:        disc,
		log:         acpchat.DevNullLogger,
		eventBuffer: 1000,
		deletions:   newDeletionSet(),
		sem:         semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		gen:         newTaskGeneration(),
		delay:       randomDelay,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.events = NewEventChannel(e.eventBuffer)
	e.events.Start()

	for _, name := range e.static {
		e.dir.AddOrGetTopic(name, false)
	}
	e.metrics.SetTopics(e.dir.Len())
	return e, nil
}

// RandomNodeID returns a random non-zero node id.
func RandomNodeID() (wire.NodeID, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		if id := wire.NodeID(binary.BigEndian.Uint32(b[:])); id != 0 {
			return id, nil
		}
	}
}

// randomDelay picks a uniformly random delay in [0, max].
func randomDelay(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return mrand.N(max + 1)
}

func (e *Engine) String() string { return "engine@" + e.NodeID().String() }

// NodeID returns the local node id.
func (e *Engine) NodeID() wire.NodeID { return e.dir.Self() }

// Directory returns the live directory.
func (e *Engine) Directory() *directory.Directory { return e.dir }

// Events returns the event channel.
func (e *Engine) Events() *EventChannel { return e.events }

// Config returns the configuration in effect.
func (e *Engine) Config() Config { return e.settings.Load() }

// UpdateConfig changes the configuration. Invalid changes are rejected
// and the previous configuration stays in effect. A zero NodeID keeps the
// current id. MaxInFlight cannot be changed.
func (e *Engine) UpdateConfig(fn func(*Config)) error {
	old := e.settings.Load()
	cfg, err := e.settings.UpdateChecked(func(c *Config) {
		fn(c)
		if c.NodeID == 0 {
			c.NodeID = old.NodeID
		}
	}, func(prev, next Config) error {
		if next.MaxInFlight != prev.MaxInFlight {
			return fmt.Errorf("%w: max in-flight", ErrFixedSetting)
		}
		return nil
	})
	if err != nil {
		e.log.Warn("configuration change rejected: %v", err)
		return err
	}
	if cfg.NodeID != old.NodeID {
		e.log.Info("node id changed from %s to %s", old.NodeID, cfg.NodeID)
		e.dir.SetSelf(cfg.NodeID)
	}
	return nil
}

// ActiveTopic returns the name of the joined topic, empty when none.
func (e *Engine) ActiveTopic() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// isActive reports whether the joined topic has the directory key key.
func (e *Engine) isActive(key string) bool {
	active := e.ActiveTopic()
	return active != "" && directory.Key(active) == key
}

// PeerCount returns the number of known destinations.
func (e *Engine) PeerCount() int { return e.dir.DestinationCount() }

// Discovered reports whether a NodeList has been received.
func (e *Engine) Discovered() bool { return e.discovered.Load() }

// InEmcon reports whether the node is silent.
func (e *Engine) InEmcon() bool { return e.emcon.Load() }

// SetEmcon enters or leaves emission control. Beacons stop on the next tick.
func (e *Engine) SetEmcon(on bool) {
	if e.emcon.Swap(on) == on {
		return
	}
	if on {
		e.tr.EnterEmcon()
	} else {
		e.tr.LeaveEmcon()
	}
	e.log.Info("emcon %v", on)
}

// Serve runs the engine until ctx is done. On return a NodeLeave is sent
// to the known destinations.
func (e *Engine) Serve(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	e.log.Info("node %s serving", e.NodeID())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.receiveLoop(gctx) })
	if e.disc != nil {
		g.Go(func() error { return e.listenLoop(gctx) })
		g.Go(func() error { return e.beaconLoop(gctx) })
	}
	err := g.Wait()

	e.sendNodeLeave()
	e.log.Info("node %s stopped", e.NodeID())

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Start runs Serve in the background.
func (e *Engine) Start() error {
	e.serveMu.Lock()
	defer e.serveMu.Unlock()
	if e.stop != nil {
		return ErrAlreadyRunning
	}
	if e.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.stop = cancel
	e.serveDone = done
	go func() {
		defer close(done)
		if err := e.Serve(ctx); err != nil {
			e.log.Error("serve: %v", err)
		}
	}()
	return nil
}

// Stop ends a Start and waits for Serve to return.
func (e *Engine) Stop() {
	e.serveMu.Lock()
	defer e.serveMu.Unlock()
	if e.stop == nil {
		return
	}
	e.stop()
	<-e.serveDone
	e.stop = nil
	e.serveDone = nil
}

// Wait blocks until every scheduled task finished. When ctx is done first,
// the tasks scheduled so far are aborted and Wait returns once they
// stopped. The engine keeps running tasks scheduled afterwards.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.abortTasks().wg.Wait()
		return ctx.Err()
	}
}

// Close stops the engine, aborts scheduled tasks and closes the event channel.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.Stop()
	e.abortTasks()
	e.tasks.Wait()
	e.events.Close()
	e.events.Wait()
	return nil
}

// taskGeneration groups the tasks that are aborted together.
type taskGeneration struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTaskGeneration() *taskGeneration {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskGeneration{ctx: ctx, cancel: cancel}
}

// abortTasks cancels the current generation and returns it. Unless the
// engine is closed, a fresh generation takes its place.
func (e *Engine) abortTasks() *taskGeneration {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()
	g := e.gen
	g.cancel()
	if !e.closed.Load() {
		e.gen = newTaskGeneration()
	}
	return g
}

// spawn runs fn as a tracked task bounded by MaxInFlight.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	e.spawnOr(fn, nil)
}

// spawnOr is spawn with a fallback: abort runs instead of fn when the task
// is aborted before it could start.
func (e *Engine) spawnOr(fn func(ctx context.Context), abort func()) {
	e.taskMu.Lock()
	g := e.gen
	g.wg.Add(1)
	e.tasks.Add(1)
	e.taskMu.Unlock()

	go func() {
		defer e.tasks.Done()
		defer g.wg.Done()
		if err := e.sem.Acquire(g.ctx, 1); err != nil {
			if abort != nil {
				abort()
			}
			return
		}
		defer e.sem.Release(1)
		fn(g.ctx)
	}()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// send encodes m and hands it to the transport addressed to dests.
func (e *Engine) send(ctx context.Context, m *wire.Message, dests []wire.NodeID) error {
	if len(dests) == 0 {
		e.log.Trace("no destination for %s", m)
		return nil
	}
	payload, err := wire.Encode(m)
	if err != nil {
		e.log.Error("encode %s: %v", m, err)
		return err
	}

	cfg := e.settings.Load()
	ttl := cfg.DefaultTTL
	if m.Kind == wire.KindNodeLeave {
		ttl = cfg.LeaveTTL
	}
	tm := &transport.Message{
		Payload:      payload,
		Destinations: dests,
		Dynamic:      cfg.DynamicMulticast,
		Expiry:       e.now().Add(ttl),
		Persistent:   cfg.persistent(m.Kind),
		Source:       cfg.NodeID,
	}
	if err := e.tr.Send(ctx, tm); err != nil {
		e.metrics.SendError(m.Kind.String())
		e.log.Warn("send %s to %d destinations: %v", m, len(dests), err)
		return fmt.Errorf("send %s: %w", m.Kind, err)
	}
	e.metrics.Sent(m.Kind.String())
	e.log.Debug("sent %s to %v", m, dests)
	return nil
}

// broadcast sends m to every known destination.
func (e *Engine) broadcast(ctx context.Context, m *wire.Message) error {
	return e.send(ctx, m, e.dir.Destinations())
}

// sendLater sends m to every known destination from a task.
func (e *Engine) sendLater(m *wire.Message) {
	e.spawn(func(ctx context.Context) {
		e.broadcast(ctx, m)
	})
}

// subscribersExcept returns the node ids subscribed to topic other than self.
func (e *Engine) subscribersExcept(topic string, self wire.NodeID) []wire.NodeID {
	var ids []wire.NodeID
	for _, s := range e.dir.Subscribers(topic) {
		if s.NodeID != self {
			ids = append(ids, s.NodeID)
		}
	}
	return ids
}

func (e *Engine) publish(ev *Event) {
	e.events.Publish(ev)
}

func (e *Engine) peersChanged() {
	n := e.dir.DestinationCount()
	e.metrics.SetPeers(n)
	e.publish(NewPeersEvent(n))
}

func (e *Engine) topicsChanged() {
	e.metrics.SetTopics(e.dir.Len())
}
