// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/destiny/acpchat/directory"
	"github.com/destiny/acpchat/internal/telemetry"
	"github.com/destiny/acpchat/wire"
)

// checkDynamic reports whether topics may be created or deleted under cfg.
func checkDynamic(cfg Config) error {
	if !cfg.DynamicMulticast {
		return ErrStaticMulticast
	}
	if !cfg.DynamicTopics {
		return ErrDynamicTopicsDisabled
	}
	return nil
}

// CreateTopic adds a topic and announces it to every known node.
func (e *Engine) CreateTopic(ctx context.Context, name string) error {
	cfg := e.settings.Load()
	if err := checkDynamic(cfg); err != nil {
		return err
	}
	name = wire.TruncateName(name)
	if name == "" {
		return ErrEmptyTopic
	}
	if e.deletions.contains(directory.Key(name)) {
		return fmt.Errorf("%w: %q", ErrDeletionPending, name)
	}
	if _, created := e.dir.AddOrGetTopic(name, true); !created {
		return fmt.Errorf("%w: %q", ErrTopicExists, name)
	}

	e.log.Info("created topic %q", name)
	e.publish(NewTopicAddedEvent(name, false))
	e.topicsChanged()
	return e.broadcast(ctx, wire.NewNewTopic(name))
}

// Join makes name the active topic, leaving the previous one.
func (e *Engine) Join(ctx context.Context, name string) error {
	t, ok := e.dir.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, name)
	}
	if e.isActive(t.Key()) {
		return nil
	}
	if err := e.Leave(ctx); err != nil && !errors.Is(err, ErrNotJoined) {
		e.log.Warn("leaving previous topic: %v", err)
	}

	cfg := e.settings.Load()
	e.mu.Lock()
	e.active = t.Name
	e.mu.Unlock()

	self := wire.Subscriber{NodeID: cfg.NodeID, Name: wire.TruncateName(cfg.Username)}
	if e.dir.AddSubscriber(t.Name, self) {
		e.publish(NewSubscriberJoinedEvent(t.Name, self, false))
	}
	e.log.Info("joined topic %q", t.Name)

	if !cfg.DynamicMulticast {
		return nil
	}
	return e.broadcast(ctx, wire.NewJoinTopic(t.Name, self.Name))
}

// Leave leaves the active topic and tells its other subscribers.
func (e *Engine) Leave(ctx context.Context) error {
	e.mu.Lock()
	active := e.active
	e.active = ""
	e.mu.Unlock()
	if active == "" {
		return ErrNotJoined
	}

	cfg := e.settings.Load()
	others := e.subscribersExcept(active, cfg.NodeID)
	if sub, ok := e.dir.RemoveSubscriber(active, cfg.NodeID); ok {
		e.publish(NewSubscriberLeftEvent(active, sub, false))
	}
	e.log.Info("left topic %q", active)

	if !cfg.DynamicMulticast {
		return nil
	}
	return e.send(ctx, wire.NewLeaveTopic(active), others)
}

// clearActive forgets the active topic if it has the key key.
func (e *Engine) clearActive(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != "" && directory.Key(e.active) == key {
		e.active = ""
	}
}

// DeleteTopic removes a topic locally and asks the other nodes whether it
// is still in use. Unless a node vetoes within InUseWait the deletion is
// committed with a DeleteTopicSuccess, otherwise the topic is restored.
func (e *Engine) DeleteTopic(ctx context.Context, name string) error {
	cfg := e.settings.Load()
	if err := checkDynamic(cfg); err != nil {
		return err
	}
	key := directory.Key(name)
	if e.deletions.contains(key) {
		return fmt.Errorf("%w: %q", ErrDeletionPending, name)
	}
	t, ok := e.dir.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, name)
	}
	if !t.Mutable {
		return fmt.Errorf("%w: %q", ErrImmutableTopic, t.Name)
	}

	if e.isActive(key) {
		if err := e.Leave(ctx); err != nil && !errors.Is(err, ErrNotJoined) {
			e.log.Warn("leaving %q before deletion: %v", t.Name, err)
		}
	}

	snap, removed := e.dir.RemoveTopic(t.Name)
	if !removed {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, name)
	}
	if !e.deletions.start(key, snap, e.now().Add(cfg.InUseWait)) {
		e.dir.Restore(snap)
		return fmt.Errorf("%w: %q", ErrDeletionPending, name)
	}

	e.log.Info("deleting topic %q, waiting %v for objections", snap.Name, cfg.InUseWait)
	e.publish(NewTopicRemovedEvent(snap.Name, false))
	e.topicsChanged()

	err := e.broadcast(ctx, wire.NewDeleteTopicQuery(snap.Name))

	e.spawnOr(func(ctx context.Context) {
		deadline, ok := e.deletions.deadline(key)
		if !ok {
			return
		}
		// The task may start late when the pool is saturated.
		if !sleep(ctx, deadline.Sub(e.now())) {
			e.abortDeletion(key)
			return
		}
		e.finishDeletion(ctx, key)
	}, func() { e.abortDeletion(key) })
	return err
}

// abortDeletion rolls back the deletion of key without telling the peers.
func (e *Engine) abortDeletion(key string) {
	d, ok := e.deletions.finish(key)
	if !ok {
		return
	}
	e.dir.Restore(d.topic)
	e.topicsChanged()
	e.log.Info("deletion of %q aborted, topic restored", d.topic.Name)
}

// finishDeletion resolves the deletion of key once its deadline passed.
func (e *Engine) finishDeletion(ctx context.Context, key string) {
	d, ok := e.deletions.finish(key)
	if !ok {
		return
	}
	name := d.topic.Name

	switch d.state {
	case deletionPending:
		// The topic may have been merged back from gossip sent before the query.
		e.dir.RemoveTopic(name)
		e.topicsChanged()
		e.log.Info("deletion of %q committed", name)
		e.metrics.Deletion(telemetry.DeletionCommitted)
		e.broadcast(ctx, wire.NewDeleteTopicSuccess(name))

	case deletionVetoed:
		e.dir.Restore(d.topic)
		e.topicsChanged()
		e.log.Info("deletion of %q vetoed, topic restored", name)
		e.metrics.Deletion(telemetry.DeletionVetoed)
		e.publish(NewTopicRestoredEvent(name))

	case deletionConfirmed:
		e.dir.RemoveTopic(name)
		e.topicsChanged()
		e.log.Info("deletion of %q already committed by a peer", name)
		e.metrics.Deletion(telemetry.DeletionConfirmed)
	}
}

// SendMessage sends body to the other subscribers of the active topic.
func (e *Engine) SendMessage(ctx context.Context, body string) error {
	active := e.ActiveTopic()
	if active == "" {
		return ErrNotJoined
	}
	if len(body) > wire.MaxBodyLen {
		return &wire.EncodingError{Kind: wire.KindSendMessage, Err: wire.ErrBodyTooLong}
	}

	cfg := e.settings.Load()
	dests := e.subscribersExcept(active, cfg.NodeID)
	if err := e.send(ctx, wire.NewSendMessage(cfg.NodeID, active, body), dests); err != nil {
		return err
	}
	if e.history != nil {
		from := wire.Subscriber{NodeID: cfg.NodeID, Name: wire.TruncateName(cfg.Username)}
		e.history.Add(active, from, body)
	}
	return nil
}
