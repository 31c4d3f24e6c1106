// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/destiny/acpchat/directory"
	"github.com/destiny/acpchat/internal/telemetry"
	"github.com/destiny/acpchat/transport"
	"github.com/destiny/acpchat/wire"
)

const receiveBackoff = 100 * time.Millisecond

// receiveLoop polls the transport and dispatches every message.
func (e *Engine) receiveLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		pctx, cancel := context.WithTimeout(ctx, e.settings.Load().PollTimeout)
		m, err := e.tr.Receive(pctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if transport.IsTimeout(err) {
				continue
			}
			if errors.Is(err, transport.ErrClosed) {
				return err
			}
			e.log.Warn("receive: %v", err)
			if !sleep(ctx, receiveBackoff) {
				return nil
			}
			continue
		}
		e.handle(m)
	}
}

// topicKind reports whether k only concerns the topic directory.
func topicKind(k wire.Kind) bool {
	switch k {
	case wire.KindNewTopic, wire.KindDeleteTopicQuery, wire.KindDeleteTopicSuccess,
		wire.KindGetTopics, wire.KindTopicList, wire.KindTopicInUse:
		return true
	}
	return false
}

// handle processes one inbound transport message.
func (e *Engine) handle(tm *transport.Message) {
	self := e.NodeID()
	if tm.Source == self {
		e.log.Trace("discarding own message")
		return
	}

	m := wire.Decode(tm.Payload, e.log)
	e.metrics.Received(m.Kind.String())
	if m.Kind == wire.KindInvalid {
		e.metrics.Invalid()
		e.log.Debug("dropping invalid message from %s", tm.Source)
		return
	}

	cfg := e.settings.Load()
	if !cfg.DynamicMulticast && m.Kind != wire.KindSendMessage {
		return
	}
	if !cfg.DynamicTopics && topicKind(m.Kind) {
		return
	}

	e.log.Debug("received %s from %s", m, tm.Source)

	switch m.Kind {
	case wire.KindGetTopics:
		e.scheduleTopicList()
	case wire.KindNewTopic:
		e.onNewTopic(tm.Source, m)
	case wire.KindDeleteTopicQuery:
		e.onDeleteTopicQuery(m)
	case wire.KindDeleteTopicSuccess:
		e.onDeleteTopicSuccess(m)
	case wire.KindJoinTopic:
		e.onJoinTopic(tm.Source, m)
	case wire.KindLeaveTopic:
		e.onLeaveTopic(tm.Source, m)
	case wire.KindTopicList:
		e.onTopicList(m)
	case wire.KindTopicInUse:
		if e.deletions.veto(directory.Key(m.Topic)) {
			e.log.Info("deletion of %q vetoed by %s", m.Topic, tm.Source)
		}
	case wire.KindSubscriberList:
		e.onSubscriberList(m)
	case wire.KindSendMessage:
		e.onSendMessage(m)
	case wire.KindNodeList:
		e.onNodeList(m)
	case wire.KindNodeLeave:
		if e.dir.RemoveDestination(m.SenderID) {
			e.log.Info("peer %s left", m.SenderID)
			e.peersChanged()
		}
	}
}

// addNetworkTopic adds a topic learned from a peer unless a local
// deletion of it is still in progress.
func (e *Engine) addNetworkTopic(name string) bool {
	if e.deletions.blocksMerge(directory.Key(name)) {
		e.log.Debug("not merging %q, deletion in progress", name)
		return false
	}
	if _, created := e.dir.AddOrGetTopic(name, true); !created {
		return false
	}
	e.publish(NewTopicAddedEvent(name, true))
	e.topicsChanged()
	return true
}

func (e *Engine) onNewTopic(src wire.NodeID, m *wire.Message) {
	if e.dir.Contains(m.Topic) {
		// Someone created a topic we already know: tell them who is in it.
		e.scheduleSubscriberList(m.Topic, src)
		return
	}
	e.addNetworkTopic(m.Topic)
}

func (e *Engine) onJoinTopic(src wire.NodeID, m *wire.Message) {
	if !e.dir.Contains(m.Topic) {
		e.log.Debug("join of unknown topic %q from %s", m.Topic, src)
		return
	}
	sub := wire.Subscriber{NodeID: src, Name: m.Username}
	if e.dir.AddSubscriber(m.Topic, sub) {
		e.publish(NewSubscriberJoinedEvent(m.Topic, sub, true))
	}
	if e.isActive(directory.Key(m.Topic)) {
		e.scheduleSubscriberList(m.Topic, src)
	}
}

func (e *Engine) onLeaveTopic(src wire.NodeID, m *wire.Message) {
	if sub, ok := e.dir.RemoveSubscriber(m.Topic, src); ok {
		e.publish(NewSubscriberLeftEvent(m.Topic, sub, true))
	}
}

func (e *Engine) onSubscriberList(m *wire.Message) {
	cfg := e.settings.Load()
	key := directory.Key(m.Topic)
	e.suppress.observe(wire.KindSubscriberList, key, e.now(), suppressionHorizon(cfg))

	if !e.dir.Contains(m.Topic) {
		if !cfg.DynamicTopics || !e.addNetworkTopic(m.Topic) {
			return
		}
	}

	self := e.NodeID()
	active := e.isActive(key)
	for _, sub := range m.Subscribers {
		if sub.NodeID == 0 || (sub.NodeID == self && !active) {
			continue
		}
		if e.dir.AddSubscriber(m.Topic, sub) {
			e.publish(NewSubscriberJoinedEvent(m.Topic, sub, true))
		}
	}
}

func (e *Engine) onTopicList(m *wire.Message) {
	e.suppress.observe(wire.KindTopicList, "", e.now(), suppressionHorizon(e.settings.Load()))
	for _, name := range m.Topics {
		if !e.dir.Contains(name) {
			e.addNetworkTopic(name)
		}
	}
}

func (e *Engine) onDeleteTopicQuery(m *wire.Message) {
	t, ok := e.dir.Lookup(m.Topic)
	if !ok || !t.Mutable || !e.isActive(t.Key()) {
		return
	}
	e.log.Info("topic %q is in use here, vetoing its deletion", t.Name)
	e.sendLater(wire.NewTopicInUse(t.Name))
}

func (e *Engine) onDeleteTopicSuccess(m *wire.Message) {
	key := directory.Key(m.Topic)
	if e.deletions.confirm(key) {
		e.log.Debug("deletion of %q confirmed by a peer", m.Topic)
	}

	t, ok := e.dir.Lookup(m.Topic)
	if !ok || !t.Mutable {
		return
	}
	if _, removed := e.dir.RemoveTopic(t.Name); !removed {
		return
	}
	e.clearActive(key)
	e.publish(NewTopicRemovedEvent(t.Name, true))
	e.topicsChanged()
}

func (e *Engine) onSendMessage(m *wire.Message) {
	sub, ok := e.dir.Subscriber(m.Topic, m.SenderID)
	if !ok {
		e.log.Debug("message for %q from non-subscriber %s dropped", m.Topic, m.SenderID)
		return
	}
	if e.history != nil {
		e.history.Add(m.Topic, sub, m.Body)
	}
	e.publish(NewMessageEvent(m.Topic, sub, m.Body))
}

func (e *Engine) onNodeList(m *wire.Message) {
	added := 0
	for _, id := range m.NodeIDs {
		if id != 0 && e.dir.AddDestination(id) {
			added++
		}
	}
	if added > 0 {
		e.log.Info("learned %d peers", added)
		e.peersChanged()
	}
	if e.discovered.CompareAndSwap(false, true) {
		e.log.Info("discovery complete, %d peers known", e.dir.DestinationCount())
		e.sendLater(wire.NewGetTopics())
	}
}

// suppressionHorizon is how long answers are remembered. Tasks may start
// late when the task pool is saturated, so records outlive one window.
func suppressionHorizon(cfg Config) time.Duration {
	return 2 * cfg.MaxResponseDelay
}

// scheduleTopicList answers a GetTopics after a random delay unless a
// peer answers first.
func (e *Engine) scheduleTopicList() {
	t0 := e.now()
	wait := e.delay(e.settings.Load().MaxResponseDelay)
	e.spawn(func(ctx context.Context) {
		if !sleep(ctx, wait) {
			return
		}
		kind := wire.KindTopicList
		if e.suppress.answeredSince(kind, "", t0, e.now(), suppressionHorizon(e.settings.Load())) {
			e.log.Debug("topic list suppressed, a peer answered first")
			e.metrics.Delayed(kind.String(), telemetry.OutcomeSuppressed)
			return
		}
		names := e.dir.Names()
		if len(names) == 0 {
			return
		}
		outcome := telemetry.OutcomeSent
		for _, chunk := range wire.SplitTopics(names) {
			if err := e.broadcast(ctx, wire.NewTopicList(chunk)); err != nil {
				outcome = telemetry.OutcomeFailed
				break
			}
		}
		e.metrics.Delayed(kind.String(), outcome)
	})
}

// scheduleSubscriberList sends the subscribers of topic after a random
// delay unless a peer answers first. requester always receives it.
func (e *Engine) scheduleSubscriberList(topic string, requester wire.NodeID) {
	t0 := e.now()
	key := directory.Key(topic)
	wait := e.delay(e.settings.Load().MaxResponseDelay)
	e.spawn(func(ctx context.Context) {
		if !sleep(ctx, wait) {
			return
		}
		kind := wire.KindSubscriberList
		if e.suppress.answeredSince(kind, key, t0, e.now(), suppressionHorizon(e.settings.Load())) {
			e.log.Debug("subscriber list of %q suppressed, a peer answered first", topic)
			e.metrics.Delayed(kind.String(), telemetry.OutcomeSuppressed)
			return
		}

		t, ok := e.dir.Lookup(topic)
		if !ok {
			return
		}
		self := e.NodeID()
		dests := e.subscribersExcept(t.Name, self)
		if requester != self && !t.HasSubscriber(requester) {
			dests = append(dests, requester)
		}

		chunks := wire.SplitSubscribers(t.Subscribers)
		if len(chunks) == 0 {
			// An empty list still tells the requester the topic exists.
			chunks = [][]wire.Subscriber{nil}
		}
		outcome := telemetry.OutcomeSent
		for _, chunk := range chunks {
			if err := e.send(ctx, wire.NewSubscriberList(t.Name, chunk), dests); err != nil {
				outcome = telemetry.OutcomeFailed
				break
			}
		}
		e.metrics.Delayed(kind.String(), outcome)
	})
}
