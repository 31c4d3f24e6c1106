// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"sync"
	"time"

	"github.com/destiny/acpchat/wire"
)

// Event types published by the engine
const (
	EventTypeTopicAdded       = "TOPIC_ADDED"       // A topic entered the directory
	EventTypeTopicRemoved     = "TOPIC_REMOVED"     // A topic left the directory
	EventTypeTopicRestored    = "TOPIC_RESTORED"    // A vetoed deletion was rolled back
	EventTypeSubscriberJoined = "SUBSCRIBER_JOINED" // A subscriber joined a topic
	EventTypeSubscriberLeft   = "SUBSCRIBER_LEFT"   // A subscriber left a topic
	EventTypeMessage          = "MESSAGE"           // A chat message arrived
	EventTypePeers            = "PEERS"             // The number of known peers changed
)

// Event describes a change of the directory or an incoming message.
type Event struct {
	Type       string          // One of the EventType constants
	Topic      string          // Topic concerned, if any
	Subscriber wire.Subscriber // Joining or leaving subscriber, or message sender
	Body       string          // Message body (MESSAGE)
	Network    bool            // Caused by a peer rather than a local call
	Peers      int             // Known peer count (PEERS)
	Timestamp  time.Time       // When the event occurred
}

// EventChannel fans events out to subscribers. Publishing never blocks:
// events are dropped when the queue or a subscriber's buffer is full.
type EventChannel struct {
	mu        sync.Mutex
	events    chan *Event
	listeners []chan *Event
	closed    chan struct{}
	closing   bool
	startOnce sync.Once
}

// NewEventChannel creates a new event channel system
func NewEventChannel(bufferSize int) *EventChannel {
	return &EventChannel{
		events: make(chan *Event, bufferSize),
		closed: make(chan struct{}),
	}
}

// Subscribe returns a channel that will receive copies of all events.
// The channel is closed when the EventChannel closes.
func (ec *EventChannel) Subscribe(bufferSize int) <-chan *Event {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	listener := make(chan *Event, bufferSize)
	if ec.closing {
		close(listener)
		return listener
	}
	ec.listeners = append(ec.listeners, listener)
	return listener
}

// Publish queues an event for all subscribers
func (ec *EventChannel) Publish(event *Event) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.closing {
		return
	}

	select {
	case ec.events <- event:
	default:
		// Channel full, drop event to prevent blocking
	}
}

// Start begins the event distribution loop
func (ec *EventChannel) Start() {
	ec.startOnce.Do(func() {
		go ec.run()
	})
}

func (ec *EventChannel) run() {
	defer close(ec.closed)

	for event := range ec.events {
		ec.mu.Lock()
		for _, listener := range ec.listeners {
			select {
			case listener <- event:
			default:
				// Listener full, this event is lost for it
			}
		}
		ec.mu.Unlock()
	}

	ec.mu.Lock()
	for _, listener := range ec.listeners {
		close(listener)
	}
	ec.listeners = nil
	ec.mu.Unlock()
}

// Close stops the event channel and closes all subscriptions once the
// queued events are delivered.
func (ec *EventChannel) Close() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if !ec.closing {
		ec.closing = true
		close(ec.events)
	}
}

// Wait blocks until the event channel is fully closed
func (ec *EventChannel) Wait() {
	<-ec.closed
}

// NewTopicAddedEvent creates a TOPIC_ADDED event
func NewTopicAddedEvent(topic string, network bool) *Event {
	return &Event{
		Type:      EventTypeTopicAdded,
		Topic:     topic,
		Network:   network,
		Timestamp: time.Now(),
	}
}

// NewTopicRemovedEvent creates a TOPIC_REMOVED event
func NewTopicRemovedEvent(topic string, network bool) *Event {
	return &Event{
		Type:      EventTypeTopicRemoved,
		Topic:     topic,
		Network:   network,
		Timestamp: time.Now(),
	}
}

// NewTopicRestoredEvent creates a TOPIC_RESTORED event
func NewTopicRestoredEvent(topic string) *Event {
	return &Event{
		Type:      EventTypeTopicRestored,
		Topic:     topic,
		Network:   true,
		Timestamp: time.Now(),
	}
}

// NewSubscriberJoinedEvent creates a SUBSCRIBER_JOINED event
func NewSubscriberJoinedEvent(topic string, sub wire.Subscriber, network bool) *Event {
	return &Event{
		Type:       EventTypeSubscriberJoined,
		Topic:      topic,
		Subscriber: sub,
		Network:    network,
		Timestamp:  time.Now(),
	}
}

// NewSubscriberLeftEvent creates a SUBSCRIBER_LEFT event
func NewSubscriberLeftEvent(topic string, sub wire.Subscriber, network bool) *Event {
	return &Event{
		Type:       EventTypeSubscriberLeft,
		Topic:      topic,
		Subscriber: sub,
		Network:    network,
		Timestamp:  time.Now(),
	}
}

// NewMessageEvent creates a MESSAGE event
func NewMessageEvent(topic string, from wire.Subscriber, body string) *Event {
	return &Event{
		Type:       EventTypeMessage,
		Topic:      topic,
		Subscriber: from,
		Body:       body,
		Network:    true,
		Timestamp:  time.Now(),
	}
}

// NewPeersEvent creates a PEERS event
func NewPeersEvent(peers int) *Event {
	return &Event{
		Type:      EventTypePeers,
		Peers:     peers,
		Network:   true,
		Timestamp: time.Now(),
	}
}
