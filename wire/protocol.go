// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire implements the binary encoding of the topic directory
// coordination messages exchanged between acpchat nodes.
//
// Every message starts with a one byte kind tag followed by a kind specific
// payload. Multi-byte integers are big-endian and strings are UTF-8 with a
// length prefix.
package wire

import (
	"fmt"
	"strconv"
)

// Protocol limits
const (
	MaxNameLen     = 255   // Maximum topic name or user name length in bytes
	MaxTopics      = 255   // Maximum topics carried by one TopicList
	MaxSubscribers = 255   // Maximum subscribers carried by one SubscriberList
	MaxBodyLen     = 65535 // Maximum SendMessage body length in bytes
	MaxNodeIDs     = 65535 // Maximum ids carried by one NodeList
)

// Kind is the message kind tag, the first byte of every message.
type Kind uint8

// Message kinds. The numeric values are the tags used on the wire.
const (
	KindGetTopics Kind = iota
	KindNewTopic
	KindDeleteTopicQuery
	KindDeleteTopicSuccess
	KindJoinTopic
	KindLeaveTopic
	KindTopicList
	KindTopicInUse
	KindSubscriberList
	KindSendMessage
	KindNodeList
	KindNodeLeave
	KindInvalid // never valid on the wire
)

var kindNames = [...]string{
	KindGetTopics:          "GET_TOPICS",
	KindNewTopic:           "NEW_TOPIC",
	KindDeleteTopicQuery:   "DELETE_TOPIC_QUERY",
	KindDeleteTopicSuccess: "DELETE_TOPIC_SUCCESS",
	KindJoinTopic:          "JOIN_TOPIC",
	KindLeaveTopic:         "LEAVE_TOPIC",
	KindTopicList:          "TOPIC_LIST",
	KindTopicInUse:         "TOPIC_IN_USE",
	KindSubscriberList:     "SUBSCRIBER_LIST",
	KindSendMessage:        "SEND_MESSAGE",
	KindNodeList:           "NODE_LIST",
	KindNodeLeave:          "NODE_LEAVE",
	KindInvalid:            "INVALID",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Valid reports whether k may appear on the wire.
func (k Kind) Valid() bool {
	return k < KindInvalid
}

// HasTopic reports whether messages of kind k carry a single topic name.
func (k Kind) HasTopic() bool {
	switch k {
	case KindNewTopic, KindDeleteTopicQuery, KindDeleteTopicSuccess,
		KindJoinTopic, KindLeaveTopic, KindTopicInUse,
		KindSubscriberList, KindSendMessage:
		return true
	}
	return false
}

// NodeID identifies a node for the lifetime of its session.
type NodeID uint32

func (id NodeID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// Subscriber is a member of a topic. Two subscribers are the same
// subscriber when their NodeIDs are equal; Name is advisory.
type Subscriber struct {
	NodeID NodeID
	Name   string
}

// Message is a decoded coordination message. Only the fields relevant
// to Kind are encoded:
//
//	GetTopics                                  (none)
//	NewTopic, DeleteTopicQuery,
//	DeleteTopicSuccess, LeaveTopic, TopicInUse Topic
//	JoinTopic                                  Topic, Username
//	TopicList                                  Topics
//	SubscriberList                             Topic, Subscribers
//	SendMessage                                SenderID, Topic, Body
//	NodeList                                   NodeIDs
//	NodeLeave                                  SenderID
type Message struct {
	Kind        Kind
	Topic       string
	Username    string
	Topics      []string
	Subscribers []Subscriber
	SenderID    NodeID
	Body        string
	NodeIDs     []NodeID
}

// String returns a short human readable description of the message.
func (m *Message) String() string {
	switch {
	case m.Kind == KindTopicList:
		return fmt.Sprintf("%s[%d topics]", m.Kind, len(m.Topics))
	case m.Kind == KindNodeList:
		return fmt.Sprintf("%s[%d ids]", m.Kind, len(m.NodeIDs))
	case m.Kind == KindNodeLeave:
		return fmt.Sprintf("%s[%s]", m.Kind, m.SenderID)
	case m.Kind.HasTopic():
		return fmt.Sprintf("%s[%q]", m.Kind, m.Topic)
	}
	return m.Kind.String()
}

// Constructors for the common messages.

func NewGetTopics() *Message { return &Message{Kind: KindGetTopics} }

func NewNewTopic(topic string) *Message { return &Message{Kind: KindNewTopic, Topic: topic} }

func NewDeleteTopicQuery(topic string) *Message {
	return &Message{Kind: KindDeleteTopicQuery, Topic: topic}
}

func NewDeleteTopicSuccess(topic string) *Message {
	return &Message{Kind: KindDeleteTopicSuccess, Topic: topic}
}

func NewJoinTopic(topic, username string) *Message {
	return &Message{Kind: KindJoinTopic, Topic: topic, Username: username}
}

func NewLeaveTopic(topic string) *Message { return &Message{Kind: KindLeaveTopic, Topic: topic} }

func NewTopicInUse(topic string) *Message { return &Message{Kind: KindTopicInUse, Topic: topic} }

func NewTopicList(topics []string) *Message { return &Message{Kind: KindTopicList, Topics: topics} }

func NewSubscriberList(topic string, subs []Subscriber) *Message {
	return &Message{Kind: KindSubscriberList, Topic: topic, Subscribers: subs}
}

func NewSendMessage(sender NodeID, topic, body string) *Message {
	return &Message{Kind: KindSendMessage, SenderID: sender, Topic: topic, Body: body}
}

func NewNodeList(ids []NodeID) *Message { return &Message{Kind: KindNodeList, NodeIDs: ids} }

func NewNodeLeave(sender NodeID) *Message { return &Message{Kind: KindNodeLeave, SenderID: sender} }
