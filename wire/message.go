// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/destiny/acpchat"
)

// TruncateName shortens s to at most MaxNameLen bytes without splitting
// a UTF-8 sequence.
func TruncateName(s string) string {
	if len(s) <= MaxNameLen {
		return s
	}
	i := MaxNameLen
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}

// SplitTopics cuts names into chunks small enough for one TopicList each.
func SplitTopics(names []string) [][]string {
	return split(names, MaxTopics)
}

// SplitSubscribers cuts subs into chunks small enough for one
// SubscriberList each.
func SplitSubscribers(subs []Subscriber) [][]Subscriber {
	return split(subs, MaxSubscribers)
}

func split[T any](s []T, n int) [][]T {
	var chunks [][]T
	for len(s) > n {
		chunks = append(chunks, s[:n:n])
		s = s[n:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

// Encode serializes m. Names longer than MaxNameLen are truncated; every
// other violation of the wire limits is reported as an *EncodingError.
func Encode(m *Message) ([]byte, error) {
	if m == nil || !m.Kind.Valid() {
		k := KindInvalid
		if m != nil {
			k = m.Kind
		}
		return nil, encodingError(k, ErrUnknownKind)
	}
	if m.Kind.HasTopic() && m.Topic == "" {
		return nil, encodingError(m.Kind, ErrIncompleteMessage)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 32))
	buf.WriteByte(byte(m.Kind))

	var err error
	switch m.Kind {
	case KindGetTopics:
	case KindNewTopic, KindDeleteTopicQuery, KindDeleteTopicSuccess,
		KindLeaveTopic, KindTopicInUse:
		err = writeName(buf, m.Topic)

	case KindJoinTopic:
		if err = writeName(buf, m.Topic); err == nil {
			err = writeName(buf, m.Username)
		}

	case KindTopicList:
		if len(m.Topics) > MaxTopics {
			return nil, encodingError(m.Kind, ErrTooManyTopics)
		}
		buf.WriteByte(byte(len(m.Topics)))
		for _, t := range m.Topics {
			if t == "" {
				return nil, encodingError(m.Kind, ErrIncompleteMessage)
			}
			if err = writeName(buf, t); err != nil {
				break
			}
		}

	case KindSubscriberList:
		if len(m.Subscribers) > MaxSubscribers {
			return nil, encodingError(m.Kind, ErrTooManySubscribers)
		}
		if err = writeName(buf, m.Topic); err != nil {
			break
		}
		buf.WriteByte(byte(len(m.Subscribers)))
		for _, s := range m.Subscribers {
			binary.Write(buf, binary.BigEndian, uint32(s.NodeID))
			if err = writeName(buf, s.Name); err != nil {
				break
			}
		}

	case KindSendMessage:
		if len(m.Body) > MaxBodyLen {
			return nil, encodingError(m.Kind, ErrBodyTooLong)
		}
		if !utf8.ValidString(m.Body) {
			return nil, encodingError(m.Kind, ErrInvalidUTF8)
		}
		binary.Write(buf, binary.BigEndian, uint32(m.SenderID))
		if err = writeName(buf, m.Topic); err != nil {
			break
		}
		binary.Write(buf, binary.BigEndian, uint16(len(m.Body)))
		buf.WriteString(m.Body)

	case KindNodeList:
		if len(m.NodeIDs) > MaxNodeIDs {
			return nil, encodingError(m.Kind, ErrTooManyNodeIDs)
		}
		binary.Write(buf, binary.BigEndian, uint16(len(m.NodeIDs)))
		for _, id := range m.NodeIDs {
			binary.Write(buf, binary.BigEndian, uint32(id))
		}

	case KindNodeLeave:
		binary.Write(buf, binary.BigEndian, uint32(m.SenderID))
	}
	if err != nil {
		return nil, encodingError(m.Kind, err)
	}
	return buf.Bytes(), nil
}

// writeName writes a length prefixed, truncated name.
func writeName(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	s = TruncateName(s)
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}

// Unmarshal parses data strictly and reports why it is malformed.
// Bytes following a complete payload are ignored.
func Unmarshal(data []byte) (*Message, error) {
	r := &reader{buf: data}

	tag, err := r.readByte()
	if err != nil {
		return nil, err
	}
	m := &Message{Kind: Kind(tag)}
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownKind, tag)
	}

	switch m.Kind {
	case KindGetTopics:
	case KindNewTopic, KindDeleteTopicQuery, KindDeleteTopicSuccess,
		KindLeaveTopic, KindTopicInUse:
		m.Topic, err = r.topic()

	case KindJoinTopic:
		if m.Topic, err = r.topic(); err == nil {
			m.Username, err = r.name()
		}

	case KindTopicList:
		var n byte
		if n, err = r.readByte(); err != nil {
			break
		}
		for i := 0; i < int(n) && err == nil; i++ {
			var t string
			if t, err = r.topic(); err == nil {
				m.Topics = append(m.Topics, t)
			}
		}

	case KindSubscriberList:
		if m.Topic, err = r.topic(); err != nil {
			break
		}
		var n byte
		if n, err = r.readByte(); err != nil {
			break
		}
		for i := 0; i < int(n) && err == nil; i++ {
			var s Subscriber
			s, err = r.subscriber()
			if err == nil {
				m.Subscribers = append(m.Subscribers, s)
			}
		}

	case KindSendMessage:
		var id uint32
		if id, err = r.readUint32(); err != nil {
			break
		}
		m.SenderID = NodeID(id)
		if m.Topic, err = r.topic(); err != nil {
			break
		}
		var n uint16
		if n, err = r.readUint16(); err != nil {
			break
		}
		m.Body, err = r.text(int(n))

	case KindNodeList:
		var n uint16
		if n, err = r.readUint16(); err != nil {
			break
		}
		for i := 0; i < int(n) && err == nil; i++ {
			var id uint32
			if id, err = r.readUint32(); err == nil {
				m.NodeIDs = append(m.NodeIDs, NodeID(id))
			}
		}

	case KindNodeLeave:
		var id uint32
		id, err = r.readUint32()
		m.SenderID = NodeID(id)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.Kind, err)
	}
	return m, nil
}

// Decode never fails: malformed input yields a KindInvalid message and
// the cause is logged at debug level.
func Decode(data []byte, log *acpchat.Logger) *Message {
	m, err := Unmarshal(data)
	if err != nil {
		log.Debug("dropping malformed message (%d bytes): %v", len(data), err)
		return &Message{Kind: KindInvalid}
	}
	return m
}

// reader is a read cursor over one buffer. Each decode call owns its own.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) next(n int) ([]byte, error) {
	if n > r.remaining() {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrTruncated, n, r.off, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) readByte() (byte, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) readUint16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) readUint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) text(n int) (string, error) {
	b, err := r.next(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// name reads a one byte length prefixed string.
func (r *reader) name() (string, error) {
	n, err := r.readByte()
	if err != nil {
		return "", err
	}
	return r.text(int(n))
}

// topic reads a name that must not be empty.
func (r *reader) topic() (string, error) {
	s, err := r.name()
	if err == nil && s == "" {
		err = ErrIncompleteMessage
	}
	return s, err
}

func (r *reader) subscriber() (Subscriber, error) {
	id, err := r.readUint32()
	if err != nil {
		return Subscriber{}, err
	}
	name, err := r.name()
	if err != nil {
		return Subscriber{}, err
	}
	return Subscriber{NodeID: NodeID(id), Name: name}, nil
}
