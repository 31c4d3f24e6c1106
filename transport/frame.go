// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/destiny/acpchat/wire"
)

// Frame header of the UDP multicast transport
const (
	FrameMagic      = 0xAC42
	FrameVersion    = 1
	frameHeaderSize = 18 // magic 2 + version 1 + flags 1 + source 4 + expiry 8 + count 2

	flagDynamic    = 1 << 0
	flagPersistent = 1 << 1
)

var errBadFrame = errors.New("transport: malformed frame")

// marshalFrame puts m into a datagram.
func marshalFrame(m *Message) ([]byte, error) {
	if len(m.Destinations) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d destinations", errBadFrame, len(m.Destinations))
	}

	buf := bytes.NewBuffer(make([]byte, 0, frameHeaderSize+4*len(m.Destinations)+len(m.Payload)))
	binary.Write(buf, binary.BigEndian, uint16(FrameMagic))
	buf.WriteByte(FrameVersion)

	var flags byte
	if m.Dynamic {
		flags |= flagDynamic
	}
	if m.Persistent {
		flags |= flagPersistent
	}
	buf.WriteByte(flags)
	binary.Write(buf, binary.BigEndian, uint32(m.Source))

	var expiry int64
	if !m.Expiry.IsZero() {
		expiry = m.Expiry.UnixNano()
	}
	binary.Write(buf, binary.BigEndian, expiry)

	binary.Write(buf, binary.BigEndian, uint16(len(m.Destinations)))
	for _, id := range m.Destinations {
		binary.Write(buf, binary.BigEndian, uint32(id))
	}
	buf.Write(m.Payload)
	return buf.Bytes(), nil
}

// unmarshalFrame parses a datagram produced by marshalFrame.
func unmarshalFrame(data []byte) (*Message, error) {
	if len(data) < frameHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", errBadFrame, len(data))
	}
	if binary.BigEndian.Uint16(data[0:2]) != FrameMagic || data[2] != FrameVersion {
		return nil, fmt.Errorf("%w: bad signature %x", errBadFrame, data[0:3])
	}

	flags := data[3]
	m := &Message{
		Dynamic:    flags&flagDynamic != 0,
		Persistent: flags&flagPersistent != 0,
		Source:     wire.NodeID(binary.BigEndian.Uint32(data[4:8])),
	}
	if expiry := int64(binary.BigEndian.Uint64(data[8:16])); expiry != 0 {
		m.Expiry = time.Unix(0, expiry)
	}

	n := int(binary.BigEndian.Uint16(data[16:18]))
	rest := data[frameHeaderSize:]
	if len(rest) < 4*n {
		return nil, fmt.Errorf("%w: %d destinations in %d bytes", errBadFrame, n, len(rest))
	}
	m.Destinations = make([]wire.NodeID, n)
	for i := range m.Destinations {
		m.Destinations[i] = wire.NodeID(binary.BigEndian.Uint32(rest[4*i:]))
	}
	m.Payload = append([]byte(nil), rest[4*n:]...)
	return m, nil
}
