// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/destiny/acpchat"
	"github.com/destiny/acpchat/wire"
)

const (
	readPollInterval = 100 * time.Millisecond
	writeTimeout     = time.Second
	maxDatagram      = 65536
	groupQueueSize   = 256
)

// groupConn is a UDP socket joined to an IPv4 multicast group on every
// multicast capable interface.
type groupConn struct {
	conn  net.PacketConn
	pconn *ipv4.PacketConn
	gaddr *net.UDPAddr
	log   *acpchat.Logger

	writeMu sync.Mutex
	inbox   chan []byte

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func openGroup(addr string, log *acpchat.Logger) (*groupConn, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	if !gaddr.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", addr)
	}

	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	intfs, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return nil, err
	}

	pconn := ipv4.NewPacketConn(conn)
	joined := 0
	for i := range intfs {
		intf := &intfs[i]
		if intf.Flags&net.FlagUp == 0 || intf.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pconn.JoinGroup(intf, &net.UDPAddr{IP: gaddr.IP}); err != nil {
			log.Debug("IPv4 join %s on %s failed: %v", gaddr.IP, intf.Name, err)
			continue
		}
		log.Debug("IPv4 join %s on %s", gaddr.IP, intf.Name)
		joined++
	}
	if joined == 0 {
		conn.Close()
		return nil, ErrNoInterfaces
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		log.Debug("enable multicast loopback: %v", err)
	}
	if err := pconn.SetMulticastTTL(1); err != nil {
		log.Debug("set multicast TTL: %v", err)
	}

	g := &groupConn{
		conn:  conn,
		pconn: pconn,
		gaddr: gaddr,
		log:   log,
		inbox: make(chan []byte, groupQueueSize),
		done:  make(chan struct{}),
	}
	g.wg.Add(1)
	go g.readLoop()
	return g, nil
}

// write sends b to the group once per multicast interface.
func (g *groupConn) write(b []byte) error {
	if len(b) > maxDatagram {
		return fmt.Errorf("datagram too large: %d bytes", len(b))
	}
	intfs, err := net.Interfaces()
	if err != nil {
		return err
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	wcm := &ipv4.ControlMessage{}
	success := 0
	for _, intf := range intfs {
		if intf.Flags&net.FlagRunning == 0 || intf.Flags&net.FlagMulticast == 0 {
			continue
		}

		wcm.IfIndex = intf.Index
		g.pconn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, err = g.pconn.WriteTo(b, wcm, g.gaddr)
		g.pconn.SetWriteDeadline(time.Time{})
		if err != nil {
			g.log.Debug("write to %s on %s: %v", g.gaddr, intf.Name, err)
			continue
		}
		success++
	}
	if success == 0 {
		if err == nil {
			err = ErrNoInterfaces
		}
		return err
	}
	return nil
}

func (g *groupConn) readLoop() {
	defer g.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-g.done:
			return
		default:
		}

		g.pconn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, _, src, err := g.pconn.ReadFrom(buf)
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			select {
			case <-g.done:
				return
			default:
			}
			g.log.Debug("read from %s: %v", g.gaddr, err)
			continue
		}

		c := make([]byte, n)
		copy(c, buf[:n])
		select {
		case g.inbox <- c:
		default:
			g.log.Debug("dropping %d bytes from %s, queue full", n, src)
		}
	}
}

func (g *groupConn) receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-g.inbox:
		return b, nil
	case <-g.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *groupConn) closed() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

func (g *groupConn) close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		g.wg.Wait()
		err = g.conn.Close()
	})
	return err
}

// Multicast is a Transport carrying framed messages over one UDP
// multicast group. Every node hears every frame and keeps only those
// listing it as a destination.
type Multicast struct {
	self  wire.NodeID
	group *groupConn
	emcon atomic.Bool
	log   *acpchat.Logger
}

var _ Transport = (*Multicast)(nil)

// NewMulticast joins the group at addr for node self.
func NewMulticast(self wire.NodeID, addr string, log *acpchat.Logger) (*Multicast, error) {
	log = log.Named("multicast")
	g, err := openGroup(addr, log)
	if err != nil {
		return nil, err
	}
	return &Multicast{self: self, group: g, log: log}, nil
}

// Send frames m and writes it to the group. Sends made in EMCON are dropped.
func (t *Multicast) Send(ctx context.Context, m *Message) error {
	if t.group.closed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.emcon.Load() {
		t.log.Trace("emcon: dropping %d byte message", len(m.Payload))
		return nil
	}
	frame, err := marshalFrame(m)
	if err != nil {
		return err
	}
	return t.group.write(frame)
}

// Receive returns the next unexpired frame addressed to this node.
func (t *Multicast) Receive(ctx context.Context) (*Message, error) {
	for {
		b, err := t.group.receive(ctx)
		if err != nil {
			return nil, err
		}
		m, err := unmarshalFrame(b)
		if err != nil {
			t.log.Debug("%v", err)
			continue
		}
		if !m.AddressedTo(t.self) || m.Expired(time.Now()) {
			continue
		}
		return m, nil
	}
}

func (t *Multicast) EnterEmcon() { t.emcon.Store(true) }

func (t *Multicast) LeaveEmcon() { t.emcon.Store(false) }

// Close leaves the group.
func (t *Multicast) Close() error { return t.group.close() }

// Beacon is a Discovery channel over a UDP multicast group.
type Beacon struct {
	group *groupConn
}

var _ Discovery = (*Beacon)(nil)

// NewBeacon joins the discovery group at addr.
func NewBeacon(addr string, log *acpchat.Logger) (*Beacon, error) {
	g, err := openGroup(addr, log.Named("beacon"))
	if err != nil {
		return nil, err
	}
	return &Beacon{group: g}, nil
}

func (b *Beacon) Broadcast(ctx context.Context, payload []byte) error {
	if b.group.closed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.group.write(payload)
}

func (b *Beacon) Receive(ctx context.Context) ([]byte, error) {
	return b.group.receive(ctx)
}

// Close leaves the group.
func (b *Beacon) Close() error { return b.group.close() }
