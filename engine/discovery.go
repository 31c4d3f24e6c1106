// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/destiny/acpchat/transport"
	"github.com/destiny/acpchat/wire"
)

// beaconSize is the length of a discovery beacon: one big-endian node id.
const beaconSize = 4

func encodeBeacon(id wire.NodeID) []byte {
	b := make([]byte, beaconSize)
	binary.BigEndian.PutUint32(b, uint32(id))
	return b
}

func decodeBeacon(b []byte) (wire.NodeID, bool) {
	if len(b) != beaconSize {
		return 0, false
	}
	return wire.NodeID(binary.BigEndian.Uint32(b)), true
}

// beaconLoop announces the node until a NodeList arrives. Ticks are
// skipped in EMCON or when dynamic multicast is off.
func (e *Engine) beaconLoop(ctx context.Context) error {
	for !e.discovered.Load() {
		cfg := e.settings.Load()
		if cfg.DynamicMulticast && !e.emcon.Load() {
			if err := e.disc.Broadcast(ctx, encodeBeacon(cfg.NodeID)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, transport.ErrClosed) {
					return err
				}
				e.metrics.SendError("BEACON")
				e.log.Warn("beacon: %v", err)
			} else {
				e.log.Trace("beacon %s", cfg.NodeID)
			}
		}
		if !sleep(ctx, cfg.BeaconInterval) {
			return nil
		}
	}
	e.log.Debug("beacon stopped")
	return nil
}

// listenLoop answers the beacons of other nodes.
func (e *Engine) listenLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		pctx, cancel := context.WithTimeout(ctx, e.settings.Load().PollTimeout)
		payload, err := e.disc.Receive(pctx)
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
			e.log.Warn("discovery receive: %v", err)
			if !sleep(ctx, receiveBackoff) {
				return nil
			}
			continue
		}

		if !e.settings.Load().DynamicMulticast {
			continue
		}
		id, ok := decodeBeacon(payload)
		if !ok {
			e.log.Debug("ignoring %d byte beacon", len(payload))
			continue
		}
		e.onBeacon(id)
	}
}

// onBeacon adds the announcing node and replies with every id we know.
// Every beacon is answered, so a node that started first learns about
// later ones even after its own discovery completed.
func (e *Engine) onBeacon(id wire.NodeID) {
	self := e.NodeID()
	if id == 0 || id == self {
		return
	}
	if e.dir.AddDestination(id) {
		e.log.Info("discovered peer %s", id)
		e.peersChanged()
	}
	if e.emcon.Load() {
		return
	}

	ids := append([]wire.NodeID{self}, e.dir.Destinations()...)
	if len(ids) > wire.MaxNodeIDs {
		ids = ids[:wire.MaxNodeIDs]
	}
	reply := wire.NewNodeList(ids)
	e.spawn(func(ctx context.Context) {
		e.send(ctx, reply, []wire.NodeID{id})
	})
}

// sendNodeLeave tells the known destinations that we are going away.
func (e *Engine) sendNodeLeave() {
	cfg := e.settings.Load()
	if !cfg.DynamicMulticast || e.emcon.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.LeaveTTL)
	defer cancel()
	e.send(ctx, wire.NewNodeLeave(cfg.NodeID), e.dir.Destinations())
}
