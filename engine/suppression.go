// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"sync"
	"time"

	"github.com/destiny/acpchat/wire"
)

// suppressionRecord notes that a peer answered a query of some kind.
type suppressionRecord struct {
	kind       wire.Kind
	topic      string // directory key, empty when the kind is not topic scoped
	receivedAt time.Time
}

// suppressionWindow keeps the answers seen from peers during the last
// horizon. Older records are evicted on every access.
type suppressionWindow struct {
	mu      sync.Mutex
	records []suppressionRecord
}

// observe records an answer received at t.
func (w *suppressionWindow) observe(kind wire.Kind, topic string, t time.Time, horizon time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(t, horizon)
	w.records = append(w.records, suppressionRecord{kind: kind, topic: topic, receivedAt: t})
}

// answeredSince reports whether an answer of kind for topic arrived after t0.
// An empty topic matches any record of kind.
func (w *suppressionWindow) answeredSince(kind wire.Kind, topic string, t0, now time.Time, horizon time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now, horizon)
	for _, r := range w.records {
		if r.kind != kind || !r.receivedAt.After(t0) {
			continue
		}
		if topic == "" || r.topic == topic {
			return true
		}
	}
	return false
}

// len returns the number of live records.
func (w *suppressionWindow) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

// evict drops records older than horizon. Records are kept in arrival order.
func (w *suppressionWindow) evict(now time.Time, horizon time.Duration) {
	i := 0
	for i < len(w.records) && now.Sub(w.records[i].receivedAt) > horizon {
		i++
	}
	if i > 0 {
		w.records = append(w.records[:0], w.records[i:]...)
	}
}
