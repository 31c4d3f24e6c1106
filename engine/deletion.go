// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"sync"
	"time"

	"github.com/destiny/acpchat/directory"
)

type deletionState int

const (
	deletionPending   deletionState = iota // waiting for a veto
	deletionVetoed                         // a peer answered TopicInUse
	deletionConfirmed                      // another node committed the same deletion
)

func (s deletionState) String() string {
	switch s {
	case deletionPending:
		return "pending"
	case deletionVetoed:
		return "vetoed"
	case deletionConfirmed:
		return "confirmed"
	}
	return "unknown"
}

// pendingDeletion is a local deletion waiting for its deadline.
type pendingDeletion struct {
	topic    directory.Topic // snapshot taken when the topic was removed
	deadline time.Time
	state    deletionState
}

// deletionSet tracks pending deletions by directory key.
type deletionSet struct {
	mu sync.Mutex
	m  map[string]*pendingDeletion
}

func newDeletionSet() *deletionSet {
	return &deletionSet{m: make(map[string]*pendingDeletion)}
}

// start registers a deletion. It fails if one is already in progress.
func (s *deletionSet) start(key string, topic directory.Topic, deadline time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; ok {
		return false
	}
	s.m[key] = &pendingDeletion{topic: topic, deadline: deadline}
	return true
}

// transition moves a pending deletion to state. Late vetoes and
// confirmations of resolved deletions are ignored.
func (s *deletionSet) transition(key string, state deletionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.m[key]
	if !ok || d.state != deletionPending {
		return false
	}
	d.state = state
	return true
}

func (s *deletionSet) veto(key string) bool { return s.transition(key, deletionVetoed) }

func (s *deletionSet) confirm(key string) bool { return s.transition(key, deletionConfirmed) }

// blocksMerge reports whether gossip must not re-add the topic.
// Vetoed deletions are rolled back anyway, so they do not block.
func (s *deletionSet) blocksMerge(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.m[key]
	return ok && d.state != deletionVetoed
}

// contains reports whether key has an unresolved deletion.
func (s *deletionSet) contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[key]
	return ok
}

// deadline returns when the deletion of key resolves.
func (s *deletionSet) deadline(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.m[key]
	if !ok {
		return time.Time{}, false
	}
	return d.deadline, true
}

// finish removes and returns the deletion for key.
func (s *deletionSet) finish(key string) (pendingDeletion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.m[key]
	if !ok {
		return pendingDeletion{}, false
	}
	delete(s.m, key)
	return *d, true
}
