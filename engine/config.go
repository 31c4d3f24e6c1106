// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/destiny/acpchat/wire"
)

// Defaults
const (
	DefaultBroadcastGroup   = "239.1.1.117:27812"
	DefaultTTL              = 60 * time.Second
	DefaultLeaveTTL         = 3 * time.Second
	DefaultMaxResponseDelay = 1000 * time.Millisecond
	DefaultInUseWait        = 20 * time.Second
	DefaultBeaconInterval   = 2 * time.Second
	DefaultPollTimeout      = 500 * time.Millisecond
	DefaultMaxInFlight      = 128
)

// Config holds the tunables of an Engine. The zero NodeID asks the engine
// to pick a random one.
type Config struct {
	NodeID           wire.NodeID   // Local node id, 0 picks a random one
	Username         string        // Name announced when joining topics
	BroadcastGroup   string        // Discovery group as host:port
	DefaultTTL       time.Duration // Expiry of ordinary messages
	LeaveTTL         time.Duration // Expiry of the NodeLeave sent on shutdown
	MaxResponseDelay time.Duration // Upper bound of the delayed send window
	InUseWait        time.Duration // How long a deletion waits for a veto
	BeaconInterval   time.Duration // Discovery beacon period
	PollTimeout      time.Duration // Receive poll deadline
	DynamicMulticast bool          // Directory traffic and discovery enabled
	DynamicTopics    bool          // Topics may be created and deleted at runtime
	PersistentGroups bool          // Ask the transport to keep groups alive
	MaxInFlight      int           // Bound on concurrently running tasks, fixed at construction
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Username:         "anonymous",
		BroadcastGroup:   DefaultBroadcastGroup,
		DefaultTTL:       DefaultTTL,
		LeaveTTL:         DefaultLeaveTTL,
		MaxResponseDelay: DefaultMaxResponseDelay,
		InUseWait:        DefaultInUseWait,
		BeaconInterval:   DefaultBeaconInterval,
		PollTimeout:      DefaultPollTimeout,
		DynamicMulticast: true,
		DynamicTopics:    true,
		PersistentGroups: false,
		MaxInFlight:      DefaultMaxInFlight,
	}
}

// Validate checks c and returns an error wrapping ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	if _, err := net.ResolveUDPAddr("udp4", c.BroadcastGroup); err != nil {
		errs = append(errs, fmt.Errorf("broadcast group %q: %w", c.BroadcastGroup, err))
	}
	if !utf8.ValidString(c.Username) {
		errs = append(errs, errors.New("username is not valid UTF-8"))
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"default TTL", c.DefaultTTL},
		{"leave TTL", c.LeaveTTL},
		{"in-use wait", c.InUseWait},
		{"beacon interval", c.BeaconInterval},
		{"poll timeout", c.PollTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", p.name, p.d))
		}
	}
	if c.MaxResponseDelay < 0 {
		errs = append(errs, fmt.Errorf("max response delay must not be negative, got %v", c.MaxResponseDelay))
	}
	if c.MaxInFlight <= 0 {
		errs = append(errs, fmt.Errorf("max in-flight must be positive, got %d", c.MaxInFlight))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// persistent reports whether messages of kind k ask for persistent groups.
func (c Config) persistent(k wire.Kind) bool {
	switch k {
	case wire.KindNewTopic, wire.KindDeleteTopicQuery, wire.KindDeleteTopicSuccess,
		wire.KindTopicInUse, wire.KindSendMessage:
		return c.DynamicMulticast && c.PersistentGroups
	}
	return false
}

// Settings holds the live configuration. Readers always see a complete,
// valid Config; updates that fail validation leave it unchanged.
type Settings struct {
	cur atomic.Pointer[Config]
}

// NewSettings validates cfg and wraps it.
func NewSettings(cfg Config) (*Settings, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Settings{}
	s.cur.Store(&cfg)
	return s, nil
}

// Load returns the current configuration.
func (s *Settings) Load() Config {
	return *s.cur.Load()
}

// Update applies fn to a copy of the current configuration and installs
// the result if it is valid. It returns the configuration in effect.
func (s *Settings) Update(fn func(*Config)) (Config, error) {
	return s.UpdateChecked(fn, nil)
}

// UpdateChecked is Update with an extra check comparing the candidate
// configuration to the one it replaces. check may be nil.
func (s *Settings) UpdateChecked(fn func(*Config), check func(old, next Config) error) (Config, error) {
	for {
		old := s.cur.Load()
		next := *old
		fn(&next)
		if err := next.Validate(); err != nil {
			return *old, err
		}
		if check != nil {
			if err := check(*old, next); err != nil {
				return *old, err
			}
		}
		if s.cur.CompareAndSwap(old, &next) {
			return next, nil
		}
	}
}
