// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/acpchat/wire"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "239.1.1.117:27812", cfg.BroadcastGroup)
	assert.Equal(t, 60*time.Second, cfg.DefaultTTL)
	assert.Equal(t, 3*time.Second, cfg.LeaveTTL)
	assert.Equal(t, time.Second, cfg.MaxResponseDelay)
	assert.Equal(t, 20*time.Second, cfg.InUseWait)
	assert.True(t, cfg.DynamicMulticast)
	assert.True(t, cfg.DynamicTopics)
	assert.False(t, cfg.PersistentGroups)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad group", func(c *Config) { c.BroadcastGroup = "not an address" }},
		{"zero ttl", func(c *Config) { c.DefaultTTL = 0 }},
		{"zero leave ttl", func(c *Config) { c.LeaveTTL = 0 }},
		{"negative delay", func(c *Config) { c.MaxResponseDelay = -time.Millisecond }},
		{"zero in-use wait", func(c *Config) { c.InUseWait = 0 }},
		{"zero beacon interval", func(c *Config) { c.BeaconInterval = 0 }},
		{"zero poll timeout", func(c *Config) { c.PollTimeout = 0 }},
		{"zero in-flight", func(c *Config) { c.MaxInFlight = 0 }},
		{"bad username", func(c *Config) { c.Username = string([]byte{0xff, 0xfe}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	cfg.MaxResponseDelay = 0
	assert.NoError(t, cfg.Validate(), "a zero delay answers immediately")
}

func TestConfigPersistent(t *testing.T) {
	persistent := map[wire.Kind]bool{
		wire.KindNewTopic:           true,
		wire.KindDeleteTopicQuery:   true,
		wire.KindDeleteTopicSuccess: true,
		wire.KindTopicInUse:         true,
		wire.KindSendMessage:        true,
	}

	cfg := DefaultConfig()
	cfg.PersistentGroups = true
	for k := wire.KindGetTopics; k < wire.KindInvalid; k++ {
		assert.Equal(t, persistent[k], cfg.persistent(k), "kind %s", k)
	}

	cfg.DynamicMulticast = false
	for k := wire.KindGetTopics; k < wire.KindInvalid; k++ {
		assert.False(t, cfg.persistent(k), "kind %s with static groups", k)
	}

	cfg = DefaultConfig()
	assert.False(t, cfg.persistent(wire.KindNewTopic))
}

func TestSettingsRejectsInvalidUpdate(t *testing.T) {
	s, err := NewSettings(DefaultConfig())
	require.NoError(t, err)

	cfg, err := s.Update(func(c *Config) { c.MaxResponseDelay = 2 * time.Second })
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.MaxResponseDelay)

	cfg, err = s.Update(func(c *Config) {
		c.MaxResponseDelay = time.Second
		c.InUseWait = -1
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 2*time.Second, cfg.MaxResponseDelay)
	assert.Equal(t, 2*time.Second, s.Load().MaxResponseDelay)
	assert.Equal(t, DefaultInUseWait, s.Load().InUseWait)

	_, err = NewSettings(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSettingsUpdateChecked(t *testing.T) {
	s, err := NewSettings(DefaultConfig())
	require.NoError(t, err)

	refuse := func(old, next Config) error {
		if next.Username != old.Username {
			return errors.New("username is fixed")
		}
		return nil
	}
	_, err = s.UpdateChecked(func(c *Config) { c.Username = "bob" }, refuse)
	assert.EqualError(t, err, "username is fixed")
	assert.Equal(t, DefaultConfig().Username, s.Load().Username)

	cfg, err := s.UpdateChecked(func(c *Config) { c.PersistentGroups = true }, refuse)
	require.NoError(t, err)
	assert.True(t, cfg.PersistentGroups)
}

func TestSettingsConcurrentUpdates(t *testing.T) {
	s, err := NewSettings(DefaultConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(func(c *Config) { c.MaxInFlight++ })
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, DefaultMaxInFlight+50, s.Load().MaxInFlight)
}
