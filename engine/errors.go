// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import "errors"

var (
	ErrInvalidConfig         = errors.New("engine: invalid configuration")
	ErrAlreadyRunning        = errors.New("engine: already running")
	ErrNotRunning            = errors.New("engine: not running")
	ErrClosed                = errors.New("engine: closed")
	ErrTopicExists           = errors.New("engine: topic already exists")
	ErrUnknownTopic          = errors.New("engine: unknown topic")
	ErrImmutableTopic        = errors.New("engine: topic cannot be deleted")
	ErrDeletionPending       = errors.New("engine: deletion already pending")
	ErrNotJoined             = errors.New("engine: no active topic")
	ErrStaticMulticast       = errors.New("engine: not available with static multicast groups")
	ErrDynamicTopicsDisabled = errors.New("engine: dynamic topics are disabled")
	ErrEmptyTopic            = errors.New("engine: empty topic name")
	ErrFixedSetting          = errors.New("engine: setting cannot change after construction")
)
