// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

import "syscall"

// reuseControl is nil where address reuse is not wired up; one node per
// host can bind a group port.
var reuseControl func(network, address string, c syscall.RawConn) error
