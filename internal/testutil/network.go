// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testutil provides testing utilities for acpchat packages.
package testutil

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"
)

var portCounter int64 = 27900

// GetUDPPort returns a UDP port that was free when probed.
func GetUDPPort() (int, error) {
	basePort := atomic.AddInt64(&portCounter, 7)

	for i := 0; i < 100; i++ {
		port := int(basePort) + i
		if port > 65535 {
			port = 20000 + (port % 45535)
		}

		if isUDPPortAvailable(port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("no available UDP ports found")
}

// isUDPPortAvailable checks if a UDP port is available
func isUDPPortAvailable(port int) bool {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// MulticastTestAddress returns an administratively scoped group address
// on a free port, skipping the test when none can be found.
func MulticastTestAddress(t testing.TB) string {
	t.Helper()
	port, err := GetUDPPort()
	if err != nil {
		t.Skipf("multicast test: %v", err)
	}
	return fmt.Sprintf("239.255.%d.%d:%d", (port>>8)&0xff, port&0xff, port)
}

// HasMulticastInterface reports whether any interface is up and multicast capable.
func HasMulticastInterface() bool {
	intfs, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, intf := range intfs {
		if intf.Flags&net.FlagUp != 0 && intf.Flags&net.FlagMulticast != 0 {
			return true
		}
	}
	return false
}
