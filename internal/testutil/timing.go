// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"testing"
	"time"
)

// TestTimeoutContext creates a context with timeout for testing
func TestTimeoutContext(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// WaitWithTimeout waits for a condition with timeout
func WaitWithTimeout(t testing.TB, condition func() bool, timeout time.Duration, checkInterval time.Duration) {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-deadline.C:
			t.Fatalf("Timeout waiting for condition after %v", timeout)
		case <-ticker.C:
		}
	}
}

// Never asserts that condition stays false for the whole duration.
func Never(t testing.TB, condition func() bool, duration time.Duration, checkInterval time.Duration) {
	t.Helper()

	end := time.Now().Add(duration)
	for time.Now().Before(end) {
		if condition() {
			t.Fatalf("condition became true within %v", duration)
		}
		time.Sleep(checkInterval)
	}
}
