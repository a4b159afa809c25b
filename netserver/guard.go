// File: netserver/guard.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package netserver

import (
	"go.uber.org/atomic"

	"github.com/momentics/phab-native/internal/check"
)

// networkLoop is held by the one network server a process may have.
var networkLoop atomic.Bool

func claimNetworkLoop() {
	check.That(networkLoop.CompareAndSwap(false, true),
		"network event loop already exists in this process")
}

func releaseNetworkLoop() {
	networkLoop.Store(false)
}
