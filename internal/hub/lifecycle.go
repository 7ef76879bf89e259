// Package hub provides agent lifecycle management.
package hub

import "sync/atomic"

// nextTunnelPort hands out sequential ports for dev-server forwarding,
// starting at 3000. Shared across all agents spawned by this hub process.
var nextTunnelPort atomic.Uint32

func init() {
	nextTunnelPort.Store(3000)
}

// allocateTunnelPort returns the next available tunnel port.
func allocateTunnelPort() uint16 {
	return uint16(nextTunnelPort.Add(1) - 1)
}
