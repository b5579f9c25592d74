// Package bridge relays gateway events between gateway instances so a
// harness connected to one instance sees events published on another.
package bridge

import "github.com/orchestra-mcp/wsharness/src/types"

// Bridge defines the interface for cross-instance event broadcasting.
type Bridge interface {
	// Publish sends an event to all other instances via the bridge.
	Publish(ev types.ServerEvent) error

	// Start begins listening for events from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// BroadcastTarget is implemented by the gateway hub to receive events
// from the bridge.
type BroadcastTarget interface {
	BroadcastToLocal(ev types.ServerEvent)
}
