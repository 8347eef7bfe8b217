// Package transport resolves the transport a Service runs on and what it can
// do natively. Implementations live in github.com/drblury/fanout/transport/*.
package transport

import (
	"github.com/drblury/fanout/transport"
)

// Capabilities is an alias for the modular transport Capabilities.
type Capabilities = transport.Capabilities

// GetCapabilities returns the capabilities for a transport by name. Unknown
// names report no native support, so every fallback is used.
func GetCapabilities(transportName string) Capabilities {
	return transport.GetCapabilities(transportName)
}
