package adapter

import (
	"context"

	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

// Write is an external client write as received by a protocol server,
// addressed by protocol-native handle name.
type Write struct {
	Handle string
	Value  pvbus.Value
}

// Server is the wire-protocol collaborator an adapter engine drives. The
// engine owns all bus traffic and update translation; the server owns the
// protocol library. Implementations must not block Publish on client I/O.
//
// The repo ships SimServer, an in-memory loopback used by tests and by
// --sim mode; production deployments plug a protocol-library-backed server.
type Server interface {
	// Start brings the server online with the given handles. Each spec
	// carries the handle's kind and display metadata (precision, units,
	// range) so records can be created correctly typed.
	Start(ctx context.Context, handles []HandleSpec) error

	// Publish pushes a new value to one handle's subscribers.
	Publish(handle string, value pvbus.Value) error

	// Writes returns the channel of external client writes.
	Writes() <-chan Write

	// Read performs a blocking read of an externally hosted handle. Used
	// only at startup to seed mirrored variables.
	Read(ctx context.Context, handle string) (pvbus.Value, error)

	// Stop shuts the server down and releases protocol resources.
	Stop(ctx context.Context) error
}
