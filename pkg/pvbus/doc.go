// Package pvbus provides type-safe Go definitions and Redis schema patterns
// for the pvbridge process-variable bus.
//
// # Overview
//
// The bus is the only communication surface between the execution
// coordinator and the protocol adapter processes. All cross-process data
// flow is a copy through one of its queues; the single shared scalar is the
// busy flag. No component ever shares mutable state by reference across a
// process boundary.
//
// # Core Concepts
//
// Variables are named, typed values (scalar, image, or array) exposed to
// external protocol clients. The coordinator owns the authoritative mapping
// of name to Variable; adapters hold protocol-native replicas seeded from
// the state snapshot and refreshed by outbound update events.
//
// Inbound updates flow from an adapter to the coordinator when an external
// client writes a process variable. They are tagged with the originating
// protocol so the coordinator never echoes a write back to the adapter that
// produced it.
//
// Outbound updates flow from the coordinator to one adapter: either an
// input sync (a variable changed on another protocol) or a model output
// publish after an evaluation cycle.
//
// The busy flag is set by the coordinator for the duration of merge +
// evaluate + publish. Adapters consult it before enqueueing so a burst of
// external writes coalesces into at most one pending batch per busy period.
//
// # Multi-Instance Support
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so
// multiple pvbridge instances can coexist on a single Redis server.
//
// # Usage Example
//
//	import "github.com/cmalloy/pvbridge/pkg/pvbus"
//
//	client, err := pvbus.NewClient(&redis.Options{Addr: "localhost:6379"}, "default-1")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Adapter side: forward an external write to the coordinator.
//	err = client.PushInbound(ctx, &pvbus.InboundUpdate{
//		Origin:  pvbus.ProtocolCA,
//		Changes: map[string]pvbus.Value{"x": pvbus.ScalarValue(5)},
//	})
//
//	// Coordinator side: wait for the next batch with a bounded timeout.
//	update, err := client.PopInbound(ctx, 500*time.Millisecond)
//	if pvbus.IsNotFound(err) {
//		// queue idle, not an error
//	}
//
// # Redis Schema
//
// Queues (lists):
//
//	pvbridge:{instance_name}:inbound
//	pvbridge:{instance_name}:outbound:{protocol}
//
// Scalars and snapshots:
//
//	pvbridge:{instance_name}:busy
//	pvbridge:{instance_name}:state
//
// Pub/Sub channels:
//
//	pvbridge:{instance_name}:update_events
//	pvbridge:{instance_name}:control
//
// # Design Principles
//
//   - Type safety: closed enums for kind, protocol, routing, and event kind
//     with validation methods and exhaustive switches
//   - Immutability: queue messages are never mutated after creation and are
//     consumed exactly once
//   - Single writer: only the coordinator mutates the state snapshot and
//     the busy flag
//   - Isolation: instance namespacing prevents cross-instance interference
package pvbus
