package pvbus

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to
// enable multiple pvbridge instances to safely coexist on a single Redis
// server.
//
// Key pattern: pvbridge:{instance_name}:{entity}
// Channel pattern: pvbridge:{instance_name}:{event_type}

// InboundQueueKey returns the Redis key for the single shared inbound queue.
// Every adapter pushes normalized update events here; only the coordinator
// pops. Pattern: pvbridge:{instance_name}:inbound
func InboundQueueKey(instanceName string) string {
	return fmt.Sprintf("pvbridge:%s:inbound", instanceName)
}

// OutboundQueueKey returns the Redis key for one adapter's outbound queue.
// Only the coordinator pushes; only the owning adapter pops.
// Pattern: pvbridge:{instance_name}:outbound:{protocol}
func OutboundQueueKey(instanceName string, protocol Protocol) string {
	return fmt.Sprintf("pvbridge:%s:outbound:%s", instanceName, protocol)
}

// BusyKey returns the Redis key for the busy flag. The coordinator sets it
// for the duration of merge + evaluate + publish; adapters only read it.
// Pattern: pvbridge:{instance_name}:busy
func BusyKey(instanceName string) string {
	return fmt.Sprintf("pvbridge:%s:busy", instanceName)
}

// StateKey returns the Redis key for the authoritative state snapshot hash
// (variable name -> Variable JSON). Written by the coordinator after each
// cycle; read by adapters at startup and by the CLI.
// Pattern: pvbridge:{instance_name}:state
func StateKey(instanceName string) string {
	return fmt.Sprintf("pvbridge:%s:state", instanceName)
}

// UpdateEventsChannel returns the Pub/Sub channel carrying a copy of every
// outbound update for real-time monitoring (pvbridge watch).
// Pattern: pvbridge:{instance_name}:update_events
func UpdateEventsChannel(instanceName string) string {
	return fmt.Sprintf("pvbridge:%s:update_events", instanceName)
}

// ControlChannel returns the Pub/Sub channel for shutdown and fatal-error
// signals observed by every component.
// Pattern: pvbridge:{instance_name}:control
func ControlChannel(instanceName string) string {
	return fmt.Sprintf("pvbridge:%s:control", instanceName)
}
