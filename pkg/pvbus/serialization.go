package pvbus

import (
	"encoding/json"
	"fmt"
)

// Serialization helpers for queue messages and the state snapshot hash.
//
// Queue messages are JSON-encoded whole: they are immutable, consumed
// exactly once, and never queried field-by-field. The state snapshot is a
// Redis hash of variable name -> Variable JSON so individual variables can
// be read without fetching the full state.

// MarshalInbound encodes an InboundUpdate for the inbound queue.
func MarshalInbound(u *InboundUpdate) (string, error) {
	if err := u.Validate(); err != nil {
		return "", fmt.Errorf("invalid inbound update: %w", err)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("failed to marshal inbound update: %w", err)
	}
	return string(data), nil
}

// UnmarshalInbound decodes an InboundUpdate popped from the inbound queue.
func UnmarshalInbound(data string) (*InboundUpdate, error) {
	var u InboundUpdate
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inbound update: %w", err)
	}
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inbound update: %w", err)
	}
	return &u, nil
}

// MarshalOutbound encodes an OutboundUpdate for an adapter's outbound queue.
func MarshalOutbound(u *OutboundUpdate) (string, error) {
	if err := u.Validate(); err != nil {
		return "", fmt.Errorf("invalid outbound update: %w", err)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("failed to marshal outbound update: %w", err)
	}
	return string(data), nil
}

// UnmarshalOutbound decodes an OutboundUpdate popped from an outbound queue.
func UnmarshalOutbound(data string) (*OutboundUpdate, error) {
	var u OutboundUpdate
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outbound update: %w", err)
	}
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("invalid outbound update: %w", err)
	}
	return &u, nil
}

// VariablesToHash converts a variable map to the state snapshot hash format
// (name -> Variable JSON).
func VariablesToHash(vars map[string]Variable) (map[string]interface{}, error) {
	hash := make(map[string]interface{}, len(vars))
	for name, v := range vars {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal variable %q: %w", name, err)
		}
		hash[name] = string(data)
	}
	return hash, nil
}

// HashToVariables converts a state snapshot hash back to a variable map.
func HashToVariables(hash map[string]string) (map[string]Variable, error) {
	vars := make(map[string]Variable, len(hash))
	for name, data := range hash {
		var v Variable
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variable %q: %w", name, err)
		}
		vars[name] = v
	}
	return vars, nil
}
