// Package pvbus provides type-safe Go definitions and Redis schema patterns
// for the pvbridge process-variable bus. The bus is the single communication
// surface between the execution coordinator and the protocol adapter
// processes: bounded inbound/outbound queues, the shared busy flag, the
// authoritative state snapshot, and monitoring/control Pub/Sub channels.
//
// All Redis keys and channels are namespaced by instance name to enable
// multiple pvbridge instances to safely coexist on a single Redis server.
package pvbus

import "fmt"

// Kind identifies the payload type of a variable. It is a closed set;
// every switch over Kind must handle all three cases.
type Kind string

const (
	// KindScalar is a single float64 value
	KindScalar Kind = "scalar"

	// KindImage is a 2-D float64 grid with bounding-box metadata
	KindImage Kind = "image"

	// KindArray is a 1-D float64 sequence
	KindArray Kind = "array"
)

// Validate checks if the Kind is a valid enum value.
func (k Kind) Validate() error {
	switch k {
	case KindScalar, KindImage, KindArray:
		return nil
	default:
		return fmt.Errorf("unknown variable kind: %q", k)
	}
}

// Protocol identifies a wire protocol adapter. Each adapter process owns
// exactly one protocol and tags every inbound update with it so the
// coordinator can suppress echoes.
type Protocol string

const (
	// ProtocolCA is the Channel-Access-style protocol
	ProtocolCA Protocol = "ca"

	// ProtocolPVA is the pvAccess-style protocol
	ProtocolPVA Protocol = "pva"
)

// Validate checks if the Protocol is a valid enum value.
func (p Protocol) Validate() error {
	switch p {
	case ProtocolCA, ProtocolPVA:
		return nil
	default:
		return fmt.Errorf("unknown protocol: %q", p)
	}
}

// Routing describes which protocol(s) carry a variable.
type Routing string

const (
	// RoutingCA routes a variable to the Channel Access adapter only
	RoutingCA Routing = "ca"

	// RoutingPVA routes a variable to the pvAccess adapter only
	RoutingPVA Routing = "pva"

	// RoutingBoth routes a variable to every adapter
	RoutingBoth Routing = "both"
)

// Validate checks if the Routing is a valid enum value.
func (r Routing) Validate() error {
	switch r {
	case RoutingCA, RoutingPVA, RoutingBoth:
		return nil
	default:
		return fmt.Errorf("unknown routing: %q", r)
	}
}

// Carries reports whether a variable with this routing is exposed on the
// given protocol.
func (r Routing) Carries(p Protocol) bool {
	return r == RoutingBoth || string(r) == string(p)
}

// Image is a 2-D row-major numeric grid with bounding-box metadata.
// Data holds Rows*Cols values; the bounding box describes the physical
// extent the grid covers and travels with every image update.
type Image struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
	XMin float64   `json:"x_min"`
	XMax float64   `json:"x_max"`
	YMin float64   `json:"y_min"`
	YMax float64   `json:"y_max"`
}

// Validate checks the grid dimensions against the data length.
func (im *Image) Validate() error {
	if im.Rows <= 0 || im.Cols <= 0 {
		return fmt.Errorf("invalid image shape: %dx%d", im.Rows, im.Cols)
	}
	if len(im.Data) != im.Rows*im.Cols {
		return fmt.Errorf("image data length %d does not match shape %dx%d", len(im.Data), im.Rows, im.Cols)
	}
	return nil
}

// Value is the tagged-union payload of a variable. Exactly the field
// matching Kind is meaningful; the others are zero.
type Value struct {
	Kind   Kind      `json:"kind"`
	Scalar float64   `json:"scalar,omitempty"`
	Array  []float64 `json:"array,omitempty"`
	Image  *Image    `json:"image,omitempty"`
}

// ScalarValue constructs a scalar Value.
func ScalarValue(v float64) Value {
	return Value{Kind: KindScalar, Scalar: v}
}

// ArrayValue constructs an array Value.
func ArrayValue(v []float64) Value {
	return Value{Kind: KindArray, Array: v}
}

// ImageValue constructs an image Value.
func ImageValue(im *Image) Value {
	return Value{Kind: KindImage, Image: im}
}

// Validate checks internal consistency of the tagged union.
func (v *Value) Validate() error {
	if err := v.Kind.Validate(); err != nil {
		return err
	}
	switch v.Kind {
	case KindScalar:
		if v.Array != nil || v.Image != nil {
			return fmt.Errorf("scalar value carries non-scalar payload")
		}
	case KindArray:
		if v.Array == nil {
			return fmt.Errorf("array value has no array payload")
		}
		if v.Image != nil {
			return fmt.Errorf("array value carries image payload")
		}
	case KindImage:
		if v.Image == nil {
			return fmt.Errorf("image value has no image payload")
		}
		if v.Array != nil {
			return fmt.Errorf("image value carries array payload")
		}
		if err := v.Image.Validate(); err != nil {
			return fmt.Errorf("invalid image payload: %w", err)
		}
	}
	return nil
}

// Variable is a named, typed process variable exposed to protocol clients.
// Value is nil until first set (cold start); the coordinator will not run
// the model while any input variable's Value is nil.
type Variable struct {
	Name      string      `json:"name"`                // Unique, stable identifier
	Kind      Kind        `json:"kind"`                // scalar, image, or array
	Value     *Value      `json:"value,omitempty"`     // Current value; nil until first set
	Default   *Value      `json:"default,omitempty"`   // Startup value for served inputs
	Range     *[2]float64 `json:"range,omitempty"`     // [lo, hi] valid range (scalar/array only)
	Constant  bool        `json:"constant"`            // Once true, external writes are permanently rejected
	Precision int         `json:"precision,omitempty"` // Display precision
	Units     string      `json:"units,omitempty"`     // Engineering units
}

// Validate checks if the Variable has valid field values.
func (v *Variable) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("variable name cannot be empty")
	}
	if err := v.Kind.Validate(); err != nil {
		return fmt.Errorf("variable %q: %w", v.Name, err)
	}
	if v.Value != nil {
		if err := v.Value.Validate(); err != nil {
			return fmt.Errorf("variable %q value: %w", v.Name, err)
		}
		if v.Value.Kind != v.Kind {
			return fmt.Errorf("variable %q: value kind %q does not match declared kind %q", v.Name, v.Value.Kind, v.Kind)
		}
	}
	if v.Default != nil {
		if err := v.Default.Validate(); err != nil {
			return fmt.Errorf("variable %q default: %w", v.Name, err)
		}
		if v.Default.Kind != v.Kind {
			return fmt.Errorf("variable %q: default kind %q does not match declared kind %q", v.Name, v.Default.Kind, v.Kind)
		}
	}
	if v.Range != nil {
		if v.Kind == KindImage {
			return fmt.Errorf("variable %q: range is not valid for image variables", v.Name)
		}
		if v.Range[0] > v.Range[1] {
			return fmt.Errorf("variable %q: range lo %v exceeds hi %v", v.Name, v.Range[0], v.Range[1])
		}
	}
	return nil
}

// RoutingEntry maps a variable to its external identity: the externally
// visible pvname, which protocol(s) carry it, whether this process serves
// it or mirrors an externally hosted instance, and an optional set of
// sub-field names exposed as separately addressable children.
type RoutingEntry struct {
	PVName   string   `json:"pvname"`           // Externally visible identifier
	Protocol Routing  `json:"protocol"`         // ca, pva, or both
	Serve    bool     `json:"serve"`            // false = mirror of an externally hosted variable
	Fields   []string `json:"fields,omitempty"` // Optional subset of child fields to expose
}

// Validate checks if the RoutingEntry has valid field values.
func (r *RoutingEntry) Validate() error {
	if r.PVName == "" {
		return fmt.Errorf("pvname cannot be empty")
	}
	if err := r.Protocol.Validate(); err != nil {
		return err
	}
	return nil
}

// EventKind distinguishes cross-protocol input syncs from model output
// publishes on the outbound queues.
type EventKind string

const (
	// EventInput carries input variables changed by another adapter
	EventInput EventKind = "input"

	// EventOutput carries model outputs after an evaluation cycle
	EventOutput EventKind = "output"
)

// Validate checks if the EventKind is a valid enum value.
func (k EventKind) Validate() error {
	switch k {
	case EventInput, EventOutput:
		return nil
	default:
		return fmt.Errorf("unknown event kind: %q", k)
	}
}

// InboundUpdate flows from an adapter to the coordinator on the shared
// inbound queue. Messages are immutable once created and consumed exactly
// once by the coordinator.
type InboundUpdate struct {
	Origin  Protocol         `json:"origin"`  // Protocol that received the external write
	Changes map[string]Value `json:"changes"` // variable name -> new value
}

// Validate checks if the InboundUpdate has valid field values.
func (u *InboundUpdate) Validate() error {
	if err := u.Origin.Validate(); err != nil {
		return err
	}
	if len(u.Changes) == 0 {
		return fmt.Errorf("inbound update has no changes")
	}
	for name, val := range u.Changes {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("change %q: %w", name, err)
		}
	}
	return nil
}

// OutboundUpdate flows from the coordinator to one adapter's outbound
// queue. Changes carry full variable snapshots so adapters never need to
// read coordinator state directly.
type OutboundUpdate struct {
	Kind    EventKind           `json:"kind"`
	Changes map[string]Variable `json:"changes"` // variable name -> snapshot
}

// Validate checks if the OutboundUpdate has valid field values.
func (u *OutboundUpdate) Validate() error {
	if err := u.Kind.Validate(); err != nil {
		return err
	}
	if len(u.Changes) == 0 {
		return fmt.Errorf("outbound update has no changes")
	}
	for name, v := range u.Changes {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("change %q: %w", name, err)
		}
	}
	return nil
}

// ControlSignal is the process-wide coordination message on the control
// channel. A fatal signal carries the reason the instance is going down.
type ControlSignal string

const (
	// SignalShutdown requests cooperative shutdown of every component
	SignalShutdown ControlSignal = "shutdown"

	// SignalFatal indicates the coordinator can no longer trust model state
	SignalFatal ControlSignal = "fatal"
)

// ControlMessage is published on the control channel.
type ControlMessage struct {
	Signal ControlSignal `json:"signal"`
	Reason string        `json:"reason,omitempty"`
}
