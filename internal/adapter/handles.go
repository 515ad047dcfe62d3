package adapter

import (
	"fmt"
	"sort"

	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

// Child field names for decomposable kinds on the ca protocol, in the
// area-detector readback convention. pva serves one structured handle per
// variable and never decomposes.
var (
	imageChildFields = []string{
		"NDimensions_RBV", "Dimensions_RBV",
		"ArraySizeX_RBV", "ArraySizeY_RBV", "ArraySize_RBV",
		"ArrayData_RBV",
		"MinX_RBV", "MinY_RBV", "MaxX_RBV", "MaxY_RBV",
		"ColorMode_RBV",
	}
	arrayChildFields = []string{
		"NDimensions_RBV", "Dimensions_RBV", "ArraySize_RBV", "ArrayData_RBV",
	}
)

// Handle is one protocol-addressable name. A primary handle (Field == "")
// carries the variable's own value; a child handle carries one decomposed
// field of an image or array variable.
type Handle struct {
	Name     string // full protocol-native name
	Variable string // owning variable
	Field    string // child field, "" for the primary handle
}

// HandleSpec is the startup description of one handle: the kind of value it
// carries plus the display metadata protocol clients expect on the record
// (precision, engineering units, control limits). Children other than the
// data payload are shape readbacks and carry no display metadata of their
// own.
type HandleSpec struct {
	Name      string
	Kind      pvbus.Kind
	Precision int
	Units     string
	Range     *[2]float64
}

// HandleSet maps between variable names and the protocol-native handles an
// adapter serves for them. Built once at startup; read-only afterwards.
type HandleSet struct {
	protocol   pvbus.Protocol
	handles    map[string]Handle
	specs      map[string]HandleSpec
	byVariable map[string][]string
}

// BuildHandles constructs the handle set for one protocol from the declared
// variables and their routing. Variables not carried by the protocol are
// skipped. A routing field list restricts which children are exposed;
// naming a field the kind does not have is a configuration error.
func BuildHandles(vars map[string]pvbus.Variable, routing map[string]pvbus.RoutingEntry, protocol pvbus.Protocol) (*HandleSet, error) {
	hs := &HandleSet{
		protocol:   protocol,
		handles:    map[string]Handle{},
		specs:      map[string]HandleSpec{},
		byVariable: map[string][]string{},
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := vars[name]
		entry, ok := routing[name]
		if !ok {
			return nil, fmt.Errorf("variable '%s' has no routing entry", name)
		}
		if !entry.Protocol.Carries(protocol) {
			continue
		}

		fields, err := childFields(v.Kind, protocol, entry.Fields)
		if err != nil {
			return nil, fmt.Errorf("variable '%s': %w", name, err)
		}

		if fields == nil {
			hs.add(Handle{Name: entry.PVName, Variable: name}, v)
			continue
		}
		for _, field := range fields {
			hs.add(Handle{
				Name:     entry.PVName + ":" + field,
				Variable: name,
				Field:    field,
			}, v)
		}
	}

	return hs, nil
}

func (hs *HandleSet) add(h Handle, v pvbus.Variable) {
	hs.handles[h.Name] = h
	hs.byVariable[h.Variable] = append(hs.byVariable[h.Variable], h.Name)
	hs.specs[h.Name] = buildSpec(h, v)
}

// buildSpec derives the startup description for one handle from its owning
// variable. The primary handle and the data payload child inherit the
// variable's display metadata; the remaining children are shape readbacks.
func buildSpec(h Handle, v pvbus.Variable) HandleSpec {
	spec := HandleSpec{Name: h.Name, Kind: v.Kind}
	switch h.Field {
	case "":
		spec.Precision = v.Precision
		spec.Units = v.Units
		spec.Range = v.Range
	case "ArrayData_RBV":
		spec.Kind = pvbus.KindArray
		spec.Precision = v.Precision
		spec.Units = v.Units
		spec.Range = v.Range
	case "Dimensions_RBV":
		spec.Kind = pvbus.KindArray
	default:
		spec.Kind = pvbus.KindScalar
	}
	return spec
}

// childFields returns the child field names to expose, or nil when the
// variable gets a single primary handle.
func childFields(kind pvbus.Kind, protocol pvbus.Protocol, requested []string) ([]string, error) {
	if protocol != pvbus.ProtocolCA {
		return nil, nil
	}

	var all []string
	switch kind {
	case pvbus.KindScalar:
		return nil, nil
	case pvbus.KindImage:
		all = imageChildFields
	case pvbus.KindArray:
		all = arrayChildFields
	}

	if len(requested) == 0 {
		return all, nil
	}
	known := map[string]bool{}
	for _, f := range all {
		known[f] = true
	}
	for _, f := range requested {
		if !known[f] {
			return nil, fmt.Errorf("field '%s' is not valid for kind %s", f, kind)
		}
	}
	return requested, nil
}

// Protocol returns the protocol this handle set serves.
func (hs *HandleSet) Protocol() pvbus.Protocol {
	return hs.protocol
}

// Names returns every handle name in the set, sorted.
func (hs *HandleSet) Names() []string {
	names := make([]string, 0, len(hs.handles))
	for name := range hs.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the startup description of every handle, sorted by name.
// This is what Server.Start receives so protocol records can be created
// with the right type and display metadata.
func (hs *HandleSet) Specs() []HandleSpec {
	specs := make([]HandleSpec, 0, len(hs.specs))
	for _, name := range hs.Names() {
		specs = append(specs, hs.specs[name])
	}
	return specs
}

// Resolve maps a protocol-native handle name back to its Handle.
func (hs *HandleSet) Resolve(name string) (Handle, bool) {
	h, ok := hs.handles[name]
	return h, ok
}

// HandlesFor returns the handle names serving one variable.
func (hs *HandleSet) HandlesFor(variable string) []string {
	return hs.byVariable[variable]
}

// Carries reports whether the set serves any handle for the variable.
func (hs *HandleSet) Carries(variable string) bool {
	return len(hs.byVariable[variable]) > 0
}

// Encode translates one variable snapshot into per-handle values. Returns
// an empty map when the variable has no value yet.
func (hs *HandleSet) Encode(name string, v pvbus.Variable) (map[string]pvbus.Value, error) {
	if v.Value == nil {
		return map[string]pvbus.Value{}, nil
	}

	out := map[string]pvbus.Value{}
	for _, handleName := range hs.byVariable[name] {
		h := hs.handles[handleName]
		if h.Field == "" {
			out[handleName] = *v.Value
			continue
		}
		val, err := childValue(h.Field, v.Value)
		if err != nil {
			return nil, fmt.Errorf("variable '%s' handle '%s': %w", name, handleName, err)
		}
		out[handleName] = val
	}
	return out, nil
}

// childValue computes the decomposed value for one child field.
func childValue(field string, v *pvbus.Value) (pvbus.Value, error) {
	switch v.Kind {
	case pvbus.KindImage:
		im := v.Image
		switch field {
		case "NDimensions_RBV":
			return pvbus.ScalarValue(2), nil
		case "Dimensions_RBV":
			return pvbus.ArrayValue([]float64{float64(im.Cols), float64(im.Rows)}), nil
		case "ArraySizeX_RBV":
			return pvbus.ScalarValue(float64(im.Cols)), nil
		case "ArraySizeY_RBV":
			return pvbus.ScalarValue(float64(im.Rows)), nil
		case "ArraySize_RBV":
			return pvbus.ScalarValue(float64(im.Rows * im.Cols)), nil
		case "ArrayData_RBV":
			return pvbus.ArrayValue(im.Data), nil
		case "MinX_RBV":
			return pvbus.ScalarValue(im.XMin), nil
		case "MinY_RBV":
			return pvbus.ScalarValue(im.YMin), nil
		case "MaxX_RBV":
			return pvbus.ScalarValue(im.XMax), nil
		case "MaxY_RBV":
			return pvbus.ScalarValue(im.YMax), nil
		case "ColorMode_RBV":
			return pvbus.ScalarValue(0), nil
		}
	case pvbus.KindArray:
		switch field {
		case "NDimensions_RBV":
			return pvbus.ScalarValue(1), nil
		case "Dimensions_RBV":
			return pvbus.ArrayValue([]float64{float64(len(v.Array))}), nil
		case "ArraySize_RBV":
			return pvbus.ScalarValue(float64(len(v.Array))), nil
		case "ArrayData_RBV":
			return pvbus.ArrayValue(v.Array), nil
		}
	case pvbus.KindScalar:
		// scalars have no children
	}
	return pvbus.Value{}, fmt.Errorf("field '%s' is not valid for kind %s", field, v.Kind)
}

// DecodeWrite translates an external write on a handle into a full value
// for the owning variable. Primary handles accept a value of the declared
// kind; the ArrayData_RBV child accepts new payload data for the current
// value; every other child is a readback and rejects writes.
func DecodeWrite(h Handle, incoming pvbus.Value, current pvbus.Variable) (pvbus.Value, error) {
	if h.Field == "" {
		if incoming.Kind != current.Kind {
			return pvbus.Value{}, fmt.Errorf("write kind %s does not match declared %s", incoming.Kind, current.Kind)
		}
		return incoming, nil
	}

	if h.Field != "ArrayData_RBV" {
		return pvbus.Value{}, fmt.Errorf("field '%s' is read-only", h.Field)
	}
	if incoming.Kind != pvbus.KindArray {
		return pvbus.Value{}, fmt.Errorf("array data write must be an array, got %s", incoming.Kind)
	}
	if current.Value == nil {
		return pvbus.Value{}, fmt.Errorf("cannot write array data before the variable has a value")
	}

	switch current.Kind {
	case pvbus.KindArray:
		return pvbus.ArrayValue(incoming.Array), nil
	case pvbus.KindImage:
		im := *current.Value.Image
		if len(incoming.Array) != im.Rows*im.Cols {
			return pvbus.Value{}, fmt.Errorf("array data length %d does not match image shape %dx%d", len(incoming.Array), im.Rows, im.Cols)
		}
		im.Data = incoming.Array
		return pvbus.ImageValue(&im), nil
	default:
		return pvbus.Value{}, fmt.Errorf("field '%s' is not valid for kind %s", h.Field, current.Kind)
	}
}
