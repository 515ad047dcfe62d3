package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

// BridgeConfig represents the top-level pvbridge.yml configuration: which
// model to serve, the declared input/output variables, and one routing
// entry per variable describing its external identity.
type BridgeConfig struct {
	Version  string                  `yaml:"version"`
	Model    string                  `yaml:"model"`
	Redis    string                  `yaml:"redis,omitempty"`    // Optional Redis URL override
	Instance string                  `yaml:"instance,omitempty"` // Optional default instance name
	Inputs   map[string]VariableSpec `yaml:"inputs"`
	Outputs  map[string]VariableSpec `yaml:"outputs"`
	Routing  map[string]RoutingSpec  `yaml:"routing"`
}

// VariableSpec declares one model variable.
type VariableSpec struct {
	Kind         string     `yaml:"kind"`                    // scalar, image, or array
	Default      *float64   `yaml:"default,omitempty"`       // Scalar startup value
	ArrayDefault []float64  `yaml:"array_default,omitempty"` // Array startup value
	ImageDefault *ImageSpec `yaml:"image_default,omitempty"` // Image startup value
	Range        []float64  `yaml:"range,omitempty"`         // [lo, hi], scalar/array only
	Constant     bool       `yaml:"constant,omitempty"`      // Reject external writes permanently
	Precision    int        `yaml:"precision,omitempty"`
	Units        string     `yaml:"units,omitempty"`
}

// ImageSpec declares an image variable's startup grid: a fill value over a
// fixed shape plus the physical bounding box.
type ImageSpec struct {
	Rows int     `yaml:"rows"`
	Cols int     `yaml:"cols"`
	Fill float64 `yaml:"fill,omitempty"`
	XMin float64 `yaml:"x_min,omitempty"`
	XMax float64 `yaml:"x_max,omitempty"`
	YMin float64 `yaml:"y_min,omitempty"`
	YMax float64 `yaml:"y_max,omitempty"`
}

// RoutingSpec declares the external identity of one variable.
type RoutingSpec struct {
	PVName   string   `yaml:"pvname"`
	Protocol string   `yaml:"protocol"`         // ca, pva, or both
	Serve    *bool    `yaml:"serve,omitempty"`  // Default true; false = mirror an external PV
	Fields   []string `yaml:"fields,omitempty"` // Optional subset of child fields to expose
}

// Validate performs strict validation on the configuration.
func (c *BridgeConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Model == "" {
		return fmt.Errorf("model is required")
	}

	if len(c.Inputs) == 0 {
		return fmt.Errorf("no input variables defined")
	}

	if len(c.Outputs) == 0 {
		return fmt.Errorf("no output variables defined")
	}

	for name, spec := range c.Inputs {
		if _, dup := c.Outputs[name]; dup {
			return fmt.Errorf("variable '%s' declared as both input and output", name)
		}
		if err := spec.Validate(name); err != nil {
			return err
		}
	}

	for name, spec := range c.Outputs {
		if err := spec.Validate(name); err != nil {
			return err
		}
		if spec.Constant {
			return fmt.Errorf("output '%s': constant is only meaningful for inputs", name)
		}
	}

	// Every variable referenced by the model must have exactly one routing
	// entry, and every routing entry must refer to a declared variable.
	for name := range c.Routing {
		_, isInput := c.Inputs[name]
		_, isOutput := c.Outputs[name]
		if !isInput && !isOutput {
			return fmt.Errorf("routing entry '%s' does not match any declared variable", name)
		}
	}

	pvnames := make(map[string]string) // pvname -> variable name
	for _, name := range c.VariableNames() {
		route, ok := c.Routing[name]
		if !ok {
			return fmt.Errorf("variable '%s' has no routing entry", name)
		}
		if err := route.Validate(name); err != nil {
			return err
		}
		if existing, dup := pvnames[route.PVName]; dup {
			return fmt.Errorf("duplicate pvname '%s' (variables '%s' and '%s')", route.PVName, existing, name)
		}
		pvnames[route.PVName] = name

		if _, isOutput := c.Outputs[name]; isOutput && route.Serve != nil && !*route.Serve {
			return fmt.Errorf("output '%s': serve=false is only valid for inputs (mirrored variables are authoritative inputs)", name)
		}

		if len(route.Fields) > 0 {
			spec := c.variableSpec(name)
			if spec.Kind == string(pvbus.KindScalar) {
				return fmt.Errorf("routing entry '%s': fields are only valid for image and array variables", name)
			}
		}
	}

	return nil
}

// Validate performs validation on a single variable declaration.
func (s *VariableSpec) Validate(name string) error {
	kind := pvbus.Kind(s.Kind)
	if err := kind.Validate(); err != nil {
		return fmt.Errorf("variable '%s': %w", name, err)
	}

	defaults := 0
	if s.Default != nil {
		if kind != pvbus.KindScalar {
			return fmt.Errorf("variable '%s': default is for scalar variables (use array_default or image_default)", name)
		}
		defaults++
	}
	if s.ArrayDefault != nil {
		if kind != pvbus.KindArray {
			return fmt.Errorf("variable '%s': array_default requires kind array", name)
		}
		defaults++
	}
	if s.ImageDefault != nil {
		if kind != pvbus.KindImage {
			return fmt.Errorf("variable '%s': image_default requires kind image", name)
		}
		if s.ImageDefault.Rows <= 0 || s.ImageDefault.Cols <= 0 {
			return fmt.Errorf("variable '%s': image_default shape must be positive, got %dx%d", name, s.ImageDefault.Rows, s.ImageDefault.Cols)
		}
		defaults++
	}
	if defaults > 1 {
		return fmt.Errorf("variable '%s': multiple defaults declared", name)
	}

	if s.Constant && defaults == 0 {
		return fmt.Errorf("variable '%s': constant variables require a default (their value is fixed at startup)", name)
	}

	if s.Range != nil {
		if kind == pvbus.KindImage {
			return fmt.Errorf("variable '%s': range is not valid for image variables", name)
		}
		if len(s.Range) != 2 {
			return fmt.Errorf("variable '%s': range must be [lo, hi], got %d values", name, len(s.Range))
		}
		if s.Range[0] > s.Range[1] {
			return fmt.Errorf("variable '%s': range lo %v exceeds hi %v", name, s.Range[0], s.Range[1])
		}
	}

	return nil
}

// Validate performs validation on a single routing entry.
func (r *RoutingSpec) Validate(name string) error {
	if r.PVName == "" {
		return fmt.Errorf("routing entry '%s': pvname is required", name)
	}
	if err := pvbus.Routing(r.Protocol).Validate(); err != nil {
		return fmt.Errorf("routing entry '%s': %w", name, err)
	}
	return nil
}

// variableSpec looks a declared variable up in either map. Only valid after
// Validate has confirmed the name exists.
func (c *BridgeConfig) variableSpec(name string) VariableSpec {
	if spec, ok := c.Inputs[name]; ok {
		return spec
	}
	return c.Outputs[name]
}

// VariableNames returns all declared variable names, inputs first, each
// group sorted for deterministic iteration.
func (c *BridgeConfig) VariableNames() []string {
	inputs := make([]string, 0, len(c.Inputs))
	for name := range c.Inputs {
		inputs = append(inputs, name)
	}
	sort.Strings(inputs)

	outputs := make([]string, 0, len(c.Outputs))
	for name := range c.Outputs {
		outputs = append(outputs, name)
	}
	sort.Strings(outputs)

	return append(inputs, outputs...)
}

// buildVariable converts one declaration to a bus variable. Values stay nil
// until the coordinator or an adapter seeds them.
func buildVariable(name string, spec VariableSpec) pvbus.Variable {
	v := pvbus.Variable{
		Name:      name,
		Kind:      pvbus.Kind(spec.Kind),
		Constant:  spec.Constant,
		Precision: spec.Precision,
		Units:     spec.Units,
	}

	switch {
	case spec.Default != nil:
		d := pvbus.ScalarValue(*spec.Default)
		v.Default = &d
	case spec.ArrayDefault != nil:
		d := pvbus.ArrayValue(spec.ArrayDefault)
		v.Default = &d
	case spec.ImageDefault != nil:
		data := make([]float64, spec.ImageDefault.Rows*spec.ImageDefault.Cols)
		for i := range data {
			data[i] = spec.ImageDefault.Fill
		}
		d := pvbus.ImageValue(&pvbus.Image{
			Rows: spec.ImageDefault.Rows,
			Cols: spec.ImageDefault.Cols,
			Data: data,
			XMin: spec.ImageDefault.XMin,
			XMax: spec.ImageDefault.XMax,
			YMin: spec.ImageDefault.YMin,
			YMax: spec.ImageDefault.YMax,
		})
		v.Default = &d
	}

	if spec.Range != nil {
		v.Range = &[2]float64{spec.Range[0], spec.Range[1]}
	}

	return v
}

// BuildVariables converts the declarations into bus variables.
func (c *BridgeConfig) BuildVariables() (inputs, outputs map[string]pvbus.Variable) {
	inputs = make(map[string]pvbus.Variable, len(c.Inputs))
	for name, spec := range c.Inputs {
		inputs[name] = buildVariable(name, spec)
	}
	outputs = make(map[string]pvbus.Variable, len(c.Outputs))
	for name, spec := range c.Outputs {
		outputs[name] = buildVariable(name, spec)
	}
	return inputs, outputs
}

// BuildRouting converts the routing declarations into bus routing entries.
// Serve defaults to true when omitted.
func (c *BridgeConfig) BuildRouting() map[string]pvbus.RoutingEntry {
	routing := make(map[string]pvbus.RoutingEntry, len(c.Routing))
	for name, spec := range c.Routing {
		serve := true
		if spec.Serve != nil {
			serve = *spec.Serve
		}
		routing[name] = pvbus.RoutingEntry{
			PVName:   spec.PVName,
			Protocol: pvbus.Routing(spec.Protocol),
			Serve:    serve,
			Fields:   spec.Fields,
		}
	}
	return routing
}

// Load reads and validates pvbridge.yml from the specified path.
func Load(path string) (*BridgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config BridgeConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
