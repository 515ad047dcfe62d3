package executor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

// Model is the opaque evaluation function served by pvbridge. It must be a
// pure function of the passed input state: callable repeatedly, no hidden
// mutable state across calls, since it may be invoked from a freshly
// spawned execution context.
//
// The declared input and output names are fixed and introspectable before
// the coordinator starts; Evaluate must return every declared output with
// its declared kind.
type Model interface {
	// InputNames returns the declared input variable names.
	InputNames() []string

	// OutputNames returns the declared output variable names.
	OutputNames() []string

	// Evaluate computes outputs from the full input state (not a delta).
	Evaluate(ctx context.Context, inputs map[string]pvbus.Variable) (map[string]pvbus.Variable, error)
}

// Executor wraps a Model and enforces its contract: every declared output
// must come back with the declared kind and a set value. A violation is
// reported as an error; the coordinator treats any Evaluate error as fatal
// because partial or mistyped output state is unsafe to serve.
type Executor struct {
	model         Model
	declaredKinds map[string]pvbus.Kind // output name -> declared kind
}

// New creates an executor for the given model. declaredInputs and
// declaredOutputs carry the variable declarations so the model's names can
// be checked at startup and output kinds checked against the contract on
// every cycle.
func New(model Model, declaredInputs, declaredOutputs map[string]pvbus.Variable) (*Executor, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}

	// every name the model expects to read must be declared, otherwise the
	// first evaluation would see an input state missing the names it
	// indexes by
	for _, name := range model.InputNames() {
		if _, ok := declaredInputs[name]; !ok {
			return nil, fmt.Errorf("model input '%s' is not declared in the configuration", name)
		}
	}

	kinds := make(map[string]pvbus.Kind, len(declaredOutputs))
	for name, v := range declaredOutputs {
		kinds[name] = v.Kind
	}

	// every name the model claims to produce must be declared
	for _, name := range model.OutputNames() {
		if _, ok := kinds[name]; !ok {
			return nil, fmt.Errorf("model output '%s' is not declared in the configuration", name)
		}
	}

	return &Executor{
		model:         model,
		declaredKinds: kinds,
	}, nil
}

// Evaluate runs the model synchronously and validates the returned outputs
// against the declared contract. The coordinator deliberately offers no
// timeout here: a timed-out-but-still-running evaluation could race a
// subsequent one.
func (x *Executor) Evaluate(ctx context.Context, inputs map[string]pvbus.Variable) (map[string]pvbus.Variable, error) {
	start := time.Now()

	outputs, err := callModel(ctx, x.model, inputs)
	if err != nil {
		return nil, fmt.Errorf("model evaluation failed: %w", err)
	}

	for name, kind := range x.declaredKinds {
		out, ok := outputs[name]
		if !ok {
			return nil, fmt.Errorf("model contract violation: declared output '%s' missing from result", name)
		}
		if out.Value == nil {
			return nil, fmt.Errorf("model contract violation: output '%s' has no value", name)
		}
		if out.Value.Kind != kind {
			return nil, fmt.Errorf("model contract violation: output '%s' is %s, declared %s", name, out.Value.Kind, kind)
		}
		if err := out.Value.Validate(); err != nil {
			return nil, fmt.Errorf("model contract violation: output '%s': %w", name, err)
		}
	}

	log.Printf("[Executor] Model evaluated in %s", time.Since(start))

	return outputs, nil
}

// callModel invokes the model, converting a panic into an ordinary error so
// the coordinator's fatal path runs and the adapters are signalled before
// the process exits.
func callModel(ctx context.Context, m Model, inputs map[string]pvbus.Variable) (outputs map[string]pvbus.Variable, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.Evaluate(ctx, inputs)
}
