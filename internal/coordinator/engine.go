package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cmalloy/pvbridge/internal/executor"
	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

// popTimeout bounds the blocking read on the inbound queue so shutdown
// signals are observed promptly.
const popTimeout = 1 * time.Second

// Engine is the execution coordinator: the single owner and sole mutator of
// the authoritative variable state. It drains the shared inbound queue,
// merges adapter writes, runs the model, and fans results out to the
// per-adapter outbound queues.
//
// Cycle: Idle -> Draining -> Evaluating -> Publishing -> Idle. The busy flag
// on the bus is set for the whole merge+evaluate+publish span so adapters
// coalesce write bursts into at most one pending batch.
type Engine struct {
	client  *pvbus.Client
	exec    *executor.Executor
	inputs  map[string]pvbus.Variable
	outputs map[string]pvbus.Variable
	routing map[string]pvbus.RoutingEntry

	coldStart bool
}

// NewEngine creates a coordinator engine. The engine takes ownership of the
// inputs/outputs maps; nothing else may mutate them after this call.
func NewEngine(client *pvbus.Client, exec *executor.Executor, inputs, outputs map[string]pvbus.Variable, routing map[string]pvbus.RoutingEntry) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("bus client cannot be nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("at least one input variable is required")
	}

	for name := range inputs {
		if _, ok := routing[name]; !ok {
			return nil, fmt.Errorf("input '%s' has no routing entry", name)
		}
	}
	for name := range outputs {
		if _, ok := routing[name]; !ok {
			return nil, fmt.Errorf("output '%s' has no routing entry", name)
		}
	}

	// Seed declared defaults. Inputs without a default stay unknown until
	// an adapter writes them (mirrored inputs arrive via the adapter's
	// startup read), which is what the cold-start gate waits for.
	for name, v := range inputs {
		if v.Value == nil && v.Default != nil {
			d := *v.Default
			v.Value = &d
			inputs[name] = v
		}
	}

	return &Engine{
		client:    client,
		exec:      exec,
		inputs:    inputs,
		outputs:   outputs,
		routing:   routing,
		coldStart: true,
	}, nil
}

// Run executes the coordinator event loop until the context is cancelled, a
// shutdown signal arrives on the control channel, or a fatal model error
// occurs. A fatal error is published on the control channel before Run
// returns it, so adapters tear down together with the coordinator.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("[Coordinator] Starting for instance '%s'", e.client.InstanceName())

	ctrl, err := e.client.SubscribeControl(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to control channel: %w", err)
	}
	defer ctrl.Close()

	// Seed the snapshot with the declared variable set so readers see the
	// full shape before the first evaluation.
	if err := e.writeSnapshot(ctx, e.inputs, e.outputs); err != nil {
		return fmt.Errorf("failed to seed state snapshot: %w", err)
	}

	// If every input is already known from defaults, evaluate once up front
	// so outputs are served from the first moment.
	if len(e.missingInputs()) == 0 {
		e.coldStart = false
		log.Printf("[Coordinator] All inputs known at startup, running initial evaluation")
		if err := e.initialEvaluation(ctx); err != nil {
			return e.fatal(ctx, err)
		}
	}

	log.Printf("[Coordinator] Waiting for input updates (%d inputs, %d outputs)", len(e.inputs), len(e.outputs))

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Coordinator] Shutting down...")
			return nil
		case msg, ok := <-ctrl.Events():
			if ok && msg.Signal == pvbus.SignalShutdown {
				log.Printf("[Coordinator] Shutdown signal received: %s", msg.Reason)
				return nil
			}
		default:
		}

		first, err := e.client.PopInbound(ctx, popTimeout)
		if err != nil {
			if pvbus.IsNotFound(err) {
				continue // idle, not an error
			}
			if ctx.Err() != nil {
				log.Printf("[Coordinator] Shutting down...")
				return nil
			}
			return fmt.Errorf("failed to read inbound queue: %w", err)
		}

		if err := e.cycle(ctx, first); err != nil {
			return e.fatal(ctx, err)
		}
	}
}

// fatal publishes the fatal control signal so all adapters tear down with
// the coordinator, then passes the error through.
func (e *Engine) fatal(ctx context.Context, err error) error {
	reason := err.Error()
	log.Printf("[Coordinator] FATAL: %s", reason)
	if pubErr := e.client.PublishControl(ctx, &pvbus.ControlMessage{
		Signal: pvbus.SignalFatal,
		Reason: reason,
	}); pubErr != nil {
		log.Printf("[Coordinator] Failed to publish fatal signal: %v", pubErr)
	}
	return err
}

// initialEvaluation runs one evaluate + publish pass with no inbound
// trigger, under the busy flag like any other cycle.
func (e *Engine) initialEvaluation(ctx context.Context) error {
	if err := e.client.SetBusy(ctx); err != nil {
		return err
	}
	defer func() {
		if err := e.client.ClearBusy(ctx); err != nil {
			log.Printf("[Coordinator] Failed to clear busy flag: %v", err)
		}
	}()
	return e.evaluateAndPublish(ctx)
}

// cycle runs one merge + evaluate + publish pass starting from the first
// dequeued update. Any error returned here is fatal for the instance.
func (e *Engine) cycle(ctx context.Context, first *pvbus.InboundUpdate) error {
	if err := e.client.SetBusy(ctx); err != nil {
		return err
	}
	defer func() {
		if err := e.client.ClearBusy(ctx); err != nil {
			log.Printf("[Coordinator] Failed to clear busy flag: %v", err)
		}
	}()

	// Draining: fold the settled burst into one batch. changed maps each
	// mutated input name to the protocol that last wrote it, which is what
	// exact echo suppression needs.
	changed := map[string]pvbus.Protocol{}
	e.applyUpdate(first, changed)

	for i := 0; i < pvbus.MaxQueueDepth; i++ {
		update, err := e.client.TryPopInbound(ctx)
		if err != nil {
			if pvbus.IsNotFound(err) {
				break
			}
			return fmt.Errorf("failed to drain inbound queue: %w", err)
		}
		e.applyUpdate(update, changed)
	}

	if len(changed) == 0 {
		// every write in the batch was rejected
		return nil
	}

	changedVars := make(map[string]pvbus.Variable, len(changed))
	for name := range changed {
		changedVars[name] = e.inputs[name]
	}
	if err := e.client.WriteVariables(ctx, changedVars); err != nil {
		return fmt.Errorf("failed to write input snapshot: %w", err)
	}

	e.syncInputs(ctx, changed)

	// Initialization gate: never evaluate with partially-known inputs.
	if e.coldStart {
		if missing := e.missingInputs(); len(missing) > 0 {
			e.logEvent("cold_start_gate", map[string]interface{}{
				"missing_inputs": missing,
			})
			return nil
		}
		e.coldStart = false
		log.Printf("[Coordinator] All inputs known, evaluation enabled")
	}

	return e.evaluateAndPublish(ctx)
}

// evaluateAndPublish runs the model on the full input state, merges its
// outputs, snapshots, and fans the Output events out. Any error is fatal.
func (e *Engine) evaluateAndPublish(ctx context.Context) error {
	// Evaluating: synchronous, no timeout. The model gets a copy of the
	// full input state, never a reference into the authoritative maps.
	results, err := e.exec.Evaluate(ctx, copyVariables(e.inputs))
	if err != nil {
		// authoritative output state stays untouched
		return err
	}

	// Publishing: merge outputs, snapshot, fan out.
	for name, result := range results {
		declared := e.outputs[name]
		declared.Value = result.Value
		e.outputs[name] = declared
	}
	if err := e.client.WriteVariables(ctx, e.outputs); err != nil {
		return fmt.Errorf("failed to write output snapshot: %w", err)
	}
	e.publishOutputs(ctx)

	return nil
}

// applyUpdate merges one inbound update into the authoritative input state,
// recording which names actually changed and which protocol changed them.
// Rejected writes are logged and dropped; they never fail the cycle.
func (e *Engine) applyUpdate(update *pvbus.InboundUpdate, changed map[string]pvbus.Protocol) {
	for name, value := range update.Changes {
		current, ok := e.inputs[name]
		if !ok {
			reason := "unknown variable"
			if _, isOutput := e.outputs[name]; isOutput {
				reason = "write targets an output variable"
			}
			e.logEvent("write_rejected", map[string]interface{}{
				"variable": name,
				"origin":   string(update.Origin),
				"reason":   reason,
			})
			continue
		}
		if current.Constant {
			e.logEvent("write_rejected", map[string]interface{}{
				"variable": name,
				"origin":   string(update.Origin),
				"reason":   "variable is constant",
			})
			continue
		}
		if value.Kind != current.Kind {
			e.logEvent("write_rejected", map[string]interface{}{
				"variable": name,
				"origin":   string(update.Origin),
				"reason":   fmt.Sprintf("kind %s does not match declared %s", value.Kind, current.Kind),
			})
			continue
		}

		if current.Value != nil && valueEqual(current.Value, &value) {
			continue // no actual change, nothing to sync or evaluate
		}

		v := value
		current.Value = &v
		e.inputs[name] = current
		changed[name] = update.Origin
	}
}

// syncInputs enqueues Input events to every adapter that carries a changed
// variable and did not originate its write. Queue-full is logged and the
// event dropped; the next evaluation cycle re-publishes current values.
func (e *Engine) syncInputs(ctx context.Context, changed map[string]pvbus.Protocol) {
	for _, target := range []pvbus.Protocol{pvbus.ProtocolCA, pvbus.ProtocolPVA} {
		batch := map[string]pvbus.Variable{}
		names := []string{}
		for name, origin := range changed {
			if origin == target {
				continue // echo suppression
			}
			if !e.routing[name].Protocol.Carries(target) {
				continue
			}
			batch[name] = e.inputs[name]
			names = append(names, name)
		}
		if len(batch) == 0 {
			continue
		}

		err := e.client.PushOutbound(ctx, target, &pvbus.OutboundUpdate{
			Kind:    pvbus.EventInput,
			Changes: batch,
		})
		if err != nil {
			if errors.Is(err, pvbus.ErrQueueFull) {
				e.logEvent("outbound_dropped", map[string]interface{}{
					"target": string(target),
					"kind":   string(pvbus.EventInput),
					"names":  names,
				})
				continue
			}
			log.Printf("[Coordinator] Failed to push input sync to %s: %v", target, err)
			continue
		}
		e.notify(ctx, target, pvbus.EventInput, names)
	}
}

// publishOutputs enqueues an Output event per adapter with the subset of
// output variables its protocol carries. All outputs are re-published every
// cycle, which bounds the staleness left by any dropped event.
func (e *Engine) publishOutputs(ctx context.Context) {
	for _, target := range []pvbus.Protocol{pvbus.ProtocolCA, pvbus.ProtocolPVA} {
		batch := map[string]pvbus.Variable{}
		names := []string{}
		for name, v := range e.outputs {
			if !e.routing[name].Protocol.Carries(target) {
				continue
			}
			batch[name] = v
			names = append(names, name)
		}
		if len(batch) == 0 {
			continue
		}

		err := e.client.PushOutbound(ctx, target, &pvbus.OutboundUpdate{
			Kind:    pvbus.EventOutput,
			Changes: batch,
		})
		if err != nil {
			if errors.Is(err, pvbus.ErrQueueFull) {
				e.logEvent("outbound_dropped", map[string]interface{}{
					"target": string(target),
					"kind":   string(pvbus.EventOutput),
					"names":  names,
				})
				continue
			}
			log.Printf("[Coordinator] Failed to push outputs to %s: %v", target, err)
			continue
		}
		e.notify(ctx, target, pvbus.EventOutput, names)
	}
}

// notify publishes the monitoring copy of an outbound update. Monitoring is
// best-effort; failures are logged and ignored.
func (e *Engine) notify(ctx context.Context, target pvbus.Protocol, kind pvbus.EventKind, names []string) {
	err := e.client.PublishUpdateNotice(ctx, &pvbus.UpdateNotice{
		Target: target,
		Kind:   kind,
		Names:  names,
		AtMs:   time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[Coordinator] Failed to publish update notice: %v", err)
	}
}

// missingInputs returns the input names that still have no value.
func (e *Engine) missingInputs() []string {
	var missing []string
	for name, v := range e.inputs {
		if v.Value == nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// writeSnapshot writes both variable maps into the state hash.
func (e *Engine) writeSnapshot(ctx context.Context, maps ...map[string]pvbus.Variable) error {
	all := map[string]pvbus.Variable{}
	for _, m := range maps {
		for name, v := range m {
			all[name] = v
		}
	}
	return e.client.WriteVariables(ctx, all)
}

// copyVariables deep-copies a variable map so the model cannot alias the
// authoritative state.
func copyVariables(vars map[string]pvbus.Variable) map[string]pvbus.Variable {
	out := make(map[string]pvbus.Variable, len(vars))
	for name, v := range vars {
		if v.Value != nil {
			val := *v.Value
			if val.Array != nil {
				val.Array = append([]float64(nil), val.Array...)
			}
			if val.Image != nil {
				img := *val.Image
				img.Data = append([]float64(nil), img.Data...)
				val.Image = &img
			}
			v.Value = &val
		}
		out[name] = v
	}
	return out
}

// valueEqual compares two values of the same kind.
func valueEqual(a, b *pvbus.Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case pvbus.KindScalar:
		return a.Scalar == b.Scalar
	case pvbus.KindArray:
		return floatsEqual(a.Array, b.Array)
	case pvbus.KindImage:
		if a.Image == nil || b.Image == nil {
			return a.Image == b.Image
		}
		return a.Image.Rows == b.Image.Rows &&
			a.Image.Cols == b.Image.Cols &&
			a.Image.XMin == b.Image.XMin &&
			a.Image.XMax == b.Image.XMax &&
			a.Image.YMin == b.Image.YMin &&
			a.Image.YMax == b.Image.YMax &&
			floatsEqual(a.Image.Data, b.Image.Data)
	}
	return false
}

func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// logEvent logs a structured event in JSON format.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "coordinator"
	data["event_type"] = eventType
	data["instance"] = e.client.InstanceName()

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Coordinator] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
