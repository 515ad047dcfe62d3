package adapter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

const (
	// popTimeout bounds the blocking read on the outbound queue so shutdown
	// is observed promptly.
	popTimeout = 1 * time.Second

	// flushInterval is how often a cached write batch is re-checked against
	// the busy flag.
	flushInterval = 50 * time.Millisecond
)

// Engine is the protocol-agnostic half of a protocol adapter. It owns the
// bus traffic, handle translation, and write coalescing; the wire protocol
// itself lives behind the Server interface.
//
// Writes arriving while the coordinator's busy flag is set are cached and
// flushed as one inbound batch once the flag clears, so a burst of external
// writes produces at most one pending batch per busy period.
type Engine struct {
	client   *pvbus.Client
	protocol pvbus.Protocol
	server   Server
	handles  *HandleSet
	routing  map[string]pvbus.RoutingEntry

	// local mirrors of the carried variables; updated from outbound events
	// and accepted writes
	inputs  map[string]pvbus.Variable
	outputs map[string]pvbus.Variable

	// writes cached while the coordinator is busy
	pending map[string]pvbus.Value

	prefix string
}

// NewEngine creates an adapter engine for one protocol. Only variables
// whose routing carries the protocol are served.
func NewEngine(client *pvbus.Client, protocol pvbus.Protocol, server Server, inputs, outputs map[string]pvbus.Variable, routing map[string]pvbus.RoutingEntry) (*Engine, error) {
	if err := protocol.Validate(); err != nil {
		return nil, err
	}
	if server == nil {
		return nil, fmt.Errorf("server cannot be nil")
	}

	all := make(map[string]pvbus.Variable, len(inputs)+len(outputs))
	for name, v := range inputs {
		all[name] = v
	}
	for name, v := range outputs {
		all[name] = v
	}

	handles, err := BuildHandles(all, routing, protocol)
	if err != nil {
		return nil, fmt.Errorf("failed to build handles: %w", err)
	}

	carriedInputs := map[string]pvbus.Variable{}
	for name, v := range inputs {
		if handles.Carries(name) {
			carriedInputs[name] = v
		}
	}
	carriedOutputs := map[string]pvbus.Variable{}
	for name, v := range outputs {
		if handles.Carries(name) {
			carriedOutputs[name] = v
		}
	}

	return &Engine{
		client:   client,
		protocol: protocol,
		server:   server,
		handles:  handles,
		routing:  routing,
		inputs:   carriedInputs,
		outputs:  carriedOutputs,
		pending:  map[string]pvbus.Value{},
		prefix:   fmt.Sprintf("[Adapter:%s]", protocol),
	}, nil
}

// Run seeds the served variables, starts the protocol server, and pumps
// events between the server and the bus until the context is cancelled or
// a control signal arrives. A fatal control signal is returned as an error
// so the adapter process exits non-zero.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("%s Starting for instance '%s' (%d handles)", e.prefix, e.client.InstanceName(), len(e.handles.Names()))

	if err := e.seed(ctx); err != nil {
		return err
	}

	if err := e.server.Start(ctx, e.handles.Specs()); err != nil {
		return fmt.Errorf("failed to start protocol server: %w", err)
	}
	defer e.server.Stop(context.Background())

	e.publishInitial()

	if err := e.pushInitialBatch(ctx); err != nil {
		return err
	}

	ctrl, err := e.client.SubscribeControl(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to control channel: %w", err)
	}
	defer ctrl.Close()

	updates := make(chan *pvbus.OutboundUpdate)
	go e.pumpOutbound(ctx, updates)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("%s Shutting down...", e.prefix)
			return nil

		case msg, ok := <-ctrl.Events():
			if !ok {
				continue
			}
			if msg.Signal == pvbus.SignalFatal {
				log.Printf("%s Fatal signal received: %s", e.prefix, msg.Reason)
				return fmt.Errorf("coordinator raised fatal signal: %s", msg.Reason)
			}
			log.Printf("%s Shutdown signal received", e.prefix)
			return nil

		case w := <-e.server.Writes():
			e.handleWrite(w)
			e.maybeFlush(ctx)

		case update := <-updates:
			e.applyOutbound(update)
			e.maybeFlush(ctx)

		case <-ticker.C:
			e.maybeFlush(ctx)
		}
	}
}

// seed establishes startup values: served inputs take their declared
// default; mirrored inputs (serve=false) are read from the external host,
// and a failed read fails the whole startup since there is no safe default
// for an externally authoritative value.
func (e *Engine) seed(ctx context.Context) error {
	for name, v := range e.inputs {
		entry := e.routing[name]
		if entry.Serve {
			if v.Value == nil && v.Default != nil {
				d := *v.Default
				v.Value = &d
				e.inputs[name] = v
			}
			continue
		}

		val, err := e.server.Read(ctx, entry.PVName)
		if err != nil {
			return fmt.Errorf("failed to read mirrored variable '%s' (%s): %w", name, entry.PVName, err)
		}
		if val.Kind != v.Kind {
			return fmt.Errorf("mirrored variable '%s' read kind %s, declared %s", name, val.Kind, v.Kind)
		}
		v.Value = &val
		e.inputs[name] = v
		log.Printf("%s Seeded mirrored variable '%s' from %s", e.prefix, name, entry.PVName)
	}
	return nil
}

// publishInitial pushes every known startup value to the protocol server.
func (e *Engine) publishInitial() {
	for _, vars := range []map[string]pvbus.Variable{e.inputs, e.outputs} {
		for name, v := range vars {
			e.publishVariable(name, v)
		}
	}
}

// pushInitialBatch sends the startup input values as one inbound event so
// the coordinator learns mirrored values and can pass its cold-start gate.
// Constants are skipped: the coordinator seeds them itself and rejects
// writes to them.
func (e *Engine) pushInitialBatch(ctx context.Context) error {
	changes := map[string]pvbus.Value{}
	for name, v := range e.inputs {
		if v.Constant || v.Value == nil {
			continue
		}
		changes[name] = *v.Value
	}
	if len(changes) == 0 {
		return nil
	}

	err := e.client.PushInbound(ctx, &pvbus.InboundUpdate{
		Origin:  e.protocol,
		Changes: changes,
	})
	if err != nil {
		if errors.Is(err, pvbus.ErrQueueFull) {
			log.Printf("%s Inbound queue full, initial batch dropped", e.prefix)
			return nil
		}
		return fmt.Errorf("failed to push initial batch: %w", err)
	}
	return nil
}

// pumpOutbound moves events from this adapter's outbound queue onto a
// channel the main loop can select on.
func (e *Engine) pumpOutbound(ctx context.Context, updates chan<- *pvbus.OutboundUpdate) {
	for {
		update, err := e.client.PopOutbound(ctx, e.protocol, popTimeout)
		if err != nil {
			if pvbus.IsNotFound(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("%s Failed to read outbound queue: %v", e.prefix, err)
			continue
		}
		select {
		case updates <- update:
		case <-ctx.Done():
			return
		}
	}
}

// handleWrite validates one external client write and caches it for the
// next flush. Rejected writes are logged and dropped.
func (e *Engine) handleWrite(w Write) {
	h, ok := e.handles.Resolve(w.Handle)
	if !ok {
		log.Printf("%s Write rejected: unknown handle '%s'", e.prefix, w.Handle)
		return
	}
	if _, isOutput := e.outputs[h.Variable]; isOutput {
		log.Printf("%s Write rejected: handle '%s' targets output variable '%s'", e.prefix, w.Handle, h.Variable)
		return
	}

	current := e.inputs[h.Variable]
	if current.Constant {
		log.Printf("%s Write rejected: variable '%s' is constant", e.prefix, h.Variable)
		return
	}

	val, err := DecodeWrite(h, w.Value, current)
	if err != nil {
		log.Printf("%s Write rejected on '%s': %v", e.prefix, w.Handle, err)
		return
	}

	current.Value = &val
	e.inputs[h.Variable] = current
	e.pending[h.Variable] = val
}

// maybeFlush pushes the cached write batch if the coordinator is idle.
// The enqueue is fire-and-forget: queue-full drops the batch and the next
// evaluation cycle re-publishes current values.
func (e *Engine) maybeFlush(ctx context.Context) {
	if len(e.pending) == 0 {
		return
	}

	busy, err := e.client.IsBusy(ctx)
	if err != nil {
		log.Printf("%s Failed to read busy flag: %v", e.prefix, err)
		return
	}
	if busy {
		return
	}

	err = e.client.PushInbound(ctx, &pvbus.InboundUpdate{
		Origin:  e.protocol,
		Changes: e.pending,
	})
	if err != nil && !errors.Is(err, pvbus.ErrQueueFull) {
		log.Printf("%s Failed to push inbound batch: %v", e.prefix, err)
		return
	}
	if errors.Is(err, pvbus.ErrQueueFull) {
		log.Printf("%s Inbound queue full, batch of %d writes dropped", e.prefix, len(e.pending))
	}
	e.pending = map[string]pvbus.Value{}
}

// applyOutbound merges one coordinator event into the local mirrors and
// republishes the affected handles.
func (e *Engine) applyOutbound(update *pvbus.OutboundUpdate) {
	for name, v := range update.Changes {
		if !e.handles.Carries(name) {
			continue
		}
		if _, ok := e.inputs[name]; ok {
			e.inputs[name] = v
		} else {
			e.outputs[name] = v
		}
		e.publishVariable(name, v)
	}
}

// publishVariable pushes one variable's decomposed handle values to the
// protocol server.
func (e *Engine) publishVariable(name string, v pvbus.Variable) {
	enc, err := e.handles.Encode(name, v)
	if err != nil {
		log.Printf("%s Failed to encode variable '%s': %v", e.prefix, name, err)
		return
	}
	for handle, val := range enc {
		if err := e.server.Publish(handle, val); err != nil {
			log.Printf("%s Failed to publish handle '%s': %v", e.prefix, handle, err)
		}
	}
}
