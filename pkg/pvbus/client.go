package pvbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MaxQueueDepth bounds every queue on the bus. A push against a full queue
// returns ErrQueueFull; producers log and drop per the lossy-at-steady-state
// policy (the next evaluation cycle re-publishes current values).
const MaxQueueDepth = 64

// ErrQueueFull is returned by PushInbound/PushOutbound when the target
// queue is at MaxQueueDepth.
var ErrQueueFull = errors.New("pvbus: queue full")

// Client provides instance-scoped Redis operations for the process-variable
// bus. All keys and channels are automatically namespaced with the instance
// name. The client is safe for concurrent use.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new bus client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: pvbridge instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// InstanceName returns the instance this client is scoped to.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// push appends a message to a bounded list. The length check and the push
// are not atomic; a brief overshoot under contention is acceptable because
// the bound exists for backpressure, not correctness.
func (c *Client) push(ctx context.Context, key, payload string) error {
	length, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check queue depth: %w", err)
	}
	if length >= MaxQueueDepth {
		return ErrQueueFull
	}
	if err := c.rdb.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("failed to push to queue: %w", err)
	}
	return nil
}

// PushInbound enqueues an adapter's update event onto the shared inbound
// queue. Fire-and-forget from the adapter's perspective: the protocol
// request/response cycle must never block on the coordinator.
func (c *Client) PushInbound(ctx context.Context, update *InboundUpdate) error {
	payload, err := MarshalInbound(update)
	if err != nil {
		return err
	}
	return c.push(ctx, InboundQueueKey(c.instanceName), payload)
}

// PopInbound blocks on the shared inbound queue for at most timeout.
// Returns (nil, redis.Nil) when the queue stays empty; use IsNotFound() to
// distinguish an idle timeout from a real error.
func (c *Client) PopInbound(ctx context.Context, timeout time.Duration) (*InboundUpdate, error) {
	result, err := c.rdb.BRPop(ctx, timeout, InboundQueueKey(c.instanceName)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to pop inbound queue: %w", err)
	}
	// BRPOP returns [key, value]
	return UnmarshalInbound(result[1])
}

// TryPopInbound pops from the shared inbound queue without blocking. The
// coordinator uses it to drain a settled burst of writes into one batch.
// Returns (nil, redis.Nil) when the queue is empty.
func (c *Client) TryPopInbound(ctx context.Context) (*InboundUpdate, error) {
	result, err := c.rdb.RPop(ctx, InboundQueueKey(c.instanceName)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to pop inbound queue: %w", err)
	}
	return UnmarshalInbound(result)
}

// PushOutbound enqueues an update event onto one adapter's outbound queue.
func (c *Client) PushOutbound(ctx context.Context, protocol Protocol, update *OutboundUpdate) error {
	payload, err := MarshalOutbound(update)
	if err != nil {
		return err
	}
	return c.push(ctx, OutboundQueueKey(c.instanceName, protocol), payload)
}

// PopOutbound blocks on one adapter's outbound queue for at most timeout.
// Returns (nil, redis.Nil) when the queue stays empty.
func (c *Client) PopOutbound(ctx context.Context, protocol Protocol, timeout time.Duration) (*OutboundUpdate, error) {
	result, err := c.rdb.BRPop(ctx, timeout, OutboundQueueKey(c.instanceName, protocol)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to pop outbound queue: %w", err)
	}
	return UnmarshalOutbound(result[1])
}

// SetBusy marks the coordinator as inside a merge + evaluate + publish
// cycle. Only the coordinator calls this.
func (c *Client) SetBusy(ctx context.Context) error {
	if err := c.rdb.Set(ctx, BusyKey(c.instanceName), "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to set busy flag: %w", err)
	}
	return nil
}

// ClearBusy marks the coordinator as idle. Only the coordinator calls this.
func (c *Client) ClearBusy(ctx context.Context) error {
	if err := c.rdb.Del(ctx, BusyKey(c.instanceName)).Err(); err != nil {
		return fmt.Errorf("failed to clear busy flag: %w", err)
	}
	return nil
}

// IsBusy reports whether the coordinator is currently evaluating. Adapters
// consult this before enqueueing to coalesce write bursts into at most one
// pending batch per busy period.
func (c *Client) IsBusy(ctx context.Context) (bool, error) {
	exists, err := c.rdb.Exists(ctx, BusyKey(c.instanceName)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read busy flag: %w", err)
	}
	return exists > 0, nil
}

// WriteVariables writes variable snapshots into the state hash. Only the
// coordinator calls this; adapters and the CLI read.
func (c *Client) WriteVariables(ctx context.Context, vars map[string]Variable) error {
	if len(vars) == 0 {
		return nil
	}
	hash, err := VariablesToHash(vars)
	if err != nil {
		return err
	}
	if err := c.rdb.HSet(ctx, StateKey(c.instanceName), hash).Err(); err != nil {
		return fmt.Errorf("failed to write state snapshot: %w", err)
	}
	return nil
}

// ReadVariables reads the full state snapshot. Returns an empty map if no
// snapshot has been written yet (not an error).
func (c *Client) ReadVariables(ctx context.Context) (map[string]Variable, error) {
	hash, err := c.rdb.HGetAll(ctx, StateKey(c.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read state snapshot: %w", err)
	}
	return HashToVariables(hash)
}

// ReadVariable reads one variable from the state snapshot.
// Returns (nil, redis.Nil) if the variable is not present.
func (c *Client) ReadVariable(ctx context.Context, name string) (*Variable, error) {
	data, err := c.rdb.HGet(ctx, StateKey(c.instanceName), name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read variable %q: %w", name, err)
	}
	var v Variable
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variable %q: %w", name, err)
	}
	return &v, nil
}

// UpdateNotice is the monitoring copy of an outbound update published on
// the update events channel. It carries only the changed names, not the
// payloads, so monitoring stays cheap even for image variables.
type UpdateNotice struct {
	Target Protocol  `json:"target"`          // Adapter the update was routed to
	Kind   EventKind `json:"kind"`            // input or output
	Names  []string  `json:"names"`           // Changed variable names
	AtMs   int64     `json:"at_ms,omitempty"` // Unix milliseconds when published
}

// PublishUpdateNotice publishes a monitoring notice for one outbound update.
func (c *Client) PublishUpdateNotice(ctx context.Context, notice *UpdateNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal update notice: %w", err)
	}
	channel := UpdateEventsChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish update notice: %w", err)
	}
	return nil
}

// PublishControl publishes a shutdown or fatal signal on the control
// channel. Every component subscribes and exits its loop on receipt.
func (c *Client) PublishControl(ctx context.Context, msg *ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal control message: %w", err)
	}
	channel := ControlChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish control message: %w", err)
	}
	return nil
}

// NoticeSubscription represents an active Pub/Sub subscription to update
// notices. Caller must call Close() when done to clean up resources.
type NoticeSubscription struct {
	events <-chan *UpdateNotice
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of update notices. The channel is closed when
// the subscription is closed or the context is cancelled.
func (s *NoticeSubscription) Events() <-chan *UpdateNotice {
	return s.events
}

// Errors returns the channel of subscription errors. Errors are non-fatal;
// the subscription continues and the offending message is skipped.
func (s *NoticeSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *NoticeSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeUpdateNotices subscribes to the monitoring channel for this
// instance. Caller must call subscription.Close() when done; context
// cancellation also stops the subscription.
//
// Events are delivered on a buffered channel (size 10). A slow subscriber
// may miss notices (Redis Pub/Sub is at-most-once).
func (c *Client) SubscribeUpdateNotices(ctx context.Context) (*NoticeSubscription, error) {
	pubsub := c.rdb.Subscribe(ctx, UpdateEventsChannel(c.instanceName))

	eventsChan := make(chan *UpdateNotice, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var notice UpdateNotice
				if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal update notice: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &notice:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &NoticeSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// ControlSubscription represents an active Pub/Sub subscription to control
// signals. Caller must call Close() when done.
type ControlSubscription struct {
	events <-chan *ControlMessage
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of control messages.
func (s *ControlSubscription) Events() <-chan *ControlMessage {
	return s.events
}

// Errors returns the channel of subscription errors.
func (s *ControlSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *ControlSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeControl subscribes to the control channel for this instance.
// Caller must call subscription.Close() when done.
func (c *Client) SubscribeControl(ctx context.Context) (*ControlSubscription, error) {
	pubsub := c.rdb.Subscribe(ctx, ControlChannel(c.instanceName))

	eventsChan := make(chan *ControlMessage, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var cm ControlMessage
				if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal control message: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &cm:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &ControlSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "not found" result
// (redis.Nil): an idle queue-pop timeout or a missing snapshot entry.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
