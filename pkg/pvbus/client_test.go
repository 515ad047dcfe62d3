package pvbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NotNil(t, client)
		assert.Equal(t, "test-instance", client.InstanceName())
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "instance name cannot be empty")
	})
}

func TestPing(t *testing.T) {
	client, _ := setupTestClient(t)
	err := client.Ping(context.Background())
	assert.NoError(t, err)
}

func TestInboundQueue(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("push then pop round-trips", func(t *testing.T) {
		update := &InboundUpdate{
			Origin:  ProtocolCA,
			Changes: map[string]Value{"x": ScalarValue(5)},
		}
		require.NoError(t, client.PushInbound(ctx, update))

		got, err := client.PopInbound(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, ProtocolCA, got.Origin)
		assert.Equal(t, 5.0, got.Changes["x"].Scalar)
	})

	t.Run("pop on empty queue times out with not-found", func(t *testing.T) {
		_, err := client.PopInbound(ctx, 50*time.Millisecond)
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("try-pop drains then reports empty", func(t *testing.T) {
		update := &InboundUpdate{
			Origin:  ProtocolCA,
			Changes: map[string]Value{"x": ScalarValue(7)},
		}
		require.NoError(t, client.PushInbound(ctx, update))

		got, err := client.TryPopInbound(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7.0, got.Changes["x"].Scalar)

		_, err = client.TryPopInbound(ctx)
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("delivery is FIFO", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			update := &InboundUpdate{
				Origin:  ProtocolPVA,
				Changes: map[string]Value{"x": ScalarValue(float64(i))},
			}
			require.NoError(t, client.PushInbound(ctx, update))
		}
		for i := 0; i < 3; i++ {
			got, err := client.PopInbound(ctx, time.Second)
			require.NoError(t, err)
			assert.Equal(t, float64(i), got.Changes["x"].Scalar)
		}
	})
}

func TestOutboundQueue(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	val := ScalarValue(10)
	update := &OutboundUpdate{
		Kind:    EventOutput,
		Changes: map[string]Variable{"y": {Name: "y", Kind: KindScalar, Value: &val}},
	}
	require.NoError(t, client.PushOutbound(ctx, ProtocolPVA, update))

	// The other adapter's queue stays empty
	_, err := client.PopOutbound(ctx, ProtocolCA, 50*time.Millisecond)
	assert.True(t, IsNotFound(err))

	got, err := client.PopOutbound(ctx, ProtocolPVA, time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventOutput, got.Kind)
	assert.Equal(t, 10.0, got.Changes["y"].Value.Scalar)
}

func TestQueueBound(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	update := &InboundUpdate{
		Origin:  ProtocolCA,
		Changes: map[string]Value{"x": ScalarValue(1)},
	}
	for i := 0; i < MaxQueueDepth; i++ {
		require.NoError(t, client.PushInbound(ctx, update))
	}

	err := client.PushInbound(ctx, update)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestBusyFlag(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	busy, err := client.IsBusy(ctx)
	require.NoError(t, err)
	assert.False(t, busy)

	require.NoError(t, client.SetBusy(ctx))
	busy, err = client.IsBusy(ctx)
	require.NoError(t, err)
	assert.True(t, busy)

	require.NoError(t, client.ClearBusy(ctx))
	busy, err = client.IsBusy(ctx)
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestStateSnapshot(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("empty snapshot reads as empty map", func(t *testing.T) {
		vars, err := client.ReadVariables(ctx)
		require.NoError(t, err)
		assert.Empty(t, vars)
	})

	t.Run("write then read round-trips", func(t *testing.T) {
		val := ScalarValue(5)
		require.NoError(t, client.WriteVariables(ctx, map[string]Variable{
			"x": {Name: "x", Kind: KindScalar, Value: &val},
		}))

		vars, err := client.ReadVariables(ctx)
		require.NoError(t, err)
		require.Contains(t, vars, "x")
		assert.Equal(t, 5.0, vars["x"].Value.Scalar)

		single, err := client.ReadVariable(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, 5.0, single.Value.Scalar)
	})

	t.Run("missing variable reads as not-found", func(t *testing.T) {
		_, err := client.ReadVariable(ctx, "nope")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("partial write merges into existing snapshot", func(t *testing.T) {
		val := ScalarValue(9)
		require.NoError(t, client.WriteVariables(ctx, map[string]Variable{
			"y": {Name: "y", Kind: KindScalar, Value: &val},
		}))

		vars, err := client.ReadVariables(ctx)
		require.NoError(t, err)
		assert.Contains(t, vars, "x")
		assert.Contains(t, vars, "y")
	})
}

func TestSubscribeUpdateNotices(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := client.SubscribeUpdateNotices(ctx)
	require.NoError(t, err)
	defer sub.Close()

	// give the subscriber goroutine time to attach
	time.Sleep(50 * time.Millisecond)

	notice := &UpdateNotice{
		Target: ProtocolPVA,
		Kind:   EventInput,
		Names:  []string{"x"},
		AtMs:   time.Now().UnixMilli(),
	}
	require.NoError(t, client.PublishUpdateNotice(ctx, notice))

	select {
	case got := <-sub.Events():
		assert.Equal(t, ProtocolPVA, got.Target)
		assert.Equal(t, EventInput, got.Kind)
		assert.Equal(t, []string{"x"}, got.Names)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update notice")
	}
}

func TestSubscribeControl(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := client.SubscribeControl(ctx)
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(50 * time.Millisecond)

	msg := &ControlMessage{Signal: SignalFatal, Reason: "model evaluation failed"}
	require.NoError(t, client.PublishControl(ctx, msg))

	select {
	case got := <-sub.Events():
		assert.Equal(t, SignalFatal, got.Signal)
		assert.Equal(t, "model evaluation failed", got.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control message")
	}
}

func TestQueueKeysAreInstanceScoped(t *testing.T) {
	assert.Equal(t, "pvbridge:a:inbound", InboundQueueKey("a"))
	assert.Equal(t, "pvbridge:a:outbound:ca", OutboundQueueKey("a", ProtocolCA))
	assert.Equal(t, "pvbridge:a:busy", BusyKey("a"))
	assert.Equal(t, "pvbridge:a:state", StateKey("a"))
	assert.Equal(t, "pvbridge:a:update_events", UpdateEventsChannel("a"))
	assert.Equal(t, "pvbridge:a:control", ControlChannel("a"))
}

func TestPopSurvivesForeignGarbage(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	// a message that is not valid JSON is an error, not a panic
	mr.Lpush(InboundQueueKey("test-instance"), "garbage")
	_, err := client.PopInbound(ctx, time.Second)
	require.Error(t, err)
	assert.Contains(t, fmt.Sprint(err), "unmarshal")
}
