//go:build integration

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmalloy/pvbridge/internal/config"
	"github.com/cmalloy/pvbridge/internal/testutil"
	"github.com/cmalloy/pvbridge/internal/watch"
	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

// Full round trip against a real Redis: sim instance comes up, the startup
// evaluation lands, an external write flows through the inbound queue into a
// re-evaluation, and the cross-protocol sync reaches the other adapter's
// outbound queue.
func TestE2E_SimInstanceRoundTrip(t *testing.T) {
	env := testutil.StartRedis(t, "e2e-roundtrip")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := NewManager(Options{
		Config:      demoConfig(),
		Instance:    env.InstanceName,
		RedisAddr:   env.Addr,
		Sim:         true,
		GracePeriod: 5 * time.Second,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Startup evaluation: demo echoes input2 (default 3.0) into output3.
	v, err := watch.WaitForVariable(ctx, env.Client, "output3", 15*time.Second, func(v pvbus.Variable) bool {
		return v.Value != nil && v.Value.Scalar == 3.0
	})
	require.NoError(t, err)
	assert.Equal(t, pvbus.KindScalar, v.Kind)

	// An external write on ca re-evaluates and updates the snapshot.
	val := pvbus.ScalarValue(7)
	require.NoError(t, env.Client.PushInbound(ctx, &pvbus.InboundUpdate{
		Origin:  pvbus.ProtocolCA,
		Changes: map[string]pvbus.Value{"input1": val},
	}))
	_, err = watch.WaitForVariable(ctx, env.Client, "output2", 15*time.Second, func(v pvbus.Variable) bool {
		return v.Value != nil && v.Value.Scalar == 7.0
	})
	require.NoError(t, err)

	// The image output is republished too, with its physical extent intact.
	img, err := env.Client.ReadVariable(ctx, "output1")
	require.NoError(t, err)
	require.NotNil(t, img.Value)
	require.NotNil(t, img.Value.Image)
	assert.Equal(t, img.Value.Image.Rows*img.Value.Image.Cols, len(img.Value.Image.Data))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("manager did not shut down")
	}
}

// A fatal model error must tear the whole instance down with a non-nil
// error, and the fatal signal must be visible on the control channel.
func TestE2E_FatalSignalReachesSubscribers(t *testing.T) {
	env := testutil.StartRedis(t, "e2e-fatal")
	ctx := context.Background()

	sub, err := env.Client.SubscribeControl(ctx)
	require.NoError(t, err)
	defer sub.Close()

	one := 1.0
	cfg := demoConfig()
	cfg.Model = "broken"
	cfg.Inputs = map[string]config.VariableSpec{"in": {Kind: "scalar", Default: &one}}
	cfg.Outputs = map[string]config.VariableSpec{"out": {Kind: "scalar"}}
	cfg.Routing = map[string]config.RoutingSpec{
		"in":  {PVName: "E2E:In", Protocol: "both"},
		"out": {PVName: "E2E:Out", Protocol: "both"},
	}

	m, err := NewManager(Options{
		Config:      cfg,
		Instance:    env.InstanceName,
		RedisAddr:   env.Addr,
		Sim:         true,
		GracePeriod: 5 * time.Second,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	sawFatal := false
	deadline := time.After(30 * time.Second)
	for !sawFatal {
		select {
		case msg := <-sub.Events():
			if msg != nil && msg.Signal == pvbus.SignalFatal {
				sawFatal = true
			}
		case <-deadline:
			t.Fatal("fatal signal never published")
		}
	}

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model evaluation failed")
	case <-time.After(15 * time.Second):
		t.Fatal("manager did not exit on fatal model error")
	}
}
