package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmalloy/pvbridge/internal/config"
	"github.com/cmalloy/pvbridge/internal/executor"
	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

// brokenModel always fails evaluation, for fatal-path tests
type brokenModel struct{}

func (brokenModel) InputNames() []string  { return []string{"in"} }
func (brokenModel) OutputNames() []string { return []string{"out"} }
func (brokenModel) Evaluate(ctx context.Context, inputs map[string]pvbus.Variable) (map[string]pvbus.Variable, error) {
	return nil, errors.New("deliberate failure")
}

func init() {
	executor.Register("broken", func() (executor.Model, error) { return brokenModel{}, nil })
}

func startRedis(t *testing.T) string {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	return mr.Addr()
}

func demoConfig() *config.BridgeConfig {
	one, two := 1.0, 3.0
	return &config.BridgeConfig{
		Version: "1.0",
		Model:   "demo",
		Inputs: map[string]config.VariableSpec{
			"input1": {Kind: "scalar", Default: &one},
			"input2": {Kind: "scalar", Default: &two},
		},
		Outputs: map[string]config.VariableSpec{
			"output1": {Kind: "image"},
			"output2": {Kind: "scalar"},
			"output3": {Kind: "scalar"},
		},
		Routing: map[string]config.RoutingSpec{
			"input1":  {PVName: "TEST:Input1", Protocol: "both"},
			"input2":  {PVName: "TEST:Input2", Protocol: "both"},
			"output1": {PVName: "TEST:Output1", Protocol: "both"},
			"output2": {PVName: "TEST:Output2", Protocol: "both"},
			"output3": {PVName: "TEST:Output3", Protocol: "pva"},
		},
	}
}

func TestNewManager(t *testing.T) {
	t.Run("rejects nil config", func(t *testing.T) {
		_, err := NewManager(Options{Instance: "a", RedisAddr: "localhost:6379"})
		assert.Error(t, err)
	})

	t.Run("rejects empty instance", func(t *testing.T) {
		_, err := NewManager(Options{Config: demoConfig(), RedisAddr: "localhost:6379"})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		m, err := NewManager(Options{Config: demoConfig(), Instance: "a", RedisAddr: "localhost:6379"})
		require.NoError(t, err)
		assert.Equal(t, "pvadapter", m.opts.AdapterBinary)
		assert.Equal(t, DefaultGracePeriod, m.opts.GracePeriod)
	})
}

// Sim-mode end to end: defaults seed the adapters, their startup batches
// carry the coordinator past the cold-start gate, and the first evaluation
// lands in the state snapshot. An external write then round-trips.
func TestRun_SimInstanceServes(t *testing.T) {
	addr := startRedis(t)

	m, err := NewManager(Options{
		Config:      demoConfig(),
		Instance:    "test-instance",
		RedisAddr:   addr,
		Sim:         true,
		GracePeriod: 2 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	client, err := pvbus.NewClient(&redis.Options{Addr: addr}, "test-instance")
	require.NoError(t, err)
	defer client.Close()

	// first evaluation happens without any external traffic
	require.Eventually(t, func() bool {
		v, err := client.ReadVariable(context.Background(), "output2")
		return err == nil && v.Value != nil && v.Value.Scalar == 1.0
	}, 5*time.Second, 50*time.Millisecond, "startup defaults should produce an evaluation")

	// an external write re-evaluates
	val := pvbus.ScalarValue(7)
	require.NoError(t, client.PushInbound(ctx, &pvbus.InboundUpdate{
		Origin:  pvbus.ProtocolCA,
		Changes: map[string]pvbus.Value{"input1": val},
	}))
	require.Eventually(t, func() bool {
		v, err := client.ReadVariable(context.Background(), "output2")
		return err == nil && v.Value != nil && v.Value.Scalar == 7.0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancelled run shuts down cleanly")
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not shut down")
	}
}

func TestRun_FatalModelErrorTearsInstanceDown(t *testing.T) {
	addr := startRedis(t)

	one := 1.0
	cfg := &config.BridgeConfig{
		Version: "1.0",
		Model:   "broken",
		Inputs: map[string]config.VariableSpec{
			"in": {Kind: "scalar", Default: &one},
		},
		Outputs: map[string]config.VariableSpec{
			"out": {Kind: "scalar"},
		},
		Routing: map[string]config.RoutingSpec{
			"in":  {PVName: "TEST:In", Protocol: "both"},
			"out": {PVName: "TEST:Out", Protocol: "both"},
		},
	}

	m, err := NewManager(Options{
		Config:      cfg,
		Instance:    "test-instance",
		RedisAddr:   addr,
		Sim:         true,
		GracePeriod: 2 * time.Second,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model evaluation failed")
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not exit on fatal model error")
	}
}

func TestRun_UnknownModelFailsFast(t *testing.T) {
	addr := startRedis(t)

	cfg := demoConfig()
	cfg.Model = "no-such-model"

	m, err := NewManager(Options{
		Config:    cfg,
		Instance:  "test-instance",
		RedisAddr: addr,
		Sim:       true,
	})
	require.NoError(t, err)

	err = m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
}
