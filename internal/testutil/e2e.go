//go:build integration

// Package testutil provides shared helpers for integration tests. Everything
// here requires Docker, so the whole package sits behind the integration tag.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

// RedisEnv is a throwaway Redis container plus a bus client scoped to a
// unique instance name.
type RedisEnv struct {
	Addr         string
	InstanceName string
	Client       *pvbus.Client
}

// StartRedis launches a Redis container and returns a bus client connected
// to it. The container and client are cleaned up when the test finishes.
func StartRedis(t *testing.T, instanceName string) *RedisEnv {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	addr := fmt.Sprintf("%s:%s", host, port.Port())

	client, err := pvbus.NewClient(&redis.Options{Addr: addr}, instanceName)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	// Containers occasionally accept connections a beat after the log line.
	require.Eventually(t, func() bool {
		return client.Ping(ctx) == nil
	}, 10*time.Second, 100*time.Millisecond, "Redis container never became reachable")

	return &RedisEnv{
		Addr:         addr,
		InstanceName: instanceName,
		Client:       client,
	}
}
