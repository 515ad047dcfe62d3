package commands

import (
	"context"

	dockerpkg "github.com/cmalloy/pvbridge/internal/docker"
	"github.com/cmalloy/pvbridge/internal/instance"
)

// resolveTarget determines which instance a command targets and how to reach
// its Redis. Docker is only consulted for whatever the flags left blank, so
// a fully specified --name/--redis pair works without a Docker daemon.
func resolveTarget(ctx context.Context, name, redisAddr string) (string, string, error) {
	if name != "" && redisAddr != "" {
		return name, redisAddr, nil
	}

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return "", "", err
	}
	defer cli.Close()

	if name == "" {
		name, err = instance.FindSoleInstance(ctx, cli)
		if err != nil {
			return "", "", err
		}
	}

	if redisAddr == "" {
		if err := instance.VerifyInstanceRunning(ctx, cli, name); err != nil {
			return "", "", err
		}
		port, err := instance.GetInstanceRedisPort(ctx, cli, name)
		if err != nil {
			return "", "", err
		}
		redisAddr = instance.GetRedisAddr(port)
	}

	return name, redisAddr, nil
}
