package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cmalloy/pvbridge/internal/printer"
	"github.com/cmalloy/pvbridge/internal/watch"
	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

var (
	watchInstanceName string
	watchRedisAddr    string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream an instance's update notices",
	Long: `Subscribe to a running instance's update events and print one line per
published update: when it happened, which adapter it was routed to, whether
it was a cross-protocol input sync or a model output, and the variable names.

Notices carry names only, so watching is cheap even when image variables
are flowing. Press Ctrl-C to stop.

Examples:
  # Watch the sole instance
  pvbridge watch

  # Watch a specific instance
  pvbridge watch --name beamline`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchInstanceName, "name", "", "Target instance name (auto-inferred if omitted)")
	watchCmd.Flags().StringVar(&watchRedisAddr, "redis", "", "Redis address override (host:port)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	name, redisAddr, err := resolveTarget(ctx, watchInstanceName, watchRedisAddr)
	if err != nil {
		return err
	}

	client, err := pvbus.NewClient(&redis.Options{Addr: redisAddr}, name)
	if err != nil {
		return err
	}
	defer client.Close()

	printer.Info("Watching instance '%s' (Ctrl-C to stop)\n\n", name)

	return watch.Stream(ctx, client, os.Stdout)
}
