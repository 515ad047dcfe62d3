package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmalloy/pvbridge/internal/config"
	"github.com/cmalloy/pvbridge/internal/lifecycle"
	"github.com/cmalloy/pvbridge/internal/printer"
)

var (
	serveInstanceName string
	serveConfigPath   string
	serveRedisAddr    string
	serveSim          bool
	serveGracePeriod  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the model's process variables",
	Long: `Start the coordinator and the protocol adapters for an instance.

The coordinator owns the model: it merges external writes, runs evaluation
cycles, and publishes results. One adapter process per protocol (ca, pva)
carries the external traffic. All components exit together: Ctrl-C shuts
down cleanly, a model error tears the instance down with a non-zero exit.

Run 'pvbridge up' first to start the instance's Redis container, or pass
--redis to use an existing server.

Examples:
  # Serve the sole instance
  pvbridge serve

  # Serve a specific instance with in-process loopback adapters
  pvbridge serve --name beamline --sim`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveInstanceName, "name", "", "Target instance name (auto-inferred if omitted)")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "pvbridge.yml", "Path to the bridge configuration")
	serveCmd.Flags().StringVar(&serveRedisAddr, "redis", "", "Redis address override (host:port)")
	serveCmd.Flags().BoolVar(&serveSim, "sim", false, "Run adapters in-process with loopback servers")
	serveCmd.Flags().DurationVar(&serveGracePeriod, "grace", lifecycle.DefaultGracePeriod, "Shutdown grace period before components are killed")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	name := serveInstanceName
	if name == "" {
		name = cfg.Instance
	}
	redisAddr := serveRedisAddr
	if redisAddr == "" {
		redisAddr = cfg.Redis
	}
	name, redisAddr, err = resolveTarget(ctx, name, redisAddr)
	if err != nil {
		return err
	}

	m, err := lifecycle.NewManager(lifecycle.Options{
		Config:      cfg,
		ConfigPath:  serveConfigPath,
		Instance:    name,
		RedisAddr:   redisAddr,
		Sim:         serveSim,
		GracePeriod: serveGracePeriod,
	})
	if err != nil {
		return err
	}

	printer.Info("Serving model '%s' on instance '%s' (redis %s)\n", cfg.Model, name, redisAddr)
	printer.Info("Press Ctrl-C to stop.\n\n")

	return m.Run(ctx)
}
