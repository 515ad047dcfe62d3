package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/cmalloy/pvbridge/internal/adapter"
	"github.com/cmalloy/pvbridge/internal/config"
	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

func main() {
	// Exit with appropriate code
	os.Exit(run())
}

// run contains the main logic and returns an exit code.
// This separation makes the logic testable and ensures deferred functions run.
func run() int {
	protocolFlag := flag.String("protocol", "", "Protocol to serve (ca or pva)")
	configPath := flag.String("config", "pvbridge.yml", "Path to the bridge configuration")
	instanceName := flag.String("instance", "", "pvbridge instance name")
	redisAddr := flag.String("redis", "", "Redis address (host:port)")
	flag.Parse()

	protocol := pvbus.Protocol(*protocolFlag)
	if err := protocol.Validate(); err != nil {
		log.Printf("[ERROR] %v", err)
		return 1
	}
	if *instanceName == "" || *redisAddr == "" {
		log.Printf("[ERROR] --instance and --redis are required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[ERROR] Failed to load configuration: %v", err)
		return 1
	}

	client, err := pvbus.NewClient(&redis.Options{Addr: *redisAddr}, *instanceName)
	if err != nil {
		log.Printf("[ERROR] Failed to create bus client: %v", err)
		return 1
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Ping(ctx); err != nil {
		log.Printf("[ERROR] Redis not accessible at %s: %v", *redisAddr, err)
		return 1
	}

	inputs, outputs := cfg.BuildVariables()
	routing := cfg.BuildRouting()

	// The loopback server stands in for a real protocol server binding.
	// Each protocol's wire implementation satisfies adapter.Server.
	eng, err := adapter.NewEngine(client, protocol, adapter.NewSimServer(), inputs, outputs, routing)
	if err != nil {
		log.Printf("[ERROR] Failed to build %s adapter: %v", protocol, err)
		return 1
	}

	log.Printf("[Adapter:%s] Starting for instance '%s'", protocol, *instanceName)
	if err := eng.Run(ctx); err != nil {
		log.Printf("[Adapter:%s] Exited with error: %v", protocol, err)
		return 1
	}

	log.Printf("[Adapter:%s] Shut down cleanly", protocol)
	return 0
}
