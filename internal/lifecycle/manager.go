package lifecycle

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cmalloy/pvbridge/internal/adapter"
	"github.com/cmalloy/pvbridge/internal/config"
	"github.com/cmalloy/pvbridge/internal/coordinator"
	"github.com/cmalloy/pvbridge/internal/executor"
	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

// DefaultGracePeriod is how long components get to exit cooperatively
// before the manager escalates to a forced kill.
const DefaultGracePeriod = 10 * time.Second

// Options configures a serving run.
type Options struct {
	Config     *config.BridgeConfig
	ConfigPath string // passed through to adapter processes
	Instance   string
	RedisAddr  string

	// Sim runs the adapters in-process with loopback servers instead of
	// spawning pvadapter processes. Used for local development and tests.
	Sim bool

	// AdapterBinary is the pvadapter executable to spawn per protocol.
	// Defaults to "pvadapter" on PATH.
	AdapterBinary string

	GracePeriod time.Duration
}

// Manager runs one pvbridge instance: the coordinator goroutine plus one
// protocol adapter per protocol, tied together by the control channel.
// Shutdown is cooperative; a component that ignores the grace period is
// killed.
type Manager struct {
	opts Options
}

// NewManager validates the options and creates a manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if opts.Instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if opts.RedisAddr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if opts.AdapterBinary == "" {
		opts.AdapterBinary = "pvadapter"
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Manager{opts: opts}, nil
}

// Run brings the instance up and blocks until the context is cancelled or
// a component fails. A fatal model error surfaces as a non-nil return so
// the process exits non-zero.
func (m *Manager) Run(ctx context.Context) error {
	cfg := m.opts.Config

	client, err := pvbus.NewClient(&redis.Options{Addr: m.opts.RedisAddr}, m.opts.Instance)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("cannot reach Redis at %s: %w", m.opts.RedisAddr, err)
	}

	model, err := executor.Lookup(cfg.Model)
	if err != nil {
		return err
	}
	inputs, outputs := cfg.BuildVariables()
	routing := cfg.BuildRouting()

	xc, err := executor.New(model, inputs, outputs)
	if err != nil {
		return err
	}
	coord, err := coordinator.NewEngine(client, xc, inputs, outputs, routing)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan componentResult, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		results <- componentResult{name: "coordinator", err: coord.Run(runCtx)}
	}()

	var procs []*adapterProc
	for _, protocol := range []pvbus.Protocol{pvbus.ProtocolCA, pvbus.ProtocolPVA} {
		if m.opts.Sim {
			if err := m.startSimAdapter(runCtx, client, protocol, &wg, results); err != nil {
				cancel()
				wg.Wait()
				return err
			}
			continue
		}
		p, err := m.spawnAdapter(protocol, &wg, results)
		if err != nil {
			cancel()
			m.killAll(procs)
			wg.Wait()
			return err
		}
		procs = append(procs, p)
	}

	log.Printf("[Lifecycle] Instance '%s' is up (sim=%v)", m.opts.Instance, m.opts.Sim)

	// Block until the caller cancels or a component exits.
	var runErr error
	select {
	case <-ctx.Done():
		log.Printf("[Lifecycle] Shutdown requested")
	case res := <-results:
		if res.err != nil {
			log.Printf("[Lifecycle] Component '%s' failed: %v", res.name, res.err)
			runErr = fmt.Errorf("%s: %w", res.name, res.err)
		} else {
			log.Printf("[Lifecycle] Component '%s' exited", res.name)
		}
	}

	// Cooperative teardown: the control signal reaches adapter processes,
	// context cancellation reaches in-process components.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := client.PublishControl(shutdownCtx, &pvbus.ControlMessage{
		Signal: pvbus.SignalShutdown,
		Reason: "lifecycle manager teardown",
	}); err != nil {
		log.Printf("[Lifecycle] Failed to publish shutdown signal: %v", err)
	}
	shutdownCancel()
	cancel()

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		log.Printf("[Lifecycle] All components exited")
	case <-time.After(m.opts.GracePeriod):
		log.Printf("[Lifecycle] Grace period elapsed, escalating to kill")
		m.killAll(procs)
		<-waited
	}

	return runErr
}

type componentResult struct {
	name string
	err  error
}

// startSimAdapter runs one adapter in-process with a loopback server.
func (m *Manager) startSimAdapter(ctx context.Context, client *pvbus.Client, protocol pvbus.Protocol, wg *sync.WaitGroup, results chan<- componentResult) error {
	inputs, outputs := m.opts.Config.BuildVariables()
	routing := m.opts.Config.BuildRouting()

	eng, err := adapter.NewEngine(client, protocol, adapter.NewSimServer(), inputs, outputs, routing)
	if err != nil {
		return fmt.Errorf("failed to build %s adapter: %w", protocol, err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		results <- componentResult{name: fmt.Sprintf("adapter:%s", protocol), err: eng.Run(ctx)}
	}()
	return nil
}

// adapterProc pairs a running adapter process with its protocol for logging.
type adapterProc struct {
	protocol pvbus.Protocol
	cmd      *exec.Cmd
}

// spawnAdapter launches one pvadapter process. The process subscribes to
// the control channel itself, so teardown needs no signal delivery beyond
// the bus; kill is the escalation path only.
func (m *Manager) spawnAdapter(protocol pvbus.Protocol, wg *sync.WaitGroup, results chan<- componentResult) (*adapterProc, error) {
	cmd := exec.Command(m.opts.AdapterBinary,
		"--protocol", string(protocol),
		"--config", m.opts.ConfigPath,
		"--instance", m.opts.Instance,
		"--redis", m.opts.RedisAddr,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s adapter process: %w", protocol, err)
	}
	log.Printf("[Lifecycle] Started %s adapter (pid %d)", protocol, cmd.Process.Pid)

	p := &adapterProc{protocol: protocol, cmd: cmd}
	wg.Add(1)
	go func() {
		defer wg.Done()
		results <- componentResult{name: fmt.Sprintf("adapter:%s", protocol), err: cmd.Wait()}
	}()
	return p, nil
}

func (m *Manager) killAll(procs []*adapterProc) {
	for _, p := range procs {
		if p.cmd.Process == nil {
			continue
		}
		log.Printf("[Lifecycle] Killing %s adapter (pid %d)", p.protocol, p.cmd.Process.Pid)
		if err := p.cmd.Process.Kill(); err != nil {
			log.Printf("[Lifecycle] Failed to kill %s adapter: %v", p.protocol, err)
		}
	}
}
