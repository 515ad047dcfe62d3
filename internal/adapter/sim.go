package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

// SimServer is an in-memory Server used by tests and by --sim mode. It
// records published handle values and lets a driver inject external writes
// and stage values for mirrored reads.
type SimServer struct {
	mu       sync.Mutex
	started  bool
	specs    map[string]HandleSpec
	values   map[string]pvbus.Value
	external map[string]pvbus.Value
	writes   chan Write
}

// NewSimServer creates a stopped sim server.
func NewSimServer() *SimServer {
	return &SimServer{
		specs:    map[string]HandleSpec{},
		values:   map[string]pvbus.Value{},
		external: map[string]pvbus.Value{},
		writes:   make(chan Write, 16),
	}
}

// Start implements Server.
func (s *SimServer) Start(ctx context.Context, handles []HandleSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("sim server already started")
	}
	for _, spec := range handles {
		s.specs[spec.Name] = spec
	}
	s.started = true
	return nil
}

// Publish implements Server.
func (s *SimServer) Publish(handle string, value pvbus.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return fmt.Errorf("sim server not started")
	}
	s.values[handle] = value
	return nil
}

// Writes implements Server.
func (s *SimServer) Writes() <-chan Write {
	return s.writes
}

// Read implements Server. It returns the staged external value for the
// handle, simulating a blocking read of an externally hosted variable.
func (s *SimServer) Read(ctx context.Context, handle string) (pvbus.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.external[handle]
	if !ok {
		return pvbus.Value{}, fmt.Errorf("external handle '%s' is unreachable", handle)
	}
	return v, nil
}

// Stop implements Server.
func (s *SimServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// InjectWrite simulates an external client write.
func (s *SimServer) InjectWrite(handle string, value pvbus.Value) {
	s.writes <- Write{Handle: handle, Value: value}
}

// SetExternal stages a value to be returned by Read.
func (s *SimServer) SetExternal(handle string, value pvbus.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.external[handle] = value
}

// Get returns the last published value for a handle.
func (s *SimServer) Get(handle string) (pvbus.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[handle]
	return v, ok
}

// Spec returns the startup description received for a handle.
func (s *SimServer) Spec(handle string) (HandleSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.specs[handle]
	return spec, ok
}
