package system

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	mu       sync.Mutex
	services []Service
	names    map[string]bool
	running  bool
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{names: make(map[string]bool)}
}

// Register adds a service. Names must be unique and registration is closed
// while the manager is running.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("nil service")
	}
	name := strings.TrimSpace(svc.Name())
	if name == "" {
		return fmt.Errorf("service name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("register %s: manager already started", name)
	}
	if m.names[name] {
		return fmt.Errorf("service %s already registered", name)
	}
	m.names[name] = true
	m.services = append(m.services, svc)
	return nil
}

// Services lists registered service names in start order.
func (m *Manager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.services))
	for i, svc := range m.services {
		out[i] = svc.Name()
	}
	return out
}

// Start starts every service. If one fails, the ones already started are
// stopped again before the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	for i, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			startErr := fmt.Errorf("start %s: %w", svc.Name(), err)
			return multierr.Append(startErr, stopAll(ctx, m.services[:i]))
		}
	}
	m.running = true
	return nil
}

// Stop stops started services in reverse order and reports every failure.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	return stopAll(ctx, m.services)
}

func stopAll(ctx context.Context, services []Service) error {
	var err error
	for i := len(services) - 1; i >= 0; i-- {
		if stopErr := services[i].Stop(ctx); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("stop %s: %w", services[i].Name(), stopErr))
		}
	}
	return err
}
