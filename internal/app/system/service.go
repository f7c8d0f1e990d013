package system

import "context"

// Service represents a lifecycle-managed component. All application modules
// must implement this interface so the system manager can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NoopService occupies a name in the manager for components that have no
// background work of their own.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string              { return n.ServiceName }
func (NoopService) Start(context.Context) error { return nil }
func (NoopService) Stop(context.Context) error  { return nil }
