package app

import (
	"context"
	"fmt"
	"time"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/events"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/bridge"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/compression"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/dispatch"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/lifecycle"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/optimizer"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/registry"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/retention"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage/memory"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/system"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

// Options tune the services. Zero values fall back to package defaults.
type Options struct {
	Optimizer       optimizer.Params
	MaxBatchSize    int
	MaxDecodedBytes uint64
	Retention       retention.Config
	EventBufferSize int
	DomainCacheSize int
	DomainCacheTTL  time.Duration
	Dispatcher      dispatch.Dispatcher
}

// DefaultOptions returns options suitable for tests and single-node use.
func DefaultOptions() Options {
	return Options{
		Optimizer:       optimizer.DefaultParams(),
		MaxBatchSize:    lifecycle.DefaultMaxBatchSize,
		MaxDecodedBytes: compression.DefaultMaxDecodedBytes,
		EventBufferSize: 1000,
		DomainCacheSize: 256,
		DomainCacheTTL:  30 * time.Second,
	}
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Store       storage.RelayStore
	Journal     *events.RingBuffer
	Registry    *registry.Service
	Optimizer   *optimizer.Service
	Compression *compression.Service
	Lifecycle   *lifecycle.Service
	Bridge      *bridge.Service
	Retention   *retention.Pruner
}

// New builds a fully initialised application. A nil store defaults to the
// in-memory implementation.
func New(store storage.RelayStore, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if store == nil {
		store = memory.New()
	}
	if opts.Optimizer.FamilyMultiplierBps == nil {
		opts.Optimizer = optimizer.DefaultParams()
	}
	if err := opts.Optimizer.Validate(); err != nil {
		return nil, fmt.Errorf("optimizer params: %w", err)
	}
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = 1000
	}

	journal := events.NewRingBuffer(opts.EventBufferSize)

	reg := registry.New(store, log)
	reg.WithJournal(journal)
	if opts.DomainCacheSize > 0 {
		reg.WithCache(opts.DomainCacheSize, opts.DomainCacheTTL)
	}

	opt := optimizer.New(reg, opts.Optimizer, log)
	opt.WithJournal(journal)

	comp, err := compression.New(store, opts.MaxDecodedBytes, log)
	if err != nil {
		return nil, fmt.Errorf("configure compression: %w", err)
	}
	comp.WithJournal(journal)

	lc := lifecycle.New(reg, opt, comp, store, log)
	lc.WithJournal(journal)
	if opts.MaxBatchSize > 0 {
		lc.WithMaxBatchSize(opts.MaxBatchSize)
	}
	if opts.Dispatcher != nil {
		lc.WithDispatcher(opts.Dispatcher)
	} else {
		log.Warn("no dispatcher configured; relayers must poll for pending messages")
	}

	br := bridge.New(lc, store, log)

	pruner := retention.New(store, opts.Retention, log)
	pruner.WithJournal(journal)

	manager := system.NewManager()
	services := []system.Service{
		comp,
		system.NoopService{ServiceName: "registry"},
		system.NoopService{ServiceName: "lifecycle"},
		pruner,
	}
	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:     manager,
		log:         log,
		Store:       store,
		Journal:     journal,
		Registry:    reg,
		Optimizer:   opt,
		Compression: comp,
		Lifecycle:   lc,
		Bridge:      br,
		Retention:   pruner,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
