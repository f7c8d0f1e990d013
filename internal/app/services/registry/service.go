// Package registry manages the destination domains messages can be relayed
// to. Reads are served from a bounded expiring cache; concurrent misses for
// the same domain share a single store lookup.
package registry

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/auth"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/events"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 30 * time.Second
)

// Service manages domain configuration.
type Service struct {
	store   storage.DomainStore
	log     *logger.Logger
	journal events.Journal

	// mu orders cache fills against writes so a slow load never
	// re-inserts a domain that was just updated.
	mu    sync.RWMutex
	cache *expirable.LRU[uint64, relay.Domain]
	group singleflight.Group
}

// New constructs a registry service.
func New(store storage.DomainStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	return &Service{
		store:   store,
		log:     log,
		journal: events.NoOpJournal{},
		cache:   expirable.NewLRU[uint64, relay.Domain](defaultCacheSize, nil, defaultCacheTTL),
	}
}

// WithJournal records domain changes on the event journal.
func (s *Service) WithJournal(j events.Journal) {
	if j != nil {
		s.journal = j
	}
}

// WithCache resizes the read cache. A size of zero or less keeps the default.
func (s *Service) WithCache(size int, ttl time.Duration) {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	s.mu.Lock()
	s.cache = expirable.NewLRU[uint64, relay.Domain](size, nil, ttl)
	s.mu.Unlock()
}

// RegisterDomain adds a destination domain.
func (s *Service) RegisterDomain(ctx context.Context, caller auth.Principal, d relay.Domain) (relay.Domain, error) {
	if err := auth.Require(caller, auth.CapAdmin); err != nil {
		return relay.Domain{}, err
	}
	d.EndpointRef = strings.TrimSpace(d.EndpointRef)
	d.RollupRef = strings.TrimSpace(d.RollupRef)
	d.SettlementSymbol = strings.ToUpper(strings.TrimSpace(d.SettlementSymbol))
	if err := validate(d); err != nil {
		return relay.Domain{}, err
	}

	s.mu.Lock()
	created, err := s.store.CreateDomain(ctx, d)
	if err == nil {
		s.cache.Add(created.ID, created)
	}
	s.mu.Unlock()
	if err != nil {
		if stderrors.Is(err, storage.ErrConflict) {
			return relay.Domain{}, errors.ErrDuplicateDomain.WithDetails("domain_id", d.ID)
		}
		return relay.Domain{}, errors.Internal("create domain", err)
	}

	s.log.WithField("domain_id", created.ID).
		WithField("family", created.Family).
		WithField("side_channel", created.SideChannelEnabled).
		Info("domain registered")
	events.NewEvent(events.EventDomainRegistered).
		Component("registry").
		Domain(created.ID).
		Actor(caller.ID).
		LogToWithContext(ctx, s.journal)
	return created, nil
}

// UpdateDomain applies the non-nil fields of upd to an existing domain.
func (s *Service) UpdateDomain(ctx context.Context, caller auth.Principal, id uint64, upd relay.DomainUpdate) (relay.Domain, error) {
	if err := auth.Require(caller, auth.CapAdmin); err != nil {
		return relay.Domain{}, err
	}
	if upd.EndpointRef != nil && relay.IsZeroRef(*upd.EndpointRef) {
		return relay.Domain{}, errors.ErrInvalidEndpoint
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetDomain(ctx, id)
	if err != nil {
		return relay.Domain{}, mapStoreErr(id, err)
	}
	next := upd.Apply(current)
	next.ID = id
	next.SettlementSymbol = strings.ToUpper(next.SettlementSymbol)
	if err := validate(next); err != nil {
		return relay.Domain{}, err
	}

	updated, err := s.store.UpdateDomain(ctx, next)
	if err != nil {
		s.cache.Remove(id)
		return relay.Domain{}, mapStoreErr(id, err)
	}
	s.cache.Add(id, updated)

	s.log.WithField("domain_id", id).
		WithField("active", updated.Active).
		Info("domain updated")
	events.NewEvent(events.EventDomainUpdated).
		Component("registry").
		Domain(id).
		Actor(caller.ID).
		Metadata("active", strconv.FormatBool(updated.Active)).
		LogToWithContext(ctx, s.journal)
	return updated, nil
}

// GetDomain returns a domain by id, active or not.
func (s *Service) GetDomain(ctx context.Context, id uint64) (relay.Domain, error) {
	s.mu.RLock()
	d, ok := s.cache.Get(id)
	s.mu.RUnlock()
	if ok {
		return d, nil
	}

	v, err, _ := s.group.Do(strconv.FormatUint(id, 10), func() (interface{}, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		loaded, err := s.store.GetDomain(ctx, id)
		if err != nil {
			return relay.Domain{}, err
		}
		s.cache.Add(id, loaded)
		return loaded, nil
	})
	if err != nil {
		return relay.Domain{}, mapStoreErr(id, err)
	}
	return v.(relay.Domain), nil
}

// ActiveDomain returns a domain that accepts new messages.
func (s *Service) ActiveDomain(ctx context.Context, id uint64) (relay.Domain, error) {
	d, err := s.GetDomain(ctx, id)
	if err != nil {
		return relay.Domain{}, err
	}
	if !d.Active {
		return relay.Domain{}, errors.ErrDomainInactive.WithDetails("domain_id", id)
	}
	return d, nil
}

// ListDomains returns every registered domain.
func (s *Service) ListDomains(ctx context.Context) ([]relay.Domain, error) {
	domains, err := s.store.ListDomains(ctx)
	if err != nil {
		return nil, errors.Internal("list domains", err)
	}
	return domains, nil
}

func validate(d relay.Domain) error {
	if relay.IsZeroRef(d.EndpointRef) {
		return errors.ErrInvalidEndpoint
	}
	if !d.Family.Valid() {
		return errors.Invalid("unknown domain family").WithDetails("family", string(d.Family))
	}
	if d.MaxPayloadBytes == 0 {
		return errors.Invalid("max_payload_bytes must be positive")
	}
	if d.NativeUSDPrice <= 0 {
		return errors.ErrInvalidPrice.WithDetails("field", "native_usd_price_e8")
	}
	return nil
}

func mapStoreErr(id uint64, err error) error {
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.ErrDomainNotFound.WithDetails("domain_id", id)
	}
	return errors.Internal("load domain", err)
}
