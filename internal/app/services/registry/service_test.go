package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/auth"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/events"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage/memory"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
)

var admin = auth.NewPrincipal("root", "admin")

func sampleDomain(id uint64) relay.Domain {
	return relay.Domain{
		ID:                      id,
		Family:                  relay.FamilyOptimisticRollup,
		EndpointRef:             "0x4dbd4fc535ac27206064b68ffcf827b0a60bab3f",
		RollupRef:               "0x5e4e65926ba27467555eb562121fac00d24e9dd2",
		ConfirmationDepth:       12,
		SettlementSymbol:        "usdc",
		NativeUSDPrice:          3_500_00000000,
		AvgBlockIntervalSeconds: 2,
		SideChannelEnabled:      true,
		MaxPayloadBytes:         200000,
		Active:                  true,
	}
}

func TestService_RegisterAndGet(t *testing.T) {
	svc := New(memory.New(), nil)
	journal := events.NewRingBuffer(10)
	svc.WithJournal(journal)

	created, err := svc.RegisterDomain(context.Background(), admin, sampleDomain(1))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if created.SettlementSymbol != "USDC" || created.CreatedAt.IsZero() {
		t.Fatalf("unexpected domain %+v", created)
	}

	got, err := svc.GetDomain(context.Background(), 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MaxPayloadBytes != 200000 {
		t.Fatalf("unexpected domain %+v", got)
	}
	if journal.RecentByType(events.EventDomainRegistered, 1) == nil {
		t.Fatalf("expected registration event")
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	zero := sampleDomain(2)
	zero.EndpointRef = "0x0000000000000000000000000000000000000000"
	_, err := svc.RegisterDomain(ctx, admin, zero)
	assert.ErrorIs(t, err, errors.ErrInvalidEndpoint)
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))

	empty := sampleDomain(2)
	empty.EndpointRef = "  "
	_, err = svc.RegisterDomain(ctx, admin, empty)
	assert.ErrorIs(t, err, errors.ErrInvalidEndpoint)

	noMax := sampleDomain(2)
	noMax.MaxPayloadBytes = 0
	_, err = svc.RegisterDomain(ctx, admin, noMax)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	badFamily := sampleDomain(2)
	badFamily.Family = "sidechain"
	_, err = svc.RegisterDomain(ctx, admin, badFamily)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	_, err = svc.RegisterDomain(ctx, auth.NewPrincipal("mallory"), sampleDomain(2))
	assert.ErrorIs(t, err, errors.ErrForbidden)

	_, err = svc.RegisterDomain(ctx, auth.Principal{}, sampleDomain(2))
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	_, err = svc.GetDomain(ctx, 2)
	assert.ErrorIs(t, err, errors.ErrDomainNotFound, "rejected registrations must not persist")
}

func TestService_RegisterDuplicate(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	_, err := svc.RegisterDomain(ctx, admin, sampleDomain(3))
	require.NoError(t, err)
	_, err = svc.RegisterDomain(ctx, admin, sampleDomain(3))
	require.ErrorIs(t, err, errors.ErrDuplicateDomain)
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
}

func TestService_UpdatePreservesFields(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()
	_, err := svc.RegisterDomain(ctx, admin, sampleDomain(4))
	require.NoError(t, err)

	// Warm the cache so the update must invalidate it.
	_, err = svc.GetDomain(ctx, 4)
	require.NoError(t, err)

	inactive := false
	depth := uint32(64)
	updated, err := svc.UpdateDomain(ctx, admin, 4, relay.DomainUpdate{Active: &inactive, ConfirmationDepth: &depth})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, uint32(64), updated.ConfirmationDepth)
	assert.Equal(t, uint32(200000), updated.MaxPayloadBytes)
	assert.Equal(t, "0x4dbd4fc535ac27206064b68ffcf827b0a60bab3f", updated.EndpointRef)

	got, err := svc.GetDomain(ctx, 4)
	require.NoError(t, err)
	assert.False(t, got.Active, "cached domain should reflect the update")

	_, err = svc.ActiveDomain(ctx, 4)
	assert.ErrorIs(t, err, errors.ErrDomainInactive)
}

func TestService_UpdateRejections(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()
	_, err := svc.RegisterDomain(ctx, admin, sampleDomain(5))
	require.NoError(t, err)

	zero := "0x00"
	_, err = svc.UpdateDomain(ctx, admin, 5, relay.DomainUpdate{EndpointRef: &zero})
	assert.ErrorIs(t, err, errors.ErrInvalidEndpoint)

	_, err = svc.UpdateDomain(ctx, admin, 99, relay.DomainUpdate{})
	assert.ErrorIs(t, err, errors.ErrDomainNotFound)

	active := false
	_, err = svc.UpdateDomain(ctx, auth.NewPrincipal("relayer-1", "relayer"), 5, relay.DomainUpdate{Active: &active})
	assert.ErrorIs(t, err, errors.ErrForbidden)
}

type countingStore struct {
	storage.DomainStore
	gets int32
}

func (c *countingStore) GetDomain(ctx context.Context, id uint64) (relay.Domain, error) {
	atomic.AddInt32(&c.gets, 1)
	return c.DomainStore.GetDomain(ctx, id)
}

func TestService_CacheServesRepeatedReads(t *testing.T) {
	backing := memory.New()
	if _, err := backing.CreateDomain(context.Background(), sampleDomain(6)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store := &countingStore{DomainStore: backing}
	svc := New(store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.GetDomain(context.Background(), 6); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, err := svc.GetDomain(context.Background(), 6); err != nil {
		t.Fatalf("get: %v", err)
	}
	if n := atomic.LoadInt32(&store.gets); n == 0 || n > 20 {
		t.Fatalf("unexpected store reads %d", n)
	}
	before := atomic.LoadInt32(&store.gets)
	for i := 0; i < 5; i++ {
		_, _ = svc.GetDomain(context.Background(), 6)
	}
	if atomic.LoadInt32(&store.gets) != before {
		t.Fatalf("cached reads should not hit the store")
	}
}
