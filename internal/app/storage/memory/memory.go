package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
// Transactions are serialised by a single writer lock and rolled back with an
// undo journal. Reads wait for a running transaction to finish, so they never
// observe writes that are later rolled back.
type Store struct {
	txMu sync.RWMutex

	mu          sync.RWMutex
	domains     map[uint64]relay.Domain
	profiles    map[relay.PayloadType]relay.CompressionProfile
	messages    map[string]relay.Message
	bySender    map[string][]string
	transitions map[string][]relay.Transition
	nonces      map[string]uint64
	items       map[itemKey]relay.BridgedItem
}

type itemKey struct {
	kind relay.ItemKind
	id   string
}

var _ storage.RelayStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		domains:     make(map[uint64]relay.Domain),
		profiles:    make(map[relay.PayloadType]relay.CompressionProfile),
		messages:    make(map[string]relay.Message),
		bySender:    make(map[string][]string),
		transitions: make(map[string][]relay.Transition),
		nonces:      make(map[string]uint64),
		items:       make(map[itemKey]relay.BridgedItem),
	}
}

// DomainStore implementation --------------------------------------------------

func (s *Store) CreateDomain(_ context.Context, d relay.Domain) (relay.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.domains[d.ID]; exists {
		return relay.Domain{}, storage.ErrConflict
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	s.domains[d.ID] = d
	return d, nil
}

func (s *Store) UpdateDomain(_ context.Context, d relay.Domain) (relay.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.domains[d.ID]
	if !ok {
		return relay.Domain{}, storage.ErrNotFound
	}
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = time.Now().UTC()
	s.domains[d.ID] = d
	return d, nil
}

func (s *Store) GetDomain(_ context.Context, id uint64) (relay.Domain, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	return s.getDomain(id)
}

func (s *Store) getDomain(id uint64) (relay.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.domains[id]
	if !ok {
		return relay.Domain{}, storage.ErrNotFound
	}
	return d, nil
}

func (s *Store) ListDomains(_ context.Context) ([]relay.Domain, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]relay.Domain, 0, len(s.domains))
	for _, d := range s.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ProfileStore implementation -------------------------------------------------

func (s *Store) GetProfile(_ context.Context, t relay.PayloadType) (relay.CompressionProfile, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[t]
	if !ok {
		return relay.CompressionProfile{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListProfiles(_ context.Context) ([]relay.CompressionProfile, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]relay.CompressionProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (s *Store) SaveProfileParams(_ context.Context, t relay.PayloadType, params relay.CompressionParams) (relay.CompressionProfile, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[t]
	if !ok {
		p = relay.CompressionProfile{Type: t}
	}
	p.CompressionParams = params
	p.UpdatedAt = time.Now().UTC()
	s.profiles[t] = p
	return p, nil
}

func (s *Store) RecordCompressionSample(_ context.Context, t relay.PayloadType, ratioBps uint64) (relay.CompressionProfile, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[t]
	if !ok {
		return relay.CompressionProfile{}, storage.ErrNotFound
	}
	p.RecordSample(ratioBps)
	s.profiles[t] = p
	return p, nil
}

// MessageStore implementation -------------------------------------------------

func (s *Store) GetMessage(_ context.Context, id string) (relay.Message, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	return s.getMessage(id)
}

func (s *Store) getMessage(id string) (relay.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return relay.Message{}, storage.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Store) ListMessagesBySender(_ context.Context, sender string, limit int) ([]relay.Message, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySender[sender]
	out := make([]relay.Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, cloneMessage(s.messages[ids[i]]))
	}
	return out, nil
}

func (s *Store) ListPendingMessages(_ context.Context, domainID uint64, limit int) ([]relay.Message, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []relay.Message
	for _, m := range s.messages {
		if m.DestinationDomainID == domainID && m.Status == relay.StatusPending {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListTransitions(_ context.Context, messageID string) ([]relay.Transition, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	trs := s.transitions[messageID]
	out := make([]relay.Transition, len(trs))
	copy(out, trs)
	return out, nil
}

func (s *Store) CompactConfirmedMessages(_ context.Context, before time.Time, limit int) (int, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	compacted := 0
	for id, m := range s.messages {
		if limit > 0 && compacted >= limit {
			break
		}
		if m.Status != relay.StatusConfirmed || m.Archived || m.ConfirmedAt == nil || !m.ConfirmedAt.Before(before) {
			continue
		}
		m.Payload = nil
		m.Archived = true
		m.UpdatedAt = time.Now().UTC()
		s.messages[id] = m
		compacted++
	}
	return compacted, nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) GetBridgedItem(_ context.Context, kind relay.ItemKind, businessID string) (relay.BridgedItem, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemKey{kind: kind, id: businessID}]
	if !ok {
		return relay.BridgedItem{}, storage.ErrNotFound
	}
	return item, nil
}

func (s *Store) ListBridgedItems(_ context.Context, kind relay.ItemKind, participant string) ([]relay.BridgedItem, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []relay.BridgedItem
	for key, item := range s.items {
		if key.kind == kind && item.HasParticipant(participant) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Transactor implementation ---------------------------------------------------

// WithinTx runs fn while holding the writer lock. Mutations are journaled and
// undone in reverse order when fn returns an error or panics.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{store: s}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(ctx, tx)
}

type memTx struct {
	store *Store
	undo  []func()
}

func (t *memTx) rollback() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetDomain(_ context.Context, id uint64) (relay.Domain, error) {
	return t.store.getDomain(id)
}

func (t *memTx) GetMessageForUpdate(_ context.Context, id string) (relay.Message, error) {
	return t.store.getMessage(id)
}

func (t *memTx) InsertMessage(_ context.Context, m relay.Message) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[m.ID]; exists {
		return storage.ErrConflict
	}
	s.messages[m.ID] = cloneMessage(m)
	s.bySender[m.Sender] = append(s.bySender[m.Sender], m.ID)
	t.undo = append(t.undo, func() {
		delete(s.messages, m.ID)
		ids := s.bySender[m.Sender]
		if n := len(ids); n > 0 && ids[n-1] == m.ID {
			s.bySender[m.Sender] = ids[:n-1]
		}
	})
	return nil
}

func (t *memTx) UpdateMessage(_ context.Context, m relay.Message) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.messages[m.ID]
	if !ok {
		return storage.ErrNotFound
	}
	s.messages[m.ID] = cloneMessage(m)
	t.undo = append(t.undo, func() { s.messages[m.ID] = prev })
	return nil
}

func (t *memTx) AppendTransition(_ context.Context, tr relay.Transition) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transitions[tr.MessageID] = append(s.transitions[tr.MessageID], tr)
	t.undo = append(t.undo, func() {
		trs := s.transitions[tr.MessageID]
		if n := len(trs); n > 0 {
			s.transitions[tr.MessageID] = trs[:n-1]
		}
	})
	return nil
}

func (t *memTx) NextNonce(_ context.Context, sender string) (uint64, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.nonces[sender]
	s.nonces[sender] = n + 1
	t.undo = append(t.undo, func() { s.nonces[sender] = n })
	return n, nil
}

func (t *memTx) RecordCompressionSample(_ context.Context, pt relay.PayloadType, ratioBps uint64) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.profiles[pt]
	p := prev
	if !existed {
		p = relay.DefaultProfile(pt)
	}
	p.RecordSample(ratioBps)
	p.UpdatedAt = time.Now().UTC()
	s.profiles[pt] = p
	t.undo = append(t.undo, func() {
		if existed {
			s.profiles[pt] = prev
		} else {
			delete(s.profiles, pt)
		}
	})
	return nil
}

func (t *memTx) ClaimBusinessID(_ context.Context, item relay.BridgedItem) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	key := itemKey{kind: item.Kind, id: item.BusinessID}
	if _, exists := s.items[key]; exists {
		return storage.ErrConflict
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.Participants = append([]string(nil), item.Participants...)
	s.items[key] = item
	t.undo = append(t.undo, func() { delete(s.items, key) })
	return nil
}

func cloneMessage(m relay.Message) relay.Message {
	if m.Payload != nil {
		m.Payload = append([]byte(nil), m.Payload...)
	}
	if m.ConfirmedAt != nil {
		at := *m.ConfirmedAt
		m.ConfirmedAt = &at
	}
	return m
}
