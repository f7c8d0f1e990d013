package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("storage: unique key already exists")
)

// DomainStore persists destination domain configuration.
type DomainStore interface {
	CreateDomain(ctx context.Context, d relay.Domain) (relay.Domain, error)
	UpdateDomain(ctx context.Context, d relay.Domain) (relay.Domain, error)
	GetDomain(ctx context.Context, id uint64) (relay.Domain, error)
	ListDomains(ctx context.Context) ([]relay.Domain, error)
}

// ProfileStore persists compression profiles and their running statistics.
type ProfileStore interface {
	GetProfile(ctx context.Context, t relay.PayloadType) (relay.CompressionProfile, error)
	ListProfiles(ctx context.Context) ([]relay.CompressionProfile, error)
	// SaveProfileParams replaces the tunable parameters, keeping statistics.
	SaveProfileParams(ctx context.Context, t relay.PayloadType, params relay.CompressionParams) (relay.CompressionProfile, error)
	// RecordCompressionSample atomically folds one ratio into the statistics.
	RecordCompressionSample(ctx context.Context, t relay.PayloadType, ratioBps uint64) (relay.CompressionProfile, error)
}

// MessageStore exposes the read side of the message table plus maintenance.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (relay.Message, error)
	ListMessagesBySender(ctx context.Context, sender string, limit int) ([]relay.Message, error)
	ListPendingMessages(ctx context.Context, domainID uint64, limit int) ([]relay.Message, error)
	ListTransitions(ctx context.Context, messageID string) ([]relay.Transition, error)
	// CompactConfirmedMessages drops payload bytes of confirmed messages
	// confirmed before the cutoff. Ids and metadata are kept.
	CompactConfirmedMessages(ctx context.Context, before time.Time, limit int) (int, error)
}

// LedgerStore exposes bridged business items.
type LedgerStore interface {
	GetBridgedItem(ctx context.Context, kind relay.ItemKind, businessID string) (relay.BridgedItem, error)
	ListBridgedItems(ctx context.Context, kind relay.ItemKind, participant string) ([]relay.BridgedItem, error)
}

// Tx is the mutation surface available inside WithinTx. Every write made
// through a Tx commits together or not at all.
type Tx interface {
	GetDomain(ctx context.Context, id uint64) (relay.Domain, error)
	// GetMessageForUpdate reads a message and holds its row until the
	// transaction ends.
	GetMessageForUpdate(ctx context.Context, id string) (relay.Message, error)
	// InsertMessage returns ErrConflict when the id already exists.
	InsertMessage(ctx context.Context, m relay.Message) error
	UpdateMessage(ctx context.Context, m relay.Message) error
	AppendTransition(ctx context.Context, t relay.Transition) error
	// NextNonce returns the sender's next automatic nonce and advances it.
	NextNonce(ctx context.Context, sender string) (uint64, error)
	// ClaimBusinessID returns ErrConflict when the business id is taken.
	ClaimBusinessID(ctx context.Context, item relay.BridgedItem) error
	// RecordCompressionSample folds one ratio into the profile statistics,
	// creating the profile with default parameters when it is missing.
	RecordCompressionSample(ctx context.Context, t relay.PayloadType, ratioBps uint64) error
}

// Transactor runs fn atomically.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// RelayStore is implemented by every backend.
type RelayStore interface {
	DomainStore
	ProfileStore
	MessageStore
	LedgerStore
	Transactor
}
