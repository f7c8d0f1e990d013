// Package lifecycle owns relay messages: creation, relayer status reports,
// retries and the read side. Every mutation runs in one store transaction
// that also appends to the message's transition history.
package lifecycle

import (
	"context"
	stderrors "errors"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/auth"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/events"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/metrics"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/compression"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/dispatch"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/optimizer"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

const (
	// DefaultMaxBatchSize bounds CreateBatch.
	DefaultMaxBatchSize = 100
	// DefaultListLimit bounds list reads when the caller passes no limit.
	DefaultListLimit = 100
	maxListLimit     = 1000
	maxReasonLength  = 1024

	// nonce allocation skips ids already taken by explicit-nonce submissions
	maxNonceAttempts = 8
)

// DomainResolver resolves destination domains.
type DomainResolver interface {
	GetDomain(ctx context.Context, id uint64) (relay.Domain, error)
	ActiveDomain(ctx context.Context, id uint64) (relay.Domain, error)
}

// Store is the persistence the lifecycle needs.
type Store interface {
	storage.MessageStore
	storage.Transactor
}

// TxHook runs inside the creating transaction after the message row is
// written. An error rolls the message back.
type TxHook func(ctx context.Context, tx storage.Tx, msg relay.Message) error

// CreateRequest describes one submission.
type CreateRequest struct {
	DomainID uint64
	Payload  []byte
	// Nonce is used by CreateMessage and ignored by Submit.
	Nonce uint64
	// Type selects the compression profile. Empty stores the payload as is.
	Type relay.PayloadType
	// BeforeCommit, when set, joins the message's transaction.
	BeforeCommit TxHook
}

// StatusView is the status summary of a message.
type StatusView struct {
	MessageID     string       `json:"message_id"`
	Status        relay.Status `json:"status"`
	FailureReason string       `json:"failure_reason,omitempty"`
	RetryCount    uint32       `json:"retry_count"`
	UpdatedAt     time.Time    `json:"updated_at"`
	ConfirmedAt   *time.Time   `json:"confirmed_at,omitempty"`
}

// Service manages message lifecycles.
type Service struct {
	domains     DomainResolver
	optimizer   *optimizer.Service
	compression *compression.Service
	store       Store
	dispatcher  dispatch.Dispatcher
	journal     events.Journal
	log         *logger.Logger

	maxBatch int
	now      func() time.Time
}

// New constructs a lifecycle manager.
func New(domains DomainResolver, opt *optimizer.Service, comp *compression.Service, store Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("lifecycle")
	}
	return &Service{
		domains:     domains,
		optimizer:   opt,
		compression: comp,
		store:       store,
		dispatcher:  dispatch.Noop{},
		journal:     events.NoOpJournal{},
		log:         log,
		maxBatch:    DefaultMaxBatchSize,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithDispatcher sets where committed pending messages are handed off.
func (s *Service) WithDispatcher(d dispatch.Dispatcher) {
	if d != nil {
		s.dispatcher = d
	}
}

// WithJournal records lifecycle events.
func (s *Service) WithJournal(j events.Journal) {
	if j != nil {
		s.journal = j
	}
}

// WithMaxBatchSize overrides the batch bound.
func (s *Service) WithMaxBatchSize(n int) {
	if n > 0 {
		s.maxBatch = n
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Now returns the service clock.
func (s *Service) Now() time.Time {
	return s.now()
}

// CreateMessage stores a new pending message under the caller-chosen nonce.
// Resubmitting the same (sender, domain, payload, nonce) fails with
// DuplicateMessage.
func (s *Service) CreateMessage(ctx context.Context, caller auth.Principal, req CreateRequest) (relay.Message, error) {
	msg, err := s.create(ctx, caller, req, false)
	return msg, s.reject(err)
}

// Submit is CreateMessage with a nonce allocated from the sender's counter.
func (s *Service) Submit(ctx context.Context, caller auth.Principal, req CreateRequest) (relay.Message, error) {
	msg, err := s.create(ctx, caller, req, true)
	return msg, s.reject(err)
}

func (s *Service) create(ctx context.Context, caller auth.Principal, req CreateRequest, autoNonce bool) (relay.Message, error) {
	if err := auth.RequireSender(caller); err != nil {
		return relay.Message{}, err
	}
	domain, err := s.domains.ActiveDomain(ctx, req.DomainID)
	if err != nil {
		return relay.Message{}, err
	}
	msg, err := s.prepare(ctx, caller.ID, domain, req.Payload, req.Type)
	if err != nil {
		return relay.Message{}, err
	}
	msg.Nonce = req.Nonce

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := checkDomainActive(ctx, tx, req.DomainID); err != nil {
			return err
		}
		if err := s.insert(ctx, tx, &msg, req.Payload, autoNonce); err != nil {
			return err
		}
		if req.BeforeCommit != nil {
			return req.BeforeCommit(ctx, tx, msg)
		}
		return nil
	})
	if err != nil {
		return relay.Message{}, err
	}

	s.created(ctx, msg)
	s.dispatch(ctx, msg)
	return msg, nil
}

// prepare validates and prices a payload without touching the store.
func (s *Service) prepare(ctx context.Context, sender string, d relay.Domain, payload []byte, t relay.PayloadType) (relay.Message, error) {
	now := s.now()
	msg := relay.Message{
		Sender:              sender,
		DestinationDomainID: d.ID,
		Payload:             payload,
		OriginalSize:        uint32(len(payload)),
		Status:              relay.StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return relay.Message{}, errors.ErrPayloadTooLarge.WithDetails("payload_size", len(payload))
	}

	if t != "" {
		res, err := s.compression.Encode(payload, t)
		if err != nil {
			return relay.Message{}, err
		}
		msg.Payload = res.Data
		msg.PayloadType = t
		msg.Compressed = true
	}
	msg.PayloadSize = uint32(len(msg.Payload))

	if msg.PayloadSize > d.MaxPayloadBytes {
		return relay.Message{}, errors.ErrPayloadTooLarge.
			WithDetails("payload_size", msg.PayloadSize).
			WithDetails("max_payload_bytes", d.MaxPayloadBytes)
	}

	side := s.optimizer.UseSideChannel(d, uint64(msg.PayloadSize))
	est, err := s.optimizer.Estimate(d, uint64(msg.PayloadSize), side)
	if err != nil {
		return relay.Message{}, err
	}
	msg.Channel = est.Channel
	if msg.NativeCost, err = toUint64("native_cost", est.Selected()); err != nil {
		return relay.Message{}, err
	}
	if !est.USDCostE8.IsInt64() {
		return relay.Message{}, errors.OutOfRange("usd_cost_e8", est.USDCostE8.String(), "int64")
	}
	msg.USDCostE8 = est.USDCostE8.Int64()
	return msg, nil
}

// insert assigns the id, writes the row and its first transition.
func (s *Service) insert(ctx context.Context, tx storage.Tx, msg *relay.Message, original []byte, autoNonce bool) error {
	for attempt := 0; ; attempt++ {
		if autoNonce {
			nonce, err := tx.NextNonce(ctx, msg.Sender)
			if err != nil {
				return errors.Internal("allocate nonce", err)
			}
			msg.Nonce = nonce
		}
		msg.ID = MessageID(msg.Sender, msg.DestinationDomainID, original, msg.Nonce)

		err := tx.InsertMessage(ctx, *msg)
		if err == nil {
			break
		}
		if !stderrors.Is(err, storage.ErrConflict) {
			return errors.Internal("insert message", err)
		}
		if !autoNonce || attempt+1 >= maxNonceAttempts {
			return errors.ErrDuplicateMessage.WithDetails("message_id", msg.ID)
		}
	}
	if msg.Compressed {
		if err := tx.RecordCompressionSample(ctx, msg.PayloadType, compressionRatio(*msg)); err != nil {
			return errors.Internal("record compression sample", err)
		}
	}
	return s.appendTransition(ctx, tx, msg.ID, "", relay.StatusPending, "", msg.Sender)
}

// compressionRatio is the wire size of a compressed message in basis points
// of its original size.
func compressionRatio(msg relay.Message) uint64 {
	if msg.OriginalSize == 0 {
		return 10000
	}
	return uint64(msg.PayloadSize) * 10000 / uint64(msg.OriginalSize)
}

// CreateBatch creates one message per (recipient, payload, amount) entry.
// Either every entry is committed or none is.
func (s *Service) CreateBatch(ctx context.Context, caller auth.Principal, domainID uint64, recipients []string, payloads [][]byte, amounts []*big.Int) ([]relay.Message, error) {
	msgs, err := s.createBatch(ctx, caller, domainID, recipients, payloads, amounts)
	return msgs, s.reject(err)
}

func (s *Service) createBatch(ctx context.Context, caller auth.Principal, domainID uint64, recipients []string, payloads [][]byte, amounts []*big.Int) ([]relay.Message, error) {
	if err := auth.RequireSender(caller); err != nil {
		return nil, err
	}
	if len(recipients) != len(payloads) || len(recipients) != len(amounts) {
		return nil, errors.ErrArrayLengthMismatch.
			WithDetails("recipients", len(recipients)).
			WithDetails("payloads", len(payloads)).
			WithDetails("amounts", len(amounts))
	}
	if len(recipients) == 0 {
		return nil, errors.Invalid("batch must contain at least one entry")
	}
	if len(recipients) > s.maxBatch {
		return nil, errors.OutOfRange("batch_size", len(recipients), s.maxBatch)
	}
	domain, err := s.domains.ActiveDomain(ctx, domainID)
	if err != nil {
		return nil, err
	}

	envelopes, msgs, err := s.prepareBatch(ctx, caller.ID, domain, recipients, payloads, amounts)
	if err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := checkDomainActive(ctx, tx, domainID); err != nil {
			return err
		}
		for i := range msgs {
			if err := s.insert(ctx, tx, &msgs[i], envelopes[i], true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		s.created(ctx, msg)
		ids = append(ids, msg.ID)
	}
	for _, msg := range msgs {
		s.dispatch(ctx, msg)
	}
	events.NewEvent(events.EventBatchCreated).
		Component("lifecycle").
		Domain(domainID).
		Actor(caller.ID).
		MetadataInt("messages", int64(len(ids))).
		LogToWithContext(ctx, s.journal)
	s.log.WithField("domain_id", domainID).
		WithField("sender", caller.ID).
		WithField("messages", len(ids)).
		Info("batch created")
	return msgs, nil
}

// ReadLimit clamps a caller supplied list limit.
func ReadLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func toUint64(field string, v *big.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, errors.OutOfRange(field, v.String(), "uint64")
	}
	return v.Uint64(), nil
}

func checkDomainActive(ctx context.Context, tx storage.Tx, id uint64) error {
	d, err := tx.GetDomain(ctx, id)
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.ErrDomainNotFound.WithDetails("domain_id", id)
	}
	if err != nil {
		return errors.Internal("load domain", err)
	}
	if !d.Active {
		return errors.ErrDomainInactive.WithDetails("domain_id", id)
	}
	return nil
}

func (s *Service) appendTransition(ctx context.Context, tx storage.Tx, id string, from, to relay.Status, reason, actor string) error {
	err := tx.AppendTransition(ctx, relay.Transition{
		ID:        uuid.NewString(),
		MessageID: id,
		From:      from,
		To:        to,
		Reason:    reason,
		Actor:     actor,
		At:        s.now(),
	})
	if err != nil {
		return errors.Internal("append transition", err)
	}
	return nil
}

func (s *Service) created(ctx context.Context, msg relay.Message) {
	metrics.RecordMessageCreated(msg.DestinationDomainID, string(msg.Channel))
	if msg.Compressed {
		metrics.RecordCompression(string(msg.PayloadType), int(msg.OriginalSize), int(msg.PayloadSize), compressionRatio(msg))
	}
	metrics.RecordTransition("", string(relay.StatusPending))
	s.log.WithField("message_id", msg.ID).
		WithField("domain_id", msg.DestinationDomainID).
		WithField("sender", msg.Sender).
		WithField("channel", msg.Channel).
		WithField("payload_size", msg.PayloadSize).
		Info("message created")
	events.NewEvent(events.EventMessageCreated).
		Component("lifecycle").
		Domain(msg.DestinationDomainID).
		MessageID(msg.ID).
		Actor(msg.Sender).
		Status(string(msg.Status)).
		Metadata("channel", string(msg.Channel)).
		LogToWithContext(ctx, s.journal)
}

// dispatch hands a committed pending message to relayers. Failures are
// logged and journaled; the message stays pending for polling relayers.
func (s *Service) dispatch(ctx context.Context, msg relay.Message) {
	err := s.dispatcher.Dispatch(ctx, msg)
	metrics.RecordDispatch(err == nil)
	if err == nil {
		return
	}
	s.log.WithError(err).
		WithField("message_id", msg.ID).
		Warn("dispatch failed")
	events.NewEvent(events.EventDispatchFailed).
		Component("lifecycle").
		Domain(msg.DestinationDomainID).
		MessageID(msg.ID).
		ErrorFrom(err).
		LogToWithContext(ctx, s.journal)
}

// reject counts caller-visible failures by code.
func (s *Service) reject(err error) error {
	if err == nil {
		return nil
	}
	if se := errors.GetServiceError(err); se != nil {
		metrics.RecordRejection(string(se.Code))
	} else {
		metrics.RecordRejection("")
	}
	return err
}
