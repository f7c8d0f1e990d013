// Package bridge adapts business payloads (orders, trade settlements and
// opaque instructions) into relay messages. Order and trade ids are claimed
// in the same transaction that creates the message, so each business id is
// bridged at most once.
package bridge

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/auth"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/lifecycle"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

// Service validates business payloads and submits them for relay.
type Service struct {
	lifecycle *lifecycle.Service
	ledger    storage.LedgerStore
	log       *logger.Logger
}

// New constructs a bridge adapter.
func New(lc *lifecycle.Service, ledger storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("bridge")
	}
	return &Service{lifecycle: lc, ledger: ledger, log: log}
}

// BridgeOrder relays an order to its destination domain.
func (s *Service) BridgeOrder(ctx context.Context, caller auth.Principal, order relay.Order) (relay.Message, error) {
	if err := auth.RequireSender(caller); err != nil {
		return relay.Message{}, err
	}
	order.BusinessID = strings.TrimSpace(order.BusinessID)
	if order.Trader == "" {
		order.Trader = caller.ID
	}
	if order.BusinessID == "" {
		return relay.Message{}, errors.Invalid("order_id is required")
	}
	if order.Side != relay.SideBuy && order.Side != relay.SideSell {
		return relay.Message{}, errors.Invalid("side must be buy or sell").WithDetails("side", string(order.Side))
	}
	if order.Amount == nil || order.Amount.Sign() <= 0 {
		return relay.Message{}, errors.ErrInvalidAmount.WithDetails("order_id", order.BusinessID)
	}
	if order.Price == nil || order.Price.Sign() <= 0 {
		return relay.Message{}, errors.ErrInvalidPrice.WithDetails("order_id", order.BusinessID)
	}
	if !s.lifecycle.Now().Before(order.ExpiresAt) {
		return relay.Message{}, errors.ErrOrderExpired.
			WithDetails("order_id", order.BusinessID).
			WithDetails("expires_at", order.ExpiresAt)
	}

	item := relay.BridgedItem{
		Kind:         relay.ItemOrder,
		BusinessID:   order.BusinessID,
		Owner:        caller.ID,
		Participants: participants(caller.ID, order.Trader),
		DomainID:     order.DestinationDomainID,
	}
	msg, err := s.submit(ctx, caller, order, item, errors.ErrOrderAlreadyBridged)
	if err != nil {
		return relay.Message{}, err
	}
	s.log.WithField("order_id", order.BusinessID).
		WithField("message_id", msg.ID).
		WithField("domain_id", order.DestinationDomainID).
		Info("order bridged")
	return msg, nil
}

// SettleTrade relays a matched trade's settlement.
func (s *Service) SettleTrade(ctx context.Context, caller auth.Principal, trade relay.Trade) (relay.Message, error) {
	if err := auth.RequireSender(caller); err != nil {
		return relay.Message{}, err
	}
	trade.BusinessID = strings.TrimSpace(trade.BusinessID)
	trade.Buyer = strings.TrimSpace(trade.Buyer)
	trade.Seller = strings.TrimSpace(trade.Seller)
	if trade.BusinessID == "" {
		return relay.Message{}, errors.Invalid("trade_id is required")
	}
	if trade.Buyer == "" || trade.Seller == "" {
		return relay.Message{}, errors.Invalid("buyer and seller are required")
	}
	if trade.Buyer == trade.Seller {
		return relay.Message{}, errors.ErrPartiesMustDiffer.WithDetails("trade_id", trade.BusinessID)
	}
	if trade.Amount == nil || trade.Amount.Sign() <= 0 {
		return relay.Message{}, errors.ErrInvalidAmount.WithDetails("trade_id", trade.BusinessID)
	}
	if trade.Price == nil || trade.Price.Sign() <= 0 {
		return relay.Message{}, errors.ErrInvalidPrice.WithDetails("trade_id", trade.BusinessID)
	}
	if !trade.ExpiresAt.IsZero() && !s.lifecycle.Now().Before(trade.ExpiresAt) {
		return relay.Message{}, errors.ErrTradeExpired.
			WithDetails("trade_id", trade.BusinessID).
			WithDetails("expires_at", trade.ExpiresAt)
	}

	item := relay.BridgedItem{
		Kind:         relay.ItemTrade,
		BusinessID:   trade.BusinessID,
		Owner:        caller.ID,
		Participants: participants(trade.Buyer, trade.Seller),
		DomainID:     trade.DestinationDomainID,
	}
	msg, err := s.submit(ctx, caller, trade, item, errors.ErrTradeAlreadySettled)
	if err != nil {
		return relay.Message{}, err
	}
	s.log.WithField("trade_id", trade.BusinessID).
		WithField("message_id", msg.ID).
		WithField("domain_id", trade.DestinationDomainID).
		Info("trade settlement bridged")
	return msg, nil
}

// CompressAndBridge relays opaque instruction bytes unmodified apart from
// compression with the given profile.
func (s *Service) CompressAndBridge(ctx context.Context, caller auth.Principal, domainID uint64, payload []byte, t relay.PayloadType) (relay.Message, error) {
	if !t.Valid() {
		return relay.Message{}, errors.Invalid("unknown payload type").WithDetails("payload_type", string(t))
	}
	return s.lifecycle.Submit(ctx, caller, lifecycle.CreateRequest{
		DomainID: domainID,
		Payload:  payload,
		Type:     t,
	})
}

// OrdersByUser returns the orders a user bridged or trades in.
func (s *Service) OrdersByUser(ctx context.Context, user string) ([]relay.BridgedItem, error) {
	return s.items(ctx, relay.ItemOrder, user)
}

// TradesByParty returns the trades a user is party to.
func (s *Service) TradesByParty(ctx context.Context, user string) ([]relay.BridgedItem, error) {
	return s.items(ctx, relay.ItemTrade, user)
}

func (s *Service) items(ctx context.Context, kind relay.ItemKind, user string) ([]relay.BridgedItem, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, errors.Invalid("user is required")
	}
	items, err := s.ledger.ListBridgedItems(ctx, kind, user)
	if err != nil {
		return nil, errors.Internal("list bridged items", err)
	}
	return items, nil
}

// submit serializes the envelope and creates its message, claiming the
// business id inside the message transaction. The ledger pre-check only
// rejects replays early; the claim is what enforces uniqueness.
func (s *Service) submit(ctx context.Context, caller auth.Principal, envelope interface{}, item relay.BridgedItem, replayErr *errors.ServiceError) (relay.Message, error) {
	if _, err := s.ledger.GetBridgedItem(ctx, item.Kind, item.BusinessID); err == nil {
		return relay.Message{}, replayErr.WithDetails("business_id", item.BusinessID)
	} else if !stderrors.Is(err, storage.ErrNotFound) {
		return relay.Message{}, errors.Internal("check ledger", err)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return relay.Message{}, errors.Internal("encode envelope", err)
	}
	return s.lifecycle.Submit(ctx, caller, lifecycle.CreateRequest{
		DomainID: item.DomainID,
		Payload:  payload,
		Type:     relay.PayloadStructuredData,
		BeforeCommit: func(ctx context.Context, tx storage.Tx, msg relay.Message) error {
			item.MessageID = msg.ID
			item.CreatedAt = msg.CreatedAt
			err := tx.ClaimBusinessID(ctx, item)
			if stderrors.Is(err, storage.ErrConflict) {
				return replayErr.WithDetails("business_id", item.BusinessID)
			}
			if err != nil {
				return errors.Internal("claim business id", err)
			}
			return nil
		},
	})
}

func participants(ids ...string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
