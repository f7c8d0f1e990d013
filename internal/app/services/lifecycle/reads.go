package lifecycle

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/auth"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
)

// GetMessage returns a message by id.
func (s *Service) GetMessage(ctx context.Context, id string) (relay.Message, error) {
	msg, err := s.store.GetMessage(ctx, strings.TrimSpace(id))
	if stderrors.Is(err, storage.ErrNotFound) {
		return relay.Message{}, errors.ErrMessageNotFound.WithDetails("message_id", id)
	}
	if err != nil {
		return relay.Message{}, errors.Internal("load message", err)
	}
	return msg, nil
}

// GetStatus returns the status summary of a message.
func (s *Service) GetStatus(ctx context.Context, id string) (StatusView, error) {
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		MessageID:     msg.ID,
		Status:        msg.Status,
		FailureReason: msg.FailureReason,
		RetryCount:    msg.RetryCount,
		UpdatedAt:     msg.UpdatedAt,
		ConfirmedAt:   msg.ConfirmedAt,
	}, nil
}

// ListBySender returns a sender's messages, newest first.
func (s *Service) ListBySender(ctx context.Context, sender string, limit int) ([]relay.Message, error) {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return nil, errors.Invalid("sender is required")
	}
	msgs, err := s.store.ListMessagesBySender(ctx, sender, ReadLimit(limit))
	if err != nil {
		return nil, errors.Internal("list messages", err)
	}
	return msgs, nil
}

// ListPending returns a domain's pending messages, oldest first, for
// relayers that poll instead of consuming the dispatch stream.
func (s *Service) ListPending(ctx context.Context, caller auth.Principal, domainID uint64, limit int) ([]relay.Message, error) {
	if err := auth.Require(caller, auth.CapRelayer); err != nil {
		return nil, err
	}
	if _, err := s.domains.GetDomain(ctx, domainID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListPendingMessages(ctx, domainID, ReadLimit(limit))
	if err != nil {
		return nil, errors.Internal("list pending messages", err)
	}
	return msgs, nil
}

// History returns the transition trail of a message, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]relay.Transition, error) {
	if _, err := s.GetMessage(ctx, id); err != nil {
		return nil, err
	}
	trail, err := s.store.ListTransitions(ctx, id)
	if err != nil {
		return nil, errors.Internal("list transitions", err)
	}
	return trail, nil
}
