package lifecycle

import (
	"context"
	stderrors "errors"
	"strings"
	"unicode/utf8"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/auth"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/events"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/metrics"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
)

// UpdateStatus records a relayer's delivery report. Only Pending messages
// move; repeating the current status of a terminal message is a no-op so
// redelivered reports are harmless.
func (s *Service) UpdateStatus(ctx context.Context, caller auth.Principal, id string, status relay.Status, reason string) (relay.Message, error) {
	msg, err := s.updateStatus(ctx, caller, id, status, reason)
	return msg, s.reject(err)
}

func (s *Service) updateStatus(ctx context.Context, caller auth.Principal, id string, status relay.Status, reason string) (relay.Message, error) {
	if err := auth.Require(caller, auth.CapRelayer); err != nil {
		return relay.Message{}, err
	}
	if _, ok := relay.ParseStatus(string(status)); !ok {
		return relay.Message{}, errors.Invalid("unknown status").WithDetails("status", string(status))
	}
	reason = truncateReason(strings.TrimSpace(reason))

	var (
		msg  relay.Message
		from relay.Status
		noop bool
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := lockMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		from = current.Status
		if status == relay.StatusPending {
			return transitionError(from, status)
		}
		if current.Status == status && current.Status.IsTerminal() {
			msg, noop = current, true
			return nil
		}
		if !relay.CanTransition(current.Status, status) {
			return transitionError(from, status)
		}

		now := s.now()
		current.Status = status
		current.UpdatedAt = now
		current.FailureReason = ""
		if status == relay.StatusFailed {
			current.FailureReason = reason
		}
		if status == relay.StatusConfirmed {
			current.ConfirmedAt = &now
		}
		if err := tx.UpdateMessage(ctx, current); err != nil {
			return errors.Internal("update message", err)
		}
		if err := s.appendTransition(ctx, tx, id, from, status, reason, caller.ID); err != nil {
			return err
		}
		msg = current
		return nil
	})
	if err != nil {
		return relay.Message{}, err
	}
	if noop {
		s.log.WithField("message_id", id).
			WithField("status", status).
			Debug("duplicate status report ignored")
		return msg, nil
	}

	metrics.RecordTransition(string(from), string(status))
	eventType := events.EventMessageConfirmed
	if status == relay.StatusFailed {
		eventType = events.EventMessageFailed
	}
	s.log.WithField("message_id", id).
		WithField("relayer", caller.ID).
		WithField("status", status).
		WithField("reason", reason).
		Info("message status updated")
	events.NewEvent(eventType).
		Component("lifecycle").
		Domain(msg.DestinationDomainID).
		MessageID(id).
		Actor(caller.ID).
		Status(string(status)).
		Message(reason).
		LogToWithContext(ctx, s.journal)
	return msg, nil
}

// Retry moves a Failed message back to Pending and hands it to relayers
// again. Only the original sender or an operator may retry.
func (s *Service) Retry(ctx context.Context, caller auth.Principal, id string) (relay.Message, error) {
	msg, err := s.retry(ctx, caller, id)
	return msg, s.reject(err)
}

func (s *Service) retry(ctx context.Context, caller auth.Principal, id string) (relay.Message, error) {
	if err := auth.RequireSender(caller); err != nil {
		return relay.Message{}, err
	}

	var msg relay.Message
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := lockMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := auth.RequireOwnerOr(caller, current.Sender, auth.CapOperator); err != nil {
			return err
		}
		if current.Status != relay.StatusFailed {
			return errors.ErrMessageCannotBeRetried.
				WithDetails("message_id", id).
				WithDetails("status", string(current.Status))
		}

		current.Status = relay.StatusPending
		current.FailureReason = ""
		current.RetryCount++
		current.UpdatedAt = s.now()
		if err := tx.UpdateMessage(ctx, current); err != nil {
			return errors.Internal("update message", err)
		}
		if err := s.appendTransition(ctx, tx, id, relay.StatusFailed, relay.StatusPending, "retry", caller.ID); err != nil {
			return err
		}
		msg = current
		return nil
	})
	if err != nil {
		return relay.Message{}, err
	}

	metrics.RecordTransition(string(relay.StatusFailed), string(relay.StatusPending))
	s.log.WithField("message_id", id).
		WithField("actor", caller.ID).
		WithField("retry_count", msg.RetryCount).
		Info("message retried")
	events.NewEvent(events.EventMessageRetried).
		Component("lifecycle").
		Domain(msg.DestinationDomainID).
		MessageID(id).
		Actor(caller.ID).
		Status(string(msg.Status)).
		MetadataInt("retry_count", int64(msg.RetryCount)).
		LogToWithContext(ctx, s.journal)
	s.dispatch(ctx, msg)
	return msg, nil
}

func lockMessage(ctx context.Context, tx storage.Tx, id string) (relay.Message, error) {
	msg, err := tx.GetMessageForUpdate(ctx, id)
	if stderrors.Is(err, storage.ErrNotFound) {
		return relay.Message{}, errors.ErrMessageNotFound.WithDetails("message_id", id)
	}
	if err != nil {
		return relay.Message{}, errors.Internal("load message", err)
	}
	return msg, nil
}

func transitionError(from, to relay.Status) error {
	return errors.Wrap(errors.KindState, errors.CodeInvalidTransition, "invalid status transition", relay.TransitionError{From: from, To: to}).
		WithDetails("from", string(from)).
		WithDetails("to", string(to))
}

// truncateReason cuts reason to maxReasonLength bytes on a rune boundary.
func truncateReason(reason string) string {
	if len(reason) <= maxReasonLength {
		return reason
	}
	n := maxReasonLength
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
