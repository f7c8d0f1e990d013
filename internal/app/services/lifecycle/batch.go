package lifecycle

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"go.uber.org/multierr"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
)

// prepareBatch validates every entry before anything is written. All entry
// failures are reported together; the first one decides the error code.
func (s *Service) prepareBatch(ctx context.Context, sender string, d relay.Domain, recipients []string, payloads [][]byte, amounts []*big.Int) ([][]byte, []relay.Message, error) {
	envelopes := make([][]byte, len(recipients))
	msgs := make([]relay.Message, len(recipients))

	var errs error
	for i := range recipients {
		env, msg, err := s.prepareEntry(ctx, sender, d, recipients[i], payloads[i], amounts[i])
		if err != nil {
			errs = multierr.Append(errs, entryError(i, err))
			continue
		}
		envelopes[i] = env
		msgs[i] = msg
	}
	if errs != nil {
		return nil, nil, batchError(errs)
	}
	return envelopes, msgs, nil
}

func (s *Service) prepareEntry(ctx context.Context, sender string, d relay.Domain, recipient string, payload []byte, amount *big.Int) ([]byte, relay.Message, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return nil, relay.Message{}, errors.Invalid("recipient is required")
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, relay.Message{}, errors.ErrInvalidAmount
	}
	env, err := json.Marshal(relay.BatchEntry{Recipient: recipient, Amount: amount, Payload: payload})
	if err != nil {
		return nil, relay.Message{}, errors.Internal("encode batch entry", err)
	}
	msg, err := s.prepare(ctx, sender, d, env, "")
	if err != nil {
		return nil, relay.Message{}, err
	}
	return env, msg, nil
}

func entryError(index int, err error) error {
	if se := errors.GetServiceError(err); se != nil {
		return se.WithDetails("index", index)
	}
	return errors.Internal("batch entry", err).WithDetails("index", index)
}

// batchError surfaces the first entry failure, listing every failure in
// its details.
func batchError(errs error) error {
	all := multierr.Errors(errs)
	failures := make([]string, 0, len(all))
	for _, err := range all {
		failures = append(failures, err.Error())
	}
	first := errors.GetServiceError(all[0])
	out := first.WithDetails("failures", failures)
	out.Err = errs
	return out
}
