package ppr

import (
	"context"
	"errors"
	"fmt"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// park records p for a later retry. At most one pending receipt is kept
// per trigger.
func (s *Service) park(ctx context.Context, p model.PendingReceipt, cause error) (Pair, error) {
	s.Lock()
	defer s.Unlock()
	if _, ok, err := s.pending(p.Key); err != nil {
		return Pair{}, err
	} else if !ok {
		if _, err := s.ledger.Create(ctx, model.EntryPendingReceipt, p); err != nil {
			return Pair{}, err
		}
	}
	s.log.Warnf("receipt %s parked: %s", p.Key.Short(), cause)
	return Pair{Pending: true}, nil
}

// pending returns the parked issuance for key, if any.
func (s *Service) pending(key model.Hash) (model.PendingReceipt, bool, error) {
	recs, err := s.ledger.Private(model.EntryPendingReceipt)
	if err != nil {
		return model.PendingReceipt{}, false, err
	}
	for _, rec := range recs {
		var p model.PendingReceipt
		if err := rec.Entry.Decode(&p); err != nil {
			return model.PendingReceipt{}, false, err
		}
		if p.Key == key {
			return p, true, nil
		}
	}
	return model.PendingReceipt{}, false, nil
}

// Pending lists the parked issuances that have not completed yet.
func (s *Service) Pending(ctx context.Context) ([]model.PendingReceipt, error) {
	recs, err := s.ledger.Private(model.EntryPendingReceipt)
	if err != nil {
		return nil, err
	}
	var out []model.PendingReceipt
	for _, rec := range recs {
		var p model.PendingReceipt
		if err := rec.Entry.Decode(&p); err != nil {
			return nil, err
		}
		_, done, err := s.issued(p.Key)
		if err != nil {
			return nil, err
		}
		if !done {
			out = append(out, p)
		}
	}
	return out, nil
}

// ResumePending retries every parked issuance and returns how many
// completed. Issuances whose counterparty is still unreachable stay
// parked; other failures are logged and skipped.
func (s *Service) ResumePending(ctx context.Context) (int, error) {
	pending, err := s.Pending(ctx)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		pair, err := s.complete(ctx, p)
		switch {
		case err != nil:
			s.log.Errorf("resume receipt %s: %s", p.Key.Short(), err)
		case !pair.Pending:
			completed++
		}
	}
	if completed > 0 {
		s.log.Infof("resumed %d of %d pending receipts", completed, len(pending))
	}
	return completed, nil
}

// Unreachable wraps err as a counterparty-unavailable failure, so Issue
// parks the receipt instead of failing.
func Unreachable(err error) error {
	if err == nil || errors.Is(err, fault.ErrCounterpartyUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", fault.ErrCounterpartyUnavailable, err)
}
