package economy

import (
	"context"
	"sort"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// Status is the fulfilment state of a commitment. When replicas race,
// several claims may be linked; the claim with the smallest hash wins and
// the rest are invalidated.
type Status struct {
	Winner      model.Hash   `json:"winner,omitempty"`
	Claims      []model.Hash `json:"claims"`
	Invalidated []model.Hash `json:"invalidated"`
}

// Losers are the claims that did not win and are not invalidated yet.
func (st Status) Losers() []model.Hash {
	done := make(map[model.Hash]bool, len(st.Invalidated))
	for _, h := range st.Invalidated {
		done[h] = true
	}
	var out []model.Hash
	for _, h := range st.Claims {
		if h != st.Winner && !done[h] {
			out = append(out, h)
		}
	}
	return out
}

// ClaimStatus reports which claims are linked to the commitment at h.
func (s *Service) ClaimStatus(ctx context.Context, h model.Hash) (Status, error) {
	links, err := s.host.Store().GetLinks(ctx, h, model.LinkCommitmentToClaim, nil)
	if err != nil {
		return Status{}, err
	}
	st := Status{Claims: []model.Hash{}, Invalidated: []model.Hash{}}
	seen := make(map[model.Hash]bool, len(links))
	for _, l := range links {
		claim := l.Link.Target
		if seen[claim] {
			continue
		}
		seen[claim] = true
		st.Claims = append(st.Claims, claim)
		inv, err := s.host.Store().GetLinks(ctx, claim, model.LinkClaimToInvalidation, nil)
		if err != nil {
			return Status{}, err
		}
		if len(inv) > 0 {
			st.Invalidated = append(st.Invalidated, claim)
		}
	}
	sort.Slice(st.Claims, func(i, j int) bool { return st.Claims[i].Less(st.Claims[j]) })
	if len(st.Claims) > 0 {
		st.Winner = st.Claims[0]
	}
	return st, nil
}

// ResolveClaims invalidates every losing claim of the commitment at h and
// revokes the local receipts they minted. It returns the winning claim.
func (s *Service) ResolveClaims(ctx context.Context, h model.Hash) (model.Hash, error) {
	st, err := s.ClaimStatus(ctx, h)
	if err != nil {
		return model.Hash{}, err
	}
	for _, loser := range st.Losers() {
		inv, err := s.host.Create(ctx, model.EntryClaimInvalidation, model.ClaimInvalidation{
			Claim:      loser,
			Commitment: h,
			Winner:     st.Winner,
			Reason:     "concurrent claim with a smaller hash won",
			MarkedAt:   s.host.Now(),
		})
		if err != nil {
			return model.Hash{}, err
		}
		if _, err := s.host.Link(ctx, loser, inv, model.LinkClaimToInvalidation, nil); err != nil {
			return model.Hash{}, err
		}
		s.log.Warnf("commitment %s: claim %s invalidated, %s won", h.Short(), loser.Short(), st.Winner.Short())
		st.Invalidated = append(st.Invalidated, loser)
	}
	if err := s.revokeLosers(ctx, st); err != nil {
		return model.Hash{}, err
	}
	if err := s.followWinner(ctx, st); err != nil {
		return model.Hash{}, err
	}
	return st.Winner, nil
}

// followWinner rewrites the resource tip when it still carries the event
// of an invalidated claim. Forked resource revisions are ordered by time,
// so the loser's update can outrank the winner's.
func (s *Service) followWinner(ctx context.Context, st Status) error {
	if st.Winner.IsZero() || len(st.Invalidated) == 0 {
		return nil
	}
	lost := make(map[model.Hash]bool, len(st.Invalidated))
	for _, h := range st.Invalidated {
		cl, err := s.claim(ctx, h)
		if err != nil {
			return err
		}
		lost[cl.Event] = true
	}
	won, err := s.claim(ctx, st.Winner)
	if err != nil {
		return err
	}
	var ev model.EconomicEvent
	if _, err := s.host.Load(ctx, won.Event, model.EntryEconomicEvent, &ev); err != nil {
		return err
	}
	_, _, err = s.resources.ReplaceEvent(ctx, won.Event, ev, lost)
	return err
}

func (s *Service) claim(ctx context.Context, h model.Hash) (model.Claim, error) {
	var cl model.Claim
	_, err := s.host.Load(ctx, h, model.EntryClaim, &cl)
	return cl, err
}

func (s *Service) revokeLosers(ctx context.Context, st Status) error {
	for _, loser := range st.Invalidated {
		r, err := s.receipts.ByTrigger(ctx, loser)
		if fault.IsErrNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if r.Revoked {
			continue
		}
		if err := s.receipts.Revoke(ctx, r.Hash, "claim "+loser.Short()+" lost to "+st.Winner.Short()); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile resolves every commitment of the local agent that has more
// than one claim and returns how many had claims left to invalidate.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	all, err := s.commitments(ctx)
	if err != nil {
		return 0, err
	}
	touched := 0
	for _, c := range all {
		if err := ctx.Err(); err != nil {
			return touched, err
		}
		st, err := s.ClaimStatus(ctx, c.Hash)
		if err != nil {
			return touched, err
		}
		if len(st.Claims) < 2 {
			continue
		}
		if _, err := s.ResolveClaims(ctx, c.Hash); err != nil {
			s.log.Errorf("reconcile %s: %s", c.Hash.Short(), err)
			continue
		}
		if len(st.Losers()) > 0 {
			touched++
		}
	}
	return touched, nil
}
