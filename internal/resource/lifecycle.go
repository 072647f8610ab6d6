package resource

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// UpdateResourceState moves the resource at h to state to. evidence is
// what the edge's guard needs: the approved validation or end-of-life
// request (zero picks the latest one opened for the resource), or the
// commitment that holds the resource in or releases it from maintenance
// and reservation.
func (s *Service) UpdateResourceState(ctx context.Context, h model.Hash, to model.ResourceState, evidence model.Hash) (model.Record, error) {
	res, rec, err := s.GetResource(ctx, h)
	if err != nil {
		return model.Record{}, err
	}
	root := rec.Root()
	from := res.State
	reject := func(format string, args ...any) error {
		return &fault.TransitionError{From: string(from), To: string(to), Detail: fmt.Sprintf(format, args...)}
	}

	if from == model.StateRetired {
		return model.Record{}, reject("retired resources are final")
	}
	guard, ok := model.Transition(from, to)
	if !ok {
		return model.Record{}, &fault.TransitionError{From: string(from), To: string(to)}
	}

	next := res
	next.State = to
	switch guard {
	case model.GuardValidationApproved, model.GuardEndOfLifeApproved:
		if res.Custodian != s.host.Agent() {
			return model.Record{}, fmt.Errorf("%w: only the custodian can change state", fault.ErrNotAuthor)
		}
		kind := model.KindResourceValidation
		if guard == model.GuardEndOfLifeApproved {
			kind = model.KindEndOfLife
		}
		tally, err := s.tally(ctx, root, kind, evidence)
		if err != nil {
			return model.Record{}, err
		}
		if !tally.Approved() {
			return model.Record{}, reject("%s: %s tally %s (%d of %d approvals, %d rejections)",
				guard, kind, tally.Status, tally.Approvals, tally.Required, tally.Rejections)
		}

	case model.GuardMaintenanceOpen, model.GuardReservationOpen:
		c, err := s.commitment(ctx, evidence)
		if err != nil {
			return model.Record{}, err
		}
		switch {
		case c.Resource != root:
			return model.Record{}, reject("%s: commitment is for another resource", guard)
		case c.Action.HoldState() != to:
			return model.Record{}, reject("%s: %s does not hold a resource %s", guard, c.Action, to)
		case !c.Participant(s.host.Agent()):
			return model.Record{}, fault.ErrNotParticipant
		case c.Due <= s.host.Now():
			return model.Record{}, reject("%s: commitment is past due", guard)
		}
		claimed, err := s.claimed(ctx, evidence)
		if err != nil {
			return model.Record{}, err
		}
		if claimed {
			return model.Record{}, reject("%s: commitment already fulfilled", guard)
		}
		next.Commitment = evidence

	case model.GuardMaintenanceFulfilled, model.GuardReservationClosed:
		if res.Commitment.IsZero() {
			return model.Record{}, reject("%s: no commitment holds the resource", guard)
		}
		c, err := s.commitment(ctx, res.Commitment)
		if err != nil {
			return model.Record{}, err
		}
		claimed, err := s.claimed(ctx, res.Commitment)
		if err != nil {
			return model.Record{}, err
		}
		lapsed := guard == model.GuardReservationClosed && c.Due <= s.host.Now()
		if !claimed && !lapsed {
			return model.Record{}, reject("%s: commitment %s still open", guard, res.Commitment.Short())
		}
		if res.Custodian != s.host.Agent() && !c.Participant(s.host.Agent()) {
			return model.Record{}, fault.ErrNotParticipant
		}
		next.Commitment = model.Hash{}
	}

	updated, err := s.host.Update(ctx, rec.Hash, next)
	if err != nil {
		return model.Record{}, err
	}
	s.log.Infof("resource %s: %s -> %s", root.Short(), from, to)
	return s.host.Get(ctx, updated)
}

// tally returns the tally of evidence, or of the latest request of kind
// opened about the resource when evidence is zero.
func (s *Service) tally(ctx context.Context, root model.Hash, kind model.RequestKind, evidence model.Hash) (governance.Tally, error) {
	if evidence.IsZero() {
		reqs, err := s.gov.Requests(ctx, root, kind)
		if err != nil {
			return governance.Tally{}, err
		}
		if len(reqs) == 0 {
			return governance.Tally{Status: governance.StatusPending}, nil
		}
		evidence = reqs[len(reqs)-1]
	}
	req, _, err := governance.LoadRequest(ctx, s.host.Store(), evidence)
	if err != nil {
		return governance.Tally{}, err
	}
	if req.Kind != kind || req.SubjectResource != root {
		return governance.Tally{}, fmt.Errorf("%w: %s is not a %s request for this resource", fault.ErrInsufficientEvidence, evidence.Short(), kind)
	}
	return s.gov.Tally(ctx, evidence)
}

func (s *Service) commitment(ctx context.Context, h model.Hash) (model.Commitment, error) {
	if h.IsZero() {
		return model.Commitment{}, fmt.Errorf("%w: no commitment given", fault.ErrInvalidEntry)
	}
	var c model.Commitment
	if _, err := s.host.Load(ctx, h, model.EntryCommitment, &c); err != nil {
		if fault.IsErrNotFound(err) {
			return model.Commitment{}, fmt.Errorf("%s: %w", h.Short(), fault.ErrCommitmentNotFound)
		}
		return model.Commitment{}, err
	}
	return c, nil
}

func (s *Service) claimed(ctx context.Context, commitment model.Hash) (bool, error) {
	links, err := s.host.Store().GetLinks(ctx, commitment, model.LinkCommitmentToClaim, nil)
	if err != nil {
		return false, err
	}
	return len(links) > 0, nil
}

// Hold moves the resource at h into the state commitment c holds it in.
func (s *Service) Hold(ctx context.Context, h, commitment model.Hash, c model.Commitment) (model.Record, error) {
	to := c.Action.HoldState()
	if to == "" {
		return model.Record{}, fmt.Errorf("%w: %s does not hold resources", fault.ErrInvalidAction, c.Action)
	}
	return s.UpdateResourceState(ctx, h, to, commitment)
}

// ApplyEvent records ev (at hash event) against the resource it names:
// custody moves to the receiver for custody actions, a move updates the
// location, and a hold by ev's commitment is released.
func (s *Service) ApplyEvent(ctx context.Context, event model.Hash, ev model.EconomicEvent) (model.Record, error) {
	res, rec, err := s.GetResource(ctx, ev.Resource)
	if err != nil {
		return model.Record{}, err
	}
	if res.State == model.StateRetired {
		return model.Record{}, &fault.TransitionError{From: string(res.State), To: string(res.State), Detail: "retired resources take no events"}
	}
	next := res
	next.LastEvent = event
	if ev.Action.TransfersCustody() {
		if res.Custodian != ev.Provider {
			return model.Record{}, fmt.Errorf("%w: provider %s is not the custodian", fault.ErrNotAuthor, ev.Provider.Short())
		}
		next.Custodian = ev.Receiver
	}
	if ev.Location != "" {
		next.Location = ev.Location
	}
	if !res.Commitment.IsZero() && res.Commitment == ev.Commitment {
		next.State = model.StateActive
		next.Commitment = model.Hash{}
	}

	updated, err := s.host.Update(ctx, rec.Hash, next)
	if err != nil {
		return model.Record{}, err
	}
	if _, err := s.host.Link(ctx, rec.Root(), event, model.LinkResourceToEvent, []byte(ev.Action)); err != nil {
		return model.Record{}, err
	}
	if next.Custodian != res.Custodian {
		s.log.Infof("resource %s: custody %s -> %s", rec.Root().Short(), res.Custodian.Short(), next.Custodian.Short())
	}
	return s.host.Get(ctx, updated)
}

// ReplaceEvent moves the resource tip onto event when the tip still
// records one of the lost events. It reports whether a revision was
// written.
func (s *Service) ReplaceEvent(ctx context.Context, event model.Hash, ev model.EconomicEvent, lost map[model.Hash]bool) (model.Record, bool, error) {
	res, rec, err := s.GetResource(ctx, ev.Resource)
	if err != nil {
		return model.Record{}, false, err
	}
	if !lost[res.LastEvent] || res.State == model.StateRetired {
		return rec, false, nil
	}
	next := res
	next.LastEvent = event
	if ev.Location != "" {
		next.Location = ev.Location
	}
	updated, err := s.host.Update(ctx, rec.Hash, next)
	if err != nil {
		return model.Record{}, false, err
	}
	s.log.Infof("resource %s: last event %s replaced by %s", rec.Root().Short(), res.LastEvent.Short(), event.Short())
	rec, err = s.host.Get(ctx, updated)
	if err != nil {
		return model.Record{}, true, err
	}
	return rec, true, nil
}
