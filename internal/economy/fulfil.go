package economy

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/ppr"
)

// Fulfilment describes how a commitment was fulfilled. Quantity zero
// means the committed quantity.
type Fulfilment struct {
	Quantity float64                   `json:"quantity,omitempty"`
	Location string                    `json:"location,omitempty"`
	Note     string                    `json:"note,omitempty"`
	Metrics  *model.PerformanceMetrics `json:"metrics,omitempty"`
}

// Fulfilled is the outcome of FulfillCommitment.
type Fulfilled struct {
	Event    model.Hash   `json:"event"`
	Claim    model.Hash   `json:"claim"`
	Resource model.Record `json:"resource"`
	Receipt  ppr.Pair     `json:"receipt"`
}

// FulfillCommitment records the event that fulfils the commitment at h,
// claims the commitment with it, applies the event to the resource and
// mints the fulfilment receipts keyed by the claim.
func (s *Service) FulfillCommitment(ctx context.Context, h model.Hash, f Fulfilment) (Fulfilled, error) {
	c, err := s.commitment(ctx, h)
	if err != nil {
		return Fulfilled{}, err
	}
	me := s.host.Agent()
	if !c.Participant(me) {
		return Fulfilled{}, fmt.Errorf("%w: %s is not a participant", fault.ErrNotAuthor, me.Short())
	}
	s.fulfilling.Lock()
	defer s.fulfilling.Unlock()

	// everything that can refuse the claim link or the resource update is
	// checked before the event and the claim are appended
	status, err := s.ClaimStatus(ctx, h)
	if err != nil {
		return Fulfilled{}, err
	}
	if !status.Winner.IsZero() {
		return Fulfilled{}, fmt.Errorf("%s: %w", h.Short(), fault.ErrAlreadyFulfilled)
	}
	res, _, err := s.resources.GetResource(ctx, c.Resource)
	if err != nil {
		return Fulfilled{}, err
	}
	if res.State == model.StateRetired {
		return Fulfilled{}, &fault.TransitionError{From: string(res.State), To: string(res.State), Detail: "retired resources take no events"}
	}
	if c.Action.TransfersCustody() && res.Custodian != c.Provider {
		return Fulfilled{}, fmt.Errorf("%w: provider %s is no longer the custodian", fault.ErrNotAuthor, c.Provider.Short())
	}
	quantity := f.Quantity
	if quantity == 0 {
		quantity = c.Quantity
	}
	if quantity < 0 {
		return Fulfilled{}, fault.ErrInvalidQuantity
	}
	metrics, err := s.metrics(c, f.Metrics)
	if err != nil {
		return Fulfilled{}, err
	}

	ev := model.EconomicEvent{
		Action:     c.Action,
		Provider:   c.Provider,
		Receiver:   c.Receiver,
		Resource:   c.Resource,
		Quantity:   quantity,
		Unit:       c.Unit,
		Commitment: h,
		Location:   f.Location,
		Note:       f.Note,
		OccurredAt: s.host.Now(),
	}
	event, err := s.host.Create(ctx, model.EntryEconomicEvent, ev)
	if err != nil {
		return Fulfilled{}, err
	}
	claim, err := s.host.Create(ctx, model.EntryClaim, model.Claim{
		Commitment: h,
		Event:      event,
		Claimant:   me,
		Note:       f.Note,
		ClaimedAt:  s.host.Now(),
	})
	if err != nil {
		return Fulfilled{}, err
	}
	if _, err := s.host.Link(ctx, h, claim, model.LinkCommitmentToClaim, nil); err != nil {
		// an unlinked claim is invisible to ClaimStatus and its event to
		// the resource history
		s.log.Warnf("commitment %s: claim %s left unlinked: %s", h.Short(), claim.Short(), err)
		return Fulfilled{}, err
	}
	updated, err := s.resources.ApplyEvent(ctx, event, ev)
	if err != nil {
		return Fulfilled{}, err
	}
	s.log.Infof("commitment %s fulfilled by event %s, claim %s", h.Short(), event.Short(), claim.Short())

	out := Fulfilled{Event: event, Claim: claim, Resource: updated}
	if provider, receiver, ok := model.FulfilmentCategories(c.Action); ok {
		tr := model.TriggerRef{Commitment: h, Claim: claim, Event: event}
		out.Receipt = s.issue(ctx, c, tr, provider, receiver, metrics)
	}
	return out, nil
}

// metrics returns the scores for a fulfilment of c. Unrated fulfilments
// score full marks, except for timeliness when the commitment is late.
func (s *Service) metrics(c model.Commitment, rated *model.PerformanceMetrics) (model.PerformanceMetrics, error) {
	if rated != nil {
		m, err := model.NewMetrics(rated.Timeliness, rated.Quality, rated.Reliability, rated.Communication)
		if err != nil {
			return model.PerformanceMetrics{}, fmt.Errorf("%w: %v", fault.ErrInvalidMetrics, err)
		}
		return m, nil
	}
	if s.host.Now() > c.Due {
		return model.NewMetrics(0.5, 1, 1, 1)
	}
	return ppr.DefaultMetrics(), nil
}
