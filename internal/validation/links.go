package validation

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/model"
)

func (e *Engine) createLink(ctx context.Context, op CreateLink) error {
	l := op.Link
	switch {
	case l.Author != op.Actor:
		return fmt.Errorf("%w: link authored by %s", fault.ErrNotAuthor, l.Author.Short())
	case !l.Type.Known():
		return fmt.Errorf("%w: unknown link type %q", fault.ErrInvalidLink, l.Type)
	case l.Base.IsZero() || l.Target.IsZero():
		return fmt.Errorf("%w: missing base or target", fault.ErrInvalidLink)
	}
	if err := e.checkHold(ctx, op.Actor, l.Timestamp, op.Origin); err != nil {
		return err
	}
	return e.checkLink(ctx, l, op.Origin)
}

// backRef fails unless the target's own reference names the base.
func backRef(l model.Link, ref model.Hash) error {
	if ref != l.Base {
		return fmt.Errorf("%w: %s target does not reference its base", fault.ErrInvalidLink, l.Type)
	}
	return nil
}

func (e *Engine) checkLink(ctx context.Context, l model.Link, origin Origin) error {
	switch l.Type {
	case model.LinkAgentToPerson:
		var p model.Person
		rec, err := e.fetchAs(ctx, l.Target, model.EntryPerson, &p)
		if err != nil {
			return err
		}
		if rec.Entry.Author != l.Author {
			return fmt.Errorf("%w: person belongs to %s", fault.ErrNotAuthor, rec.Entry.Author.Short())
		}
		return backRef(l, rec.Entry.Author.Anchor())

	case model.LinkAgentToRole:
		var ra model.RoleAssignment
		if _, err := e.fetchAs(ctx, l.Target, model.EntryRoleAssignment, &ra); err != nil {
			return err
		}
		if err := backRef(l, ra.Agent.Anchor()); err != nil {
			return err
		}
		if !bytes.Equal(l.Tag, model.RoleTag(ra.Agent, ra.Role, ra.Evidence, ra.Role.MinTier())) {
			return fmt.Errorf("%w: role tag does not match the assignment", fault.ErrInvalidLink)
		}
		if err := e.checkEvidence(ctx, ra.Agent, ra.Role, ra.Evidence); err != nil {
			if fault.IsErrNotFound(err) {
				return err
			}
			return fmt.Errorf("%w: %v", fault.ErrInvalidLink, err)
		}
		return nil

	case model.LinkAgentToDisputeHold:
		req, _, err := governance.LoadRequest(ctx, e.reader, l.Target)
		if err != nil {
			return err
		}
		if req.Kind != model.KindDisputeHold {
			return fmt.Errorf("%w: hold cites a %s request", fault.ErrInvalidLink, req.Kind)
		}
		if err := backRef(l, req.SubjectAgent.Anchor()); err != nil {
			return err
		}
		until, err := model.ParseHoldTag(l.Tag)
		if err != nil || until > req.HoldUntil {
			return fmt.Errorf("%w: hold tag outside the approved window", fault.ErrInvalidLink)
		}
		tally, _, err := governance.LoadTally(ctx, e.reader, l.Target, e.cfg.Quorum)
		if err != nil {
			return err
		}
		if !tally.Approved() {
			return fmt.Errorf("%w: dispute hold tally is %s", fault.ErrInsufficientEvidence, tally.Status)
		}
		return nil

	case model.LinkAgentToCommitment:
		var c model.Commitment
		if _, err := e.fetchAs(ctx, l.Target, model.EntryCommitment, &c); err != nil {
			return err
		}
		if l.Base != c.Provider.Anchor() && l.Base != c.Receiver.Anchor() {
			return fmt.Errorf("%w: base is not a participant", fault.ErrInvalidLink)
		}
		return nil

	case model.LinkGrantorToGrant, model.LinkGranteeToGrant:
		var g model.CapabilityGrant
		if _, err := e.fetchAs(ctx, l.Target, model.EntryCapabilityGrant, &g); err != nil {
			return err
		}
		if g.Grantor != l.Author {
			return fmt.Errorf("%w: grants are indexed by their grantor", fault.ErrNotAuthor)
		}
		if l.Type == model.LinkGrantorToGrant {
			return backRef(l, g.Grantor.Anchor())
		}
		return backRef(l, g.Grantee.Anchor())

	case model.LinkGrantToExpiry:
		var x model.GrantExpiry
		if _, err := e.fetchAs(ctx, l.Target, model.EntryGrantExpiry, &x); err != nil {
			return err
		}
		return backRef(l, x.Grant)

	case model.LinkAllSpecifications:
		var s model.ResourceSpecification
		if _, err := e.fetchAs(ctx, l.Target, model.EntryResourceSpecification, &s); err != nil {
			return err
		}
		return backRef(l, model.SpecificationsAnchor)

	case model.LinkAllResources:
		var r model.EconomicResource
		if _, err := e.fetchAs(ctx, l.Target, model.EntryEconomicResource, &r); err != nil {
			return err
		}
		return backRef(l, model.ResourcesAnchor)

	case model.LinkSpecificationToResource:
		var r model.EconomicResource
		if _, err := e.fetchAs(ctx, l.Target, model.EntryEconomicResource, &r); err != nil {
			return err
		}
		return backRef(l, r.Specification)

	case model.LinkResourceToComponent:
		if l.Base == l.Target {
			return fmt.Errorf("%w: resource cannot contain itself", fault.ErrInvalidLink)
		}
		var base, part model.EconomicResource
		if _, err := e.fetchAs(ctx, l.Base, model.EntryEconomicResource, &base); err != nil {
			return err
		}
		_, err := e.fetchAs(ctx, l.Target, model.EntryEconomicResource, &part)
		return err

	case model.LinkResourceToCommitment:
		var c model.Commitment
		if _, err := e.fetchAs(ctx, l.Target, model.EntryCommitment, &c); err != nil {
			return err
		}
		return backRef(l, c.Resource)

	case model.LinkResourceToEvent:
		var ev model.EconomicEvent
		if _, err := e.fetchAs(ctx, l.Target, model.EntryEconomicEvent, &ev); err != nil {
			return err
		}
		return backRef(l, ev.Resource)

	case model.LinkCommitmentToClaim:
		var c model.Claim
		if _, err := e.fetchAs(ctx, l.Target, model.EntryClaim, &c); err != nil {
			return err
		}
		if err := backRef(l, c.Commitment); err != nil {
			return err
		}
		if origin == Replicated {
			// concurrent claims converge through ClaimInvalidation records
			return nil
		}
		existing, err := e.reader.GetLinks(ctx, l.Base, model.LinkCommitmentToClaim, nil)
		if err != nil {
			return err
		}
		for _, x := range existing {
			if x.Link.Target != l.Target {
				return fault.ErrAlreadyFulfilled
			}
		}
		return nil

	case model.LinkClaimToInvalidation:
		var inv model.ClaimInvalidation
		if _, err := e.fetchAs(ctx, l.Target, model.EntryClaimInvalidation, &inv); err != nil {
			return err
		}
		return backRef(l, inv.Claim)

	case model.LinkSubjectToRequest:
		req, _, err := governance.LoadRequest(ctx, e.reader, l.Target)
		if err != nil {
			return err
		}
		return backRef(l, req.Subject())

	case model.LinkRequestToReceipt:
		var r model.ValidationReceipt
		if _, err := e.fetchAs(ctx, l.Target, model.EntryValidationReceipt, &r); err != nil {
			return err
		}
		if r.Validator != l.Author {
			return fmt.Errorf("%w: receipts are linked by their validator", fault.ErrNotAuthor)
		}
		return backRef(l, r.Request)
	}
	return fmt.Errorf("%w: unknown link type %q", fault.ErrInvalidLink, l.Type)
}
